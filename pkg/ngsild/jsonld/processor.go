package jsonld

import (
	"context"
	"errors"
	"fmt"
	"strings"

	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/piprate/json-gold/ld"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("context-graph/jsonld")

// Processor expands and compacts NGSI-LD documents using a set of context urls
type Processor interface {
	Expand(ctx context.Context, doc map[string]any, contexts []string) (map[string]any, error)
	Compact(ctx context.Context, tree map[string]any, contexts []string) (map[string]any, error)
	CompactTerm(ctx context.Context, uri string, contexts []string) string
}

type processor struct {
	proc   *ld.JsonLdProcessor
	loader ld.DocumentLoader
	terms  *lru.Cache[string, string]
}

func NewProcessor(loader ld.DocumentLoader) (Processor, error) {
	terms, err := lru.New[string, string](1024)
	if err != nil {
		return nil, err
	}

	return &processor{
		proc:   ld.NewJsonLdProcessor(),
		loader: loader,
		terms:  terms,
	}, nil
}

func (p *processor) options() *ld.JsonLdOptions {
	opts := ld.NewJsonLdOptions("")
	opts.DocumentLoader = p.loader
	return opts
}

// Expand expands doc with contexts, unless doc carries its own @context
func (p *processor) Expand(ctx context.Context, doc map[string]any, contexts []string) (map[string]any, error) {
	var err error

	_, span := tracer.Start(ctx, "expand")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	input := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		input[k] = v
	}

	if _, ok := input[Context]; !ok {
		input[Context] = withCoreContext(contexts)
	}

	var expanded []any
	expanded, err = p.proc.Expand(input, p.options())
	if err != nil {
		err = translateError(err)
		return nil, err
	}

	if len(expanded) != 1 {
		err = ngsierrors.NewBadRequestDataError("unable to expand the document to a single entity")
		return nil, err
	}

	tree, ok := expanded[0].(map[string]any)
	if !ok {
		err = ngsierrors.NewBadRequestDataError("expanded document is not an object")
		return nil, err
	}

	return tree, nil
}

func (p *processor) Compact(ctx context.Context, tree map[string]any, contexts []string) (map[string]any, error) {
	var err error

	_, span := tracer.Start(ctx, "compact")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var compacted map[string]any
	compacted, err = p.proc.Compact(tree, map[string]any{Context: withCoreContext(contexts)}, p.options())
	if err != nil {
		err = translateError(err)
		return nil, err
	}

	return compacted, nil
}

// CompactTerm returns the short name of uri in contexts, or uri itself if no term
// in the contexts maps onto it
func (p *processor) CompactTerm(ctx context.Context, uri string, contexts []string) string {
	key := strings.Join(contexts, " ") + "|" + uri

	if term, ok := p.terms.Get(key); ok {
		return term
	}

	compacted, err := p.Compact(ctx, map[string]any{uri: map[string]any{}}, contexts)
	if err != nil {
		return uri
	}

	for k := range compacted {
		if k != Context {
			p.terms.Add(key, k)
			return k
		}
	}

	return uri
}

func withCoreContext(contexts []string) []any {
	result := make([]any, 0, len(contexts)+1)
	hasCore := false

	for _, c := range contexts {
		if c == NGSILDCoreContextURL {
			hasCore = true
		}
		result = append(result, c)
	}

	if !hasCore {
		result = append(result, NGSILDCoreContextURL)
	}

	return result
}

func translateError(err error) error {
	var ldErr *ld.JsonLdError
	if errors.As(err, &ldErr) {
		switch ldErr.Code {
		case ld.LoadingRemoteContextFailed, ld.LoadingDocumentFailed:
			return ngsierrors.NewLdContextNotAvailableError(
				fmt.Sprintf("unable to load remote context: %v", ldErr.Details), err,
			)
		}
		return ngsierrors.NewBadRequestDataError(fmt.Sprintf("unable to process json-ld document: %s", ldErr.Error()))
	}

	return ngsierrors.NewBadRequestDataError(fmt.Sprintf("unable to process json-ld document: %s", err.Error()))
}
