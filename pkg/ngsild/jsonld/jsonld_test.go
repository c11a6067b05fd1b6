package jsonld

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/matryer/is"
	"github.com/piprate/json-gold/ld"
)

func TestShortName(t *testing.T) {
	is := is.New(t)

	is.Equal(ShortName("https://uri.fiware.org/ns/data-models#fishName"), "fishName")
	is.Equal(ShortName("https://uri.etsi.org/ngsi-ld/default-context/temperature"), "temperature")
	is.Equal(ShortName("fishNumber"), "fishNumber")
}

func TestThatExpandedEntityCompactsBackToItsInput(t *testing.T) {
	is, ctx, p := testSetup(t)

	doc := decode(is, beachJSON)

	expanded, err := p.Expand(ctx, doc, []string{DefaultContextURL})
	is.NoErr(err)

	is.Equal(expanded[ID], "urn:ngsi-ld:Beach:b1")
	is.Equal(expanded[Type], []any{"https://uri.fiware.org/ns/data-models#Beach"})

	compacted, err := p.Compact(ctx, expanded, []string{DefaultContextURL})
	is.NoErr(err)
	delete(compacted, Context)

	is.Equal(normalize(is, compacted), normalize(is, decode(is, beachJSON)))
}

func TestThatExpandUsesTheDocumentsOwnContext(t *testing.T) {
	is, ctx, p := testSetup(t)

	doc := decode(is, beachJSON)
	doc[Context] = []any{DefaultContextURL}

	expanded, err := p.Expand(ctx, doc, []string{"https://example.org/never/loaded.jsonld"})
	is.NoErr(err)
	is.Equal(expanded[ID], "urn:ngsi-ld:Beach:b1")
}

func TestCompactTerm(t *testing.T) {
	is, ctx, p := testSetup(t)

	is.Equal(p.CompactTerm(ctx, "https://uri.fiware.org/ns/data-models#fishName", []string{DefaultContextURL}), "fishName")
	is.Equal(p.CompactTerm(ctx, DefaultVocab+"unknownThing", []string{DefaultContextURL}), "unknownThing")
}

func TestThatUnreachableContextIsReportedAsLdContextNotAvailable(t *testing.T) {
	is, ctx, p := testSetup(t)

	_, err := p.Expand(ctx, decode(is, beachJSON), []string{"https://example.org/unreachable.jsonld"})
	is.True(err != nil)
	is.True(errors.Is(err, ngsierrors.ErrLdContextNotAvailable))
	is.True(!errors.Is(err, ngsierrors.ErrBadRequest))
}

func TestThatFetchedContextsAreCached(t *testing.T) {
	is := is.New(t)

	loader := &fakeLoader{docs: map[string]any{
		"https://example.org/ctx.jsonld": map[string]any{
			Context: map[string]any{"fishName": "https://example.org/fishName"},
		},
	}}

	cache, err := NewContextCache(2, WithDocumentLoader(loader))
	is.NoErr(err)

	_, err = cache.LoadDocument("https://example.org/ctx.jsonld")
	is.NoErr(err)
	_, err = cache.LoadDocument("https://example.org/ctx.jsonld")
	is.NoErr(err)

	is.Equal(loader.calls, 1)
	is.Equal(cache.Len(), 1)
}

func TestThatPinnedContextsAreNeverFetched(t *testing.T) {
	is := is.New(t)

	loader := &fakeLoader{docs: map[string]any{}}

	cache, err := NewContextCache(1, WithDocumentLoader(loader))
	is.NoErr(err)

	doc, err := cache.LoadDocument(NGSILDCoreContextURL)
	is.NoErr(err)
	is.True(doc.Document != nil)
	is.Equal(loader.calls, 0)
	is.Equal(cache.Len(), 0)
}

func testSetup(t *testing.T) (*is.I, context.Context, Processor) {
	is := is.New(t)

	cache, err := NewContextCache(8, WithDocumentLoader(&fakeLoader{docs: map[string]any{}}))
	is.NoErr(err)

	p, err := NewProcessor(cache)
	is.NoErr(err)

	return is, context.Background(), p
}

type fakeLoader struct {
	docs  map[string]any
	calls int
}

func (f *fakeLoader) LoadDocument(u string) (*ld.RemoteDocument, error) {
	f.calls++

	doc, ok := f.docs[u]
	if !ok {
		return nil, ld.NewJsonLdError(ld.LoadingDocumentFailed, u)
	}

	return &ld.RemoteDocument{DocumentURL: u, Document: doc}, nil
}

func decode(is *is.I, s string) map[string]any {
	m := map[string]any{}
	is.NoErr(json.Unmarshal([]byte(s), &m))
	return m
}

func normalize(is *is.I, m map[string]any) string {
	b, err := json.Marshal(m)
	is.NoErr(err)
	return string(b)
}

const beachJSON string = `{
	"id": "urn:ngsi-ld:Beach:b1",
	"type": "Beach",
	"name": {
		"type": "Property",
		"value": "Stranden"
	},
	"temperature": {
		"type": "Property",
		"value": 21.5,
		"observedAt": "2023-05-01T12:00:00Z",
		"unitCode": "CEL"
	},
	"refDevice": {
		"type": "Relationship",
		"object": "urn:ngsi-ld:Device:d1"
	}
}`
