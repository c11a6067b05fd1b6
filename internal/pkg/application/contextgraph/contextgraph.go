package contextgraph

import (
	"context"
	"fmt"

	"github.com/diwise/context-graph/internal/pkg/application/authz"
	"github.com/diwise/context-graph/internal/pkg/application/batch"
	"github.com/diwise/context-graph/internal/pkg/application/cim"
	"github.com/diwise/context-graph/internal/pkg/application/events"
	"github.com/diwise/context-graph/internal/pkg/application/temporal"
	"github.com/diwise/context-graph/internal/pkg/application/updates"
	"github.com/diwise/context-graph/internal/pkg/infrastructure/storage/graph"
	"github.com/diwise/context-graph/pkg/ngsild"
	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/diwise/context-graph/pkg/ngsild/jsonld"
	"github.com/diwise/context-graph/pkg/ngsild/types/attributes"
	"github.com/diwise/context-graph/pkg/ngsild/types/entities"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("context-graph/contextgraph")

type App struct {
	ld       jsonld.Processor
	engine   *updates.Engine
	batch    *batch.Orchestrator
	temporal *temporal.Engine
	history  temporal.Store
	authz    authz.Authorizer
	notifier events.Notifier
	workers  int
}

var _ cim.ContextInformationManager = &App{}

type Option func(*App)

func WithHistory(history temporal.Store) Option {
	return func(app *App) {
		app.history = history
	}
}

func WithAuthorizer(authorizer authz.Authorizer) Option {
	return func(app *App) {
		app.authz = authorizer
	}
}

func WithNotifier(notifier events.Notifier) Option {
	return func(app *App) {
		app.notifier = notifier
	}
}

func WithBatchWorkers(workers int) Option {
	return func(app *App) {
		app.workers = workers
	}
}

func New(processor jsonld.Processor, store graph.Store, opts ...Option) *App {
	app := &App{
		ld:      processor,
		authz:   authz.AllowAll(),
		workers: 8,
	}

	for _, opt := range opts {
		opt(app)
	}

	engineOpts := []updates.Option{updates.WithCompactor(processor)}
	if app.history != nil {
		engineOpts = append(engineOpts, updates.WithHistory(app.history))
	}

	app.engine = updates.NewEngine(store, engineOpts...)

	batchOpts := []batch.Option{batch.WithWorkers(app.workers)}
	if app.notifier != nil {
		batchOpts = append(batchOpts, batch.WithNotifier(app.notifier))
	}

	app.batch = batch.New(app.engine, app.authz, batchOpts...)
	app.temporal = temporal.NewEngine(processor)

	return app
}

func (app *App) ParseEntity(ctx context.Context, doc map[string]any, contexts []string) (*entities.Entity, error) {
	contexts = contextsOf(doc, contexts)

	expanded, err := app.ld.Expand(ctx, doc, contexts)
	if err != nil {
		return nil, err
	}

	return entities.Parse(expanded, contexts)
}

func (app *App) CreateEntity(ctx context.Context, user string, entity *entities.Entity) (result *ngsild.CreateEntityResult, err error) {
	ctx, span := tracer.Start(ctx, "create-entity")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if !app.authz.CanCreate(ctx, user) {
		return nil, ngsierrors.NewAccessDeniedError("User forbidden to create entities")
	}

	if _, err = app.engine.CreateEntity(ctx, entity, nil); err != nil {
		return nil, err
	}

	if app.notifier != nil {
		app.notifier.EntityCreated(ctx, entity)
	}

	return ngsild.NewCreateEntityResult(fmt.Sprintf("/ngsi-ld/v1/entities/%s", entity.ID())), nil
}

func (app *App) PartialUpdate(ctx context.Context, user, entityID string, fragment map[string]any, contexts []string) (result ngsild.UpdateResult, err error) {
	ctx, span := tracer.Start(ctx, "partial-update")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if err = app.canModify(ctx, user, entityID); err != nil {
		return result, err
	}

	expanded, err := app.ld.Expand(ctx, fragment, contextsOf(fragment, contexts))
	if err != nil {
		return result, err
	}

	result, err = app.engine.PartialUpdate(ctx, entityID, expanded)
	if err != nil {
		return result, err
	}

	app.attributesUpdated(ctx, entityID, result)

	return result, nil
}

// UpdateAttribute updates a single attribute and fails if the entity does not have it
func (app *App) UpdateAttribute(ctx context.Context, user, entityID, attrName string, fragment map[string]any, contexts []string) (result ngsild.UpdateResult, err error) {
	ctx, span := tracer.Start(ctx, "update-attribute")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if err = app.canModify(ctx, user, entityID); err != nil {
		return result, err
	}

	name, expanded, err := app.expandAttribute(ctx, attrName, fragment, contexts)
	if err != nil {
		return result, err
	}

	result, err = app.engine.UpdateAttribute(ctx, entityID, name, expanded)
	if err != nil {
		return result, err
	}

	app.attributesUpdated(ctx, entityID, result)

	return result, nil
}

func (app *App) AppendAttributes(ctx context.Context, user, entityID string, fragment map[string]any, contexts []string, disallowOverwrite bool) (result ngsild.UpdateResult, err error) {
	ctx, span := tracer.Start(ctx, "append-attributes")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if err = app.canModify(ctx, user, entityID); err != nil {
		return result, err
	}

	attrs, err := app.parseAttributes(ctx, fragment, contexts)
	if err != nil {
		return result, err
	}

	result, err = app.engine.Append(ctx, entityID, attrs, disallowOverwrite, nil)
	if err != nil {
		return result, err
	}

	if result.HasUpdates() && app.notifier != nil {
		if entity, ok := app.retrieve(ctx, entityID); ok {
			app.notifier.AttributesAppended(ctx, entity, result)
		}
	}

	return result, nil
}

func (app *App) ReplaceAttributes(ctx context.Context, user, entityID string, fragment map[string]any, contexts []string) (result ngsild.UpdateResult, err error) {
	ctx, span := tracer.Start(ctx, "replace-attributes")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if err = app.canModify(ctx, user, entityID); err != nil {
		return result, err
	}

	attrs, err := app.parseAttributes(ctx, fragment, contexts)
	if err != nil {
		return result, err
	}

	result, previous, err := app.engine.Replace(ctx, entityID, attrs, nil)
	if err != nil {
		return result, err
	}

	if app.notifier != nil {
		if entity, ok := app.retrieve(ctx, entityID); ok {
			app.notifier.EntityReplaced(ctx, previous, entity)
		}
	}

	return result, nil
}

func (app *App) CreateBatch(ctx context.Context, user string, docs []map[string]any, contexts []string) (*ngsild.BatchResult, error) {
	result := ngsild.NewBatchResult()
	batch := app.parseBatch(ctx, docs, contexts, result)

	r, err := app.batch.CreateBatch(ctx, user, batch)
	if err != nil {
		return nil, err
	}

	return merge(result, r), nil
}

func (app *App) UpsertBatch(ctx context.Context, user string, docs []map[string]any, contexts []string, update bool) (*ngsild.BatchResult, error) {
	result := ngsild.NewBatchResult()
	batchEntities := app.parseBatch(ctx, docs, contexts, result)

	mode := batch.Replace
	if update {
		mode = batch.Update
	}

	r, err := app.batch.UpsertBatch(ctx, user, batchEntities, mode)
	if err != nil {
		return nil, err
	}

	return merge(result, r), nil
}

func (app *App) DeleteBatch(ctx context.Context, user string, entityIDs []string) (*ngsild.BatchResult, error) {
	return app.batch.DeleteBatch(ctx, user, entityIDs)
}

// RetrieveTemporalEntity returns the attribute history of an entity, compacted
// with contexts or with the contexts of the entity if none are given
func (app *App) RetrieveTemporalEntity(ctx context.Context, entityID string, query temporal.Query, contexts []string) (result map[string]any, err error) {
	ctx, span := tracer.Start(ctx, "retrieve-temporal-entity")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if app.history == nil {
		return nil, ngsierrors.NewNotImplementedError("temporal representation of entities is not enabled")
	}

	entity, err := app.engine.RetrieveEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}

	if len(contexts) == 0 {
		contexts = entity.Contexts()
	}

	instances, err := app.history.QueryInstances(ctx, entityID, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query instance history of %s: %w", entityID, err)
	}

	return app.temporal.BuildTemporalEntity(ctx, entityID, entity.Type(), instances, query, contexts), nil
}

// CompactTerm shortens uri with contexts, or with the default context if none are given
func (app *App) CompactTerm(ctx context.Context, uri string, contexts []string) string {
	return app.ld.CompactTerm(ctx, uri, contextsOf(nil, contexts))
}

func (app *App) canModify(ctx context.Context, user, entityID string) error {
	if len(app.authz.CanModify(ctx, user, []string{entityID})) == 0 {
		return ngsierrors.NewAccessDeniedError("User forbidden to modify entity")
	}
	return nil
}

func (app *App) attributesUpdated(ctx context.Context, entityID string, result ngsild.UpdateResult) {
	if !result.HasUpdates() || app.notifier == nil {
		return
	}

	if entity, ok := app.retrieve(ctx, entityID); ok {
		app.notifier.AttributesUpdated(ctx, entity, result)
	}
}

func (app *App) retrieve(ctx context.Context, entityID string) (*entities.Entity, bool) {
	entity, err := app.engine.RetrieveEntity(ctx, entityID)
	if err != nil {
		logging.GetFromContext(ctx).Warn("unable to retrieve updated entity, no event will be published", "entityID", entityID, "err", err.Error())
		return nil, false
	}
	return entity, true
}

func (app *App) parseAttributes(ctx context.Context, fragment map[string]any, contexts []string) ([]attributes.Attribute, error) {
	expanded, err := app.ld.Expand(ctx, fragment, contextsOf(fragment, contexts))
	if err != nil {
		return nil, err
	}

	return attributes.ParseFragment(expanded)
}

// expandAttribute expands the fragment of a single attribute and returns its
// expanded name together with its expanded instances
func (app *App) expandAttribute(ctx context.Context, attrName string, fragment map[string]any, contexts []string) (string, any, error) {
	wrapper := map[string]any{}
	body := map[string]any{}

	for k, v := range fragment {
		if k == jsonld.Context {
			wrapper[k] = v
		} else {
			body[k] = v
		}
	}

	wrapper[attrName] = body

	expanded, err := app.ld.Expand(ctx, wrapper, contextsOf(fragment, contexts))
	if err != nil {
		return "", nil, err
	}

	for name, instances := range expanded {
		if !jsonld.CoreMembers[name] {
			return name, instances, nil
		}
	}

	return "", nil, ngsierrors.NewBadRequestDataError(fmt.Sprintf("Unable to expand attribute %s", attrName))
}

// parseBatch parses the documents of a batch. Documents that can not be parsed are
// added to result as errors.
func (app *App) parseBatch(ctx context.Context, docs []map[string]any, contexts []string, result *ngsild.BatchResult) []*entities.Entity {
	parsed := []*entities.Entity{}

	for _, doc := range docs {
		entity, err := app.ParseEntity(ctx, doc, contexts)
		if err != nil {
			entityID, _ := doc["id"].(string)
			result.AddError(entityID, err.Error())
			continue
		}

		parsed = append(parsed, entity)
	}

	return parsed
}

func merge(result, other *ngsild.BatchResult) *ngsild.BatchResult {
	result.Success = append(result.Success, other.Success...)
	result.Errors = append(result.Errors, other.Errors...)
	result.Sort()
	return result
}

// contextsOf returns the contexts that a document refers to, or fallback if it has
// no @context of its own
func contextsOf(doc map[string]any, fallback []string) []string {
	contexts := []string{}

	switch c := doc[jsonld.Context].(type) {
	case string:
		contexts = append(contexts, c)
	case []any:
		for _, v := range c {
			if s, ok := v.(string); ok {
				contexts = append(contexts, s)
			}
		}
	}

	if len(contexts) > 0 {
		return contexts
	}

	if len(fallback) > 0 {
		return fallback
	}

	return []string{jsonld.DefaultContextURL}
}
