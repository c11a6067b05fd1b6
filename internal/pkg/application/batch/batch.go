package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/diwise/context-graph/internal/pkg/application/authz"
	"github.com/diwise/context-graph/internal/pkg/application/events"
	"github.com/diwise/context-graph/internal/pkg/application/updates"
	"github.com/diwise/context-graph/pkg/ngsild"
	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/diwise/context-graph/pkg/ngsild/types/entities"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("context-graph/batch")

var batchEntities = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "batch_entities_total",
	Help: "The number of entities processed by batch operations, by operation and outcome",
}, []string{"operation", "outcome"})

type UpsertMode int

const (
	Replace UpsertMode = iota
	Update
)

const (
	entityAlreadyExists   string = "Entity already exists"
	entityDoesNotExist    string = "Entity does not exist"
	forbiddenToCreate     string = "User forbidden to create entities"
	forbiddenToModify     string = "User forbidden to modify entity"
	forbiddenToDelete     string = "User forbidden to delete entity"
	defaultNumberOfWorker int    = 8
)

// Orchestrator runs create, upsert and delete operations over many entities. The
// entities are processed concurrently and each of them succeeds or fails on its own.
type Orchestrator struct {
	engine   *updates.Engine
	authz    authz.Authorizer
	notifier events.Notifier
	workers  int
}

type Option func(*Orchestrator)

func WithWorkers(workers int) Option {
	return func(o *Orchestrator) {
		if workers > 0 {
			o.workers = workers
		}
	}
}

// WithNotifier makes the orchestrator emit one event per successfully processed entity
func WithNotifier(notifier events.Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = notifier
	}
}

func New(engine *updates.Engine, authorizer authz.Authorizer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:  engine,
		authz:   authorizer,
		workers: defaultNumberOfWorker,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

func (o *Orchestrator) CreateBatch(ctx context.Context, user string, batch []*entities.Entity) (result *ngsild.BatchResult, err error) {
	ctx, span := tracer.Start(ctx, "create-batch")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result = ngsild.NewBatchResult()

	existing, fresh, err := o.partition(ctx, batch, result)
	if err != nil {
		return nil, err
	}

	for _, e := range existing {
		result.AddError(e.ID(), entityAlreadyExists)
	}

	if len(fresh) > 0 && !o.authz.CanCreate(ctx, user) {
		for _, e := range fresh {
			result.AddError(e.ID(), forbiddenToCreate)
		}
		fresh = nil
	}

	validity := updates.NewValidityMap(fresh)
	index := byID(fresh)

	err = o.run(ctx, "create", ids(fresh), result, func(ctx context.Context, entityID string) error {
		return o.create(ctx, index[entityID], validity)
	})

	return o.done("create", result, err)
}

func (o *Orchestrator) UpsertBatch(ctx context.Context, user string, batch []*entities.Entity, mode UpsertMode) (result *ngsild.BatchResult, err error) {
	ctx, span := tracer.Start(ctx, "upsert-batch")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result = ngsild.NewBatchResult()

	existing, fresh, err := o.partition(ctx, batch, result)
	if err != nil {
		return nil, err
	}

	if len(fresh) > 0 && !o.authz.CanCreate(ctx, user) {
		for _, e := range fresh {
			result.AddError(e.ID(), forbiddenToCreate)
		}
		fresh = nil
	}

	allowed := map[string]bool{}
	for _, id := range o.authz.CanModify(ctx, user, ids(existing)) {
		allowed[id] = true
	}

	modifiable := []*entities.Entity{}
	for _, e := range existing {
		if allowed[e.ID()] {
			modifiable = append(modifiable, e)
		} else {
			result.AddError(e.ID(), forbiddenToModify)
		}
	}

	members := append(append([]*entities.Entity{}, fresh...), modifiable...)
	validity := updates.NewValidityMap(members)

	isNew := map[string]bool{}
	for _, e := range fresh {
		isNew[e.ID()] = true
	}

	index := byID(members)

	err = o.run(ctx, "upsert", ids(members), result, func(ctx context.Context, entityID string) error {
		entity := index[entityID]

		if isNew[entityID] {
			return o.create(ctx, entity, validity)
		}

		if mode == Update {
			return o.update(ctx, entity, validity)
		}

		return o.replace(ctx, entity, validity)
	})

	return o.done("upsert", result, err)
}

func (o *Orchestrator) DeleteBatch(ctx context.Context, user string, entityIDs []string) (result *ngsild.BatchResult, err error) {
	ctx, span := tracer.Start(ctx, "delete-batch")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result = ngsild.NewBatchResult()

	existing := []string{}
	seen := map[string]bool{}

	for _, id := range entityIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		exists, err := o.engine.EntityExists(ctx, id)
		if err != nil {
			return nil, err
		}

		if exists {
			existing = append(existing, id)
		} else {
			result.AddError(id, entityDoesNotExist)
		}
	}

	allowed := map[string]bool{}
	for _, id := range o.authz.CanAdmin(ctx, user, existing) {
		allowed[id] = true
	}

	deletable := []string{}
	for _, id := range existing {
		if allowed[id] {
			deletable = append(deletable, id)
		} else {
			result.AddError(id, forbiddenToDelete)
		}
	}

	err = o.run(ctx, "delete", deletable, result, o.delete)

	return o.done("delete", result, err)
}

func (o *Orchestrator) create(ctx context.Context, entity *entities.Entity, validity *updates.ValidityMap) error {
	if _, err := o.engine.CreateEntity(ctx, entity, validity); err != nil {
		return err
	}

	if o.notifier != nil {
		o.notifier.EntityCreated(ctx, entity)
	}

	return nil
}

func (o *Orchestrator) replace(ctx context.Context, entity *entities.Entity, validity *updates.ValidityMap) error {
	_, previous, err := o.engine.ReplaceEntity(ctx, entity, validity)
	if err != nil {
		return err
	}

	return o.notify(ctx, entity.ID(), func(updated *entities.Entity) {
		o.notifier.EntityReplaced(ctx, previous, updated)
	})
}

func (o *Orchestrator) update(ctx context.Context, entity *entities.Entity, validity *updates.ValidityMap) error {
	previous, err := o.engine.RetrieveEntity(ctx, entity.ID())
	if err != nil {
		return err
	}

	result, err := o.engine.Append(ctx, entity.ID(), entity.Attributes(), false, validity)
	if err != nil {
		return err
	}

	if !result.HasUpdates() {
		return nil
	}

	return o.notify(ctx, entity.ID(), func(updated *entities.Entity) {
		o.notifier.EntityUpdated(ctx, previous, updated)
	})
}

func (o *Orchestrator) delete(ctx context.Context, entityID string) error {
	previous, err := o.engine.RetrieveEntity(ctx, entityID)
	if err != nil {
		return err
	}

	if err = o.engine.DeleteEntity(ctx, entityID); err != nil {
		return err
	}

	if o.notifier != nil {
		o.notifier.EntityDeleted(ctx, previous)
	}

	return nil
}

// notify reads the entity back from storage and hands it to fn, unless there is no notifier
func (o *Orchestrator) notify(ctx context.Context, entityID string, fn func(*entities.Entity)) error {
	if o.notifier == nil {
		return nil
	}

	updated, err := o.engine.RetrieveEntity(ctx, entityID)
	if err != nil {
		logging.GetFromContext(ctx).Error("failed to retrieve updated entity", "entityID", entityID, "err", err.Error())
		return nil
	}

	fn(updated)
	return nil
}

// partition checks the existence of every entity in the batch once. Repeated ids
// are reported as already existing.
func (o *Orchestrator) partition(ctx context.Context, batch []*entities.Entity, result *ngsild.BatchResult) (existing, fresh []*entities.Entity, err error) {
	seen := map[string]bool{}

	for _, e := range batch {
		if seen[e.ID()] {
			result.AddError(e.ID(), entityAlreadyExists)
			continue
		}
		seen[e.ID()] = true

		exists, err := o.engine.EntityExists(ctx, e.ID())
		if err != nil {
			return nil, nil, err
		}

		if exists {
			existing = append(existing, e)
		} else {
			fresh = append(fresh, e)
		}
	}

	return existing, fresh, nil
}

// run calls fn for every id on a bounded number of workers. Errors that concern a
// single entity are added to the result. Any other error stops the batch.
func (o *Orchestrator) run(ctx context.Context, operation string, entityIDs []string, result *ngsild.BatchResult, fn func(context.Context, string) error) error {
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)

	for _, id := range entityIDs {
		g.Go(func() error {
			err := fn(gctx, id)

			mu.Lock()
			defer mu.Unlock()

			if err == nil {
				result.AddSuccess(id)
				return nil
			}

			if isEntityError(err) {
				result.AddError(id, err.Error())
				return nil
			}

			return fmt.Errorf("batch %s failed for entity %s: %w", operation, id, err)
		})
	}

	return g.Wait()
}

func (o *Orchestrator) done(operation string, result *ngsild.BatchResult, err error) (*ngsild.BatchResult, error) {
	if err != nil {
		batchEntities.WithLabelValues(operation, "aborted").Inc()
		return nil, err
	}

	batchEntities.WithLabelValues(operation, "success").Add(float64(len(result.Success)))
	batchEntities.WithLabelValues(operation, "error").Add(float64(len(result.Errors)))

	result.Sort()

	return result, nil
}

func isEntityError(err error) bool {
	return ngsierrors.IsDataError(err) || errors.Is(err, updates.ErrOperationFailed)
}

func ids(batch []*entities.Entity) []string {
	result := make([]string, 0, len(batch))
	for _, e := range batch {
		result = append(result, e.ID())
	}
	return result
}

func byID(batch []*entities.Entity) map[string]*entities.Entity {
	result := make(map[string]*entities.Entity, len(batch))
	for _, e := range batch {
		result[e.ID()] = e
	}
	return result
}
