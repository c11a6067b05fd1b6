package updates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/context-graph/internal/pkg/application/locks"
	"github.com/diwise/context-graph/internal/pkg/application/temporal"
	"github.com/diwise/context-graph/internal/pkg/infrastructure/storage/graph"
	"github.com/diwise/context-graph/pkg/ngsild/jsonld"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("context-graph/updates")

// ErrOperationFailed is the cause of the internal errors returned when an update
// contained a failed attribute outcome and was rolled back
var ErrOperationFailed = errors.New("operation failed")

// Engine applies create, append, replace and partial updates to the entities in
// a graph store. All mutations of an entity are serialized on its id.
type Engine struct {
	store   graph.Store
	history temporal.Store
	ld      jsonld.Processor
	locks   *locks.KeyedMutex
	now     func() time.Time
}

type Option func(*Engine)

// WithHistory makes the engine record a snapshot of every created or updated
// attribute instance
func WithHistory(history temporal.Store) Option {
	return func(e *Engine) {
		e.history = history
	}
}

// WithCompactor is used to compact the payloads of recorded snapshots
func WithCompactor(processor jsonld.Processor) Option {
	return func(e *Engine) {
		e.ld = processor
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(store graph.Store, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		locks: locks.New(),
		now:   time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Engine) EntityExists(ctx context.Context, entityID string) (bool, error) {
	return e.store.EntityExists(ctx, entityID)
}

func (e *Engine) DeleteEntity(ctx context.Context, entityID string) error {
	unlock := e.locks.Lock(entityID)
	defer unlock()

	return e.store.DeleteEntity(ctx, entityID)
}

func newAttributeID() string {
	return fmt.Sprintf("urn:ngsi-ld:Attribute:%s", uuid.NewString())
}
