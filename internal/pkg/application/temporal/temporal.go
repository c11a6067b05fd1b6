package temporal

import (
	"context"
	"time"

	"github.com/diwise/context-graph/pkg/ngsild/types/attributes"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("context-graph/temporal")

// AttributeIdentity identifies the instance history of one attribute instance
type AttributeIdentity struct {
	Name      string
	Kind      attributes.Kind
	DatasetID string
}

// InstanceSnapshot is the state of an attribute instance at one point in time.
// Payload is the compacted instance as it was stored.
type InstanceSnapshot struct {
	InstanceID string
	ObservedAt time.Time
	Value      any
	ObjectID   string
	Payload    map[string]any
}

type AttributeInstances struct {
	Identity  AttributeIdentity
	Instances []InstanceSnapshot
}

const (
	TimeRelBefore  string = "before"
	TimeRelAfter   string = "after"
	TimeRelBetween string = "between"
)

type Query struct {
	TimeRel   string
	TimeAt    time.Time
	EndTimeAt time.Time
	LastN     int

	// TemporalValues selects the simplified representation
	TemporalValues bool
}

// Includes reports whether t is inside the time window of the query
func (q Query) Includes(t time.Time) bool {
	switch q.TimeRel {
	case TimeRelBefore:
		return t.Before(q.TimeAt)
	case TimeRelAfter:
		return !t.Before(q.TimeAt)
	case TimeRelBetween:
		return !t.Before(q.TimeAt) && t.Before(q.EndTimeAt)
	}
	return true
}

// Store keeps the instance history of attributes
type Store interface {
	InsertInstance(ctx context.Context, entityID string, identity AttributeIdentity, snapshot InstanceSnapshot) error
	QueryInstances(ctx context.Context, entityID string, query Query) ([]AttributeInstances, error)
}

type TermCompactor interface {
	CompactTerm(ctx context.Context, uri string, contexts []string) string
}
