package graph

import (
	"context"
	"time"

	"github.com/diwise/context-graph/pkg/ngsild/geojson"
	"github.com/diwise/context-graph/pkg/ngsild/types/attributes"
)

// EntityNode is the stored representation of an entity, without its attributes
type EntityNode struct {
	ID         string
	Types      []string
	Contexts   []string
	CreatedAt  time.Time
	ModifiedAt *time.Time
}

// AttributeNode is one stored attribute instance. SubjectID is the id of the entity
// or of the attribute node that the instance belongs to.
type AttributeNode struct {
	ID        string
	SubjectID string
	Name      string
	Kind      attributes.Kind
	DatasetID string

	ObservedAt *time.Time
	Value      any
	UnitCode   string
	ObjectID   string
	Geometry   *geojson.Geometry

	CreatedAt  time.Time
	ModifiedAt *time.Time
}

// Store is the property graph that entities and their attributes are kept in
type Store interface {
	EntityExists(ctx context.Context, entityID string) (bool, error)
	FindEntity(ctx context.Context, entityID string) (*EntityNode, error)
	// SaveEntity creates the entity node, or merges types and contexts into an existing one
	SaveEntity(ctx context.Context, node EntityNode) error
	// DeleteEntity removes the entity node, every attribute node it owns and the
	// relationship instances of other entities that point at it
	DeleteEntity(ctx context.Context, entityID string) error

	HasAttributeInstance(ctx context.Context, subjectID, name, datasetID string) (bool, error)
	FindAttributeInstance(ctx context.Context, subjectID, name, datasetID string) (*AttributeNode, error)
	AttributesOf(ctx context.Context, subjectID string) ([]AttributeNode, error)
	SaveAttribute(ctx context.Context, node AttributeNode) error
	// CreateEdge points the relationship node subjectID at objectID, replacing any previous target
	CreateEdge(ctx context.Context, subjectID, typeName, objectID string) error
	// DeleteAttribute removes every instance of name, and their nested attributes, from subjectID
	DeleteAttribute(ctx context.Context, subjectID, name string) error
	DeleteAttributeInstance(ctx context.Context, subjectID, name, datasetID string) error

	UpdateModifiedAt(ctx context.Context, id string, at time.Time) error

	// WithinTransaction runs fn against a store whose writes are undone if fn returns an error
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
