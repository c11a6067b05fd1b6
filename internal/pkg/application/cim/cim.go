package cim

import (
	"context"
	"encoding/json"

	"github.com/diwise/context-graph/internal/pkg/application/temporal"
	"github.com/diwise/context-graph/pkg/ngsild"
	"github.com/diwise/context-graph/pkg/ngsild/types/entities"
)

// Documents are compact JSON-LD. contexts are used for documents that do not carry
// their own @context.

type EntityParser interface {
	ParseEntity(ctx context.Context, doc map[string]any, contexts []string) (*entities.Entity, error)
}

type EntityCreator interface {
	CreateEntity(ctx context.Context, user string, entity *entities.Entity) (*ngsild.CreateEntityResult, error)
}

type AttributeUpdater interface {
	PartialUpdate(ctx context.Context, user, entityID string, fragment map[string]any, contexts []string) (ngsild.UpdateResult, error)
	UpdateAttribute(ctx context.Context, user, entityID, attrName string, fragment map[string]any, contexts []string) (ngsild.UpdateResult, error)
	AppendAttributes(ctx context.Context, user, entityID string, fragment map[string]any, contexts []string, disallowOverwrite bool) (ngsild.UpdateResult, error)
	ReplaceAttributes(ctx context.Context, user, entityID string, fragment map[string]any, contexts []string) (ngsild.UpdateResult, error)
}

type BatchOperator interface {
	CreateBatch(ctx context.Context, user string, docs []map[string]any, contexts []string) (*ngsild.BatchResult, error)
	UpsertBatch(ctx context.Context, user string, docs []map[string]any, contexts []string, update bool) (*ngsild.BatchResult, error)
	DeleteBatch(ctx context.Context, user string, entityIDs []string) (*ngsild.BatchResult, error)
}

type TemporalRetriever interface {
	RetrieveTemporalEntity(ctx context.Context, entityID string, query temporal.Query, contexts []string) (map[string]any, error)
}

type ObservationHandler interface {
	HandleObservation(ctx context.Context, observation Observation) error
}

type ContextInformationManager interface {
	EntityParser
	EntityCreator
	AttributeUpdater
	BatchOperator
	TemporalRetriever
	ObservationHandler

	// CompactTerm shortens an expanded name using contexts
	CompactTerm(ctx context.Context, uri string, contexts []string) string
}

// Observation is an entity event received from an ingestion pipeline
type Observation struct {
	OperationType    string          `json:"operationType"`
	EntityID         string          `json:"entityId"`
	AttributeName    string          `json:"attributeName,omitempty"`
	DatasetID        string          `json:"datasetId,omitempty"`
	OperationPayload json.RawMessage `json:"operationPayload"`
	Overwrite        bool            `json:"overwrite,omitempty"`
	Contexts         []string        `json:"contexts"`
}
