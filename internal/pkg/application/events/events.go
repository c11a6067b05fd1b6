package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EntityCreate     EventType = "ENTITY_CREATE"
	EntityReplace    EventType = "ENTITY_REPLACE"
	EntityUpdate     EventType = "ENTITY_UPDATE"
	EntityDelete     EventType = "ENTITY_DELETE"
	AttributeAppend  EventType = "ATTRIBUTE_APPEND"
	AttributeReplace EventType = "ATTRIBUTE_REPLACE"
	AttributeUpdate  EventType = "ATTRIBUTE_UPDATE"
)

// Event describes one change to an entity. Payloads are compacted with Contexts.
type Event struct {
	ID            string    `json:"id"`
	OperationType EventType `json:"operationType"`
	EntityID      string    `json:"entityId"`
	EntityType    string    `json:"entityType"`
	PublishedAt   string    `json:"publishedAt"`

	AttributeName    string `json:"attributeName,omitempty"`
	DatasetID        string `json:"datasetId,omitempty"`
	OperationPayload any    `json:"operationPayload,omitempty"`

	PreviousEntity any `json:"previousEntity,omitempty"`
	UpdatedEntity  any `json:"updatedEntity,omitempty"`

	Contexts []string `json:"contexts"`
}

func newEvent(operation EventType, entityID, entityType string, contexts []string) Event {
	return Event{
		ID:            fmt.Sprintf("urn:ngsi-ld:Event:%s", uuid.NewString()),
		OperationType: operation,
		EntityID:      entityID,
		EntityType:    entityType,
		PublishedAt:   time.Now().UTC().Format(time.RFC3339Nano),
		Contexts:      contexts,
	}
}

// Publisher delivers a serialized event to a topic on the message bus
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}
