package events

import (
	"context"
	"encoding/json"

	"github.com/diwise/context-graph/pkg/ngsild"
	"github.com/diwise/context-graph/pkg/ngsild/jsonld"
	"github.com/diwise/context-graph/pkg/ngsild/types/attributes"
	"github.com/diwise/context-graph/pkg/ngsild/types/entities"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("context-graph/events")

var eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "events_published_total",
	Help: "The number of entity events published, by kind of topic",
}, []string{"topic_kind"})

// Notifier is told about every change that is made to the stored entities
type Notifier interface {
	EntityCreated(ctx context.Context, entity *entities.Entity)
	EntityReplaced(ctx context.Context, previous, entity *entities.Entity)
	EntityUpdated(ctx context.Context, previous, entity *entities.Entity)
	EntityDeleted(ctx context.Context, previous *entities.Entity)

	AttributesAppended(ctx context.Context, entity *entities.Entity, result ngsild.UpdateResult)
	AttributesUpdated(ctx context.Context, entity *entities.Entity, result ngsild.UpdateResult)
}

type service struct {
	publisher Publisher
	ld        jsonld.Processor
}

// NewService returns a Notifier that turns changes into compacted events and
// publishes them on the topic of the entity type as well as on the catch all topic
func NewService(publisher Publisher, processor jsonld.Processor) Notifier {
	return &service{
		publisher: publisher,
		ld:        processor,
	}
}

func (s *service) EntityCreated(ctx context.Context, entity *entities.Entity) {
	event := s.entityEvent(ctx, EntityCreate, entity)
	event.OperationPayload = s.compact(ctx, entity.Expanded(), entity.Contexts())
	s.publish(ctx, event, entity)
}

func (s *service) EntityReplaced(ctx context.Context, previous, entity *entities.Entity) {
	event := s.entityEvent(ctx, EntityReplace, entity)
	event.PreviousEntity = s.compactEntity(ctx, previous, entity.Contexts())
	event.UpdatedEntity = s.compact(ctx, entity.Expanded(), entity.Contexts())
	s.publish(ctx, event, entity)
}

func (s *service) EntityUpdated(ctx context.Context, previous, entity *entities.Entity) {
	event := s.entityEvent(ctx, EntityUpdate, entity)
	event.PreviousEntity = s.compactEntity(ctx, previous, entity.Contexts())
	event.UpdatedEntity = s.compact(ctx, entity.Expanded(), entity.Contexts())
	s.publish(ctx, event, entity)
}

func (s *service) EntityDeleted(ctx context.Context, previous *entities.Entity) {
	event := s.entityEvent(ctx, EntityDelete, previous)
	event.PreviousEntity = s.compact(ctx, previous.Expanded(), previous.Contexts())
	s.publish(ctx, event, previous)
}

// AttributesAppended publishes one event per appended or replaced attribute instance
func (s *service) AttributesAppended(ctx context.Context, entity *entities.Entity, result ngsild.UpdateResult) {
	for _, o := range result.Updated {
		operation := AttributeAppend
		if o.Result == ngsild.Replaced {
			operation = AttributeReplace
		}
		s.attributeEvent(ctx, operation, entity, o)
	}
}

// AttributesUpdated publishes one event per updated attribute instance
func (s *service) AttributesUpdated(ctx context.Context, entity *entities.Entity, result ngsild.UpdateResult) {
	for _, o := range result.Updated {
		s.attributeEvent(ctx, AttributeUpdate, entity, o)
	}
}

func (s *service) attributeEvent(ctx context.Context, operation EventType, entity *entities.Entity, o ngsild.AttributeOutcome) {
	contexts := entity.Contexts()

	event := s.entityEvent(ctx, operation, entity)
	event.AttributeName = s.ld.CompactTerm(ctx, o.AttributeName, contexts)
	event.DatasetID = o.DatasetID
	event.UpdatedEntity = s.compact(ctx, entity.Expanded(), contexts)

	if attr, ok := entity.Attribute(o.AttributeName); ok {
		if instance, ok := attr.Instance(o.DatasetID); ok {
			event.OperationPayload = s.compactInstance(ctx, o.AttributeName, instance, contexts)
		}
	}

	s.publish(ctx, event, entity)
}

func (s *service) entityEvent(ctx context.Context, operation EventType, entity *entities.Entity) Event {
	return newEvent(operation, entity.ID(), s.ld.CompactTerm(ctx, entity.Type(), entity.Contexts()), entity.Contexts())
}

func (s *service) publish(ctx context.Context, event Event, entity *entities.Entity) {
	ctx, span := tracer.Start(ctx, "publish-event")
	defer span.End()

	logger := logging.GetFromContext(ctx)

	topic := EntityTopic(event.EntityType)
	if err := ValidateTopic(topic); err != nil {
		logger.Error("invalid topic name generated for entity type", "entityType", entity.Type(), "contexts", entity.Contexts(), "err", err.Error())
		eventsPublished.WithLabelValues("rejected").Inc()
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		logger.Error("failed to marshal event", "entityID", event.EntityID, "err", err.Error())
		return
	}

	if err = s.publisher.Publish(ctx, topic, event.EntityID, payload); err != nil {
		logger.Error("failed to publish event", "topic", topic, "err", err.Error())
	} else {
		eventsPublished.WithLabelValues("entity").Inc()
	}

	if err = s.publisher.Publish(ctx, CatchAllTopic, event.EntityID, payload); err != nil {
		logger.Error("failed to publish event", "topic", CatchAllTopic, "err", err.Error())
	} else {
		eventsPublished.WithLabelValues("catchall").Inc()
	}
}

func (s *service) compactEntity(ctx context.Context, entity *entities.Entity, contexts []string) any {
	if entity == nil {
		return nil
	}
	return s.compact(ctx, entity.Expanded(), contexts)
}

func (s *service) compactInstance(ctx context.Context, name string, instance attributes.Instance, contexts []string) any {
	compacted := s.compact(ctx, map[string]any{name: []any{instance.Expanded()}}, contexts)
	if m, ok := compacted.(map[string]any); ok {
		for key, value := range m {
			if key != jsonld.Context {
				return value
			}
		}
	}
	return compacted
}

func (s *service) compact(ctx context.Context, tree map[string]any, contexts []string) any {
	compacted, err := s.ld.Compact(ctx, tree, contexts)
	if err != nil {
		logging.GetFromContext(ctx).Warn("failed to compact event payload", "err", err.Error())
		return tree
	}

	delete(compacted, jsonld.Context)
	return compacted
}
