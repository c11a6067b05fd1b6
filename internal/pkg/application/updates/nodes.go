package updates

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/diwise/context-graph/internal/pkg/application/temporal"
	"github.com/diwise/context-graph/internal/pkg/infrastructure/storage/graph"
	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/diwise/context-graph/pkg/ngsild/geojson"
	"github.com/diwise/context-graph/pkg/ngsild/jsonld"
	"github.com/diwise/context-graph/pkg/ngsild/types/attributes"
	"github.com/diwise/context-graph/pkg/ngsild/types/entities"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/google/uuid"
)

// RetrieveEntity reads an entity and all of its attributes back from the graph
func (e *Engine) RetrieveEntity(ctx context.Context, entityID string) (*entities.Entity, error) {
	return retrieveEntity(ctx, e.store, entityID)
}

func retrieveEntity(ctx context.Context, store graph.Store, entityID string) (*entities.Entity, error) {
	node, err := store.FindEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}

	if len(node.Types) == 0 {
		return nil, ngsierrors.NewInternalError(fmt.Sprintf("stored entity %s has no type", entityID), nil)
	}

	attrs, err := attributesOf(ctx, store, entityID)
	if err != nil {
		return nil, err
	}

	return entities.New(
		node.ID, node.Types[0],
		entities.Types(node.Types),
		entities.Contexts(node.Contexts),
		entities.Attributes(attrs...),
	)
}

// attributesOf groups the stored instances under subjectID into attributes
func attributesOf(ctx context.Context, store graph.Store, subjectID string) ([]attributes.Attribute, error) {
	nodes, err := store.AttributesOf(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	attrs := []attributes.Attribute{}

	for start := 0; start < len(nodes); {
		end := start
		for end < len(nodes) && nodes[end].Name == nodes[start].Name {
			end++
		}

		instances := make([]attributes.Instance, 0, end-start)
		for _, n := range nodes[start:end] {
			instance, err := instanceFromNode(ctx, store, n)
			if err != nil {
				return nil, err
			}
			instances = append(instances, instance)
		}

		attr, err := attributes.New(nodes[start].Name, nodes[start].Kind, instances)
		if err != nil {
			return nil, fmt.Errorf("stored attribute %s of %s is invalid: %w", nodes[start].Name, subjectID, err)
		}

		attrs = append(attrs, attr)
		start = end
	}

	return attrs, nil
}

func instanceFromNode(ctx context.Context, store graph.Store, node graph.AttributeNode) (attributes.Instance, error) {
	instance := attributes.Instance{
		DatasetID:  node.DatasetID,
		ObservedAt: node.ObservedAt,
	}

	switch node.Kind {
	case attributes.Relationship:
		instance.Payload = attributes.RelationshipObject{ObjectID: node.ObjectID}
	case attributes.GeoProperty:
		g := geojson.Geometry{}
		if node.Geometry != nil {
			g = *node.Geometry
		}
		instance.Payload = attributes.GeoValue{Geometry: g}
	default:
		instance.Payload = attributes.PropertyValue{Value: node.Value, UnitCode: node.UnitCode}
	}

	nested, err := attributesOf(ctx, store, node.ID)
	if err != nil {
		return instance, err
	}

	for _, n := range nested {
		if n.Kind() == attributes.Relationship {
			instance.Relationships = append(instance.Relationships, n)
		} else {
			instance.Properties = append(instance.Properties, n)
		}
	}

	return instance, nil
}

// record writes the snapshots collected by a committed operation to the instance
// history. Failures are logged and do not affect the operation.
func (e *Engine) record(ctx context.Context, op *operation) {
	if e.history == nil || len(op.snapshots) == 0 {
		return
	}

	logger := loggerFrom(ctx)

	contexts := []string{}
	if node, err := e.store.FindEntity(ctx, op.entityID); err == nil {
		contexts = node.Contexts
	}

	for _, s := range op.snapshots {
		instance := s.instance
		if instance.ObservedAt == nil && instance.Kind() != attributes.Property {
			continue
		}

		observedAt := op.now
		if instance.ObservedAt != nil {
			observedAt = instance.ObservedAt.UTC()
		}

		snapshot := temporal.InstanceSnapshot{
			InstanceID: fmt.Sprintf("urn:ngsi-ld:Instance:%s", uuid.NewString()),
			ObservedAt: observedAt,
		}

		switch p := instance.Payload.(type) {
		case attributes.PropertyValue:
			snapshot.Value = attributes.SimpleValue(p.Value)
		case attributes.RelationshipObject:
			snapshot.ObjectID = p.ObjectID
		case attributes.GeoValue:
			snapshot.Value = p.Geometry
		}

		snapshot.Payload = e.payload(ctx, s.name, instance, contexts)
		snapshot.Payload["instanceId"] = snapshot.InstanceID

		identity := temporal.AttributeIdentity{
			Name:      s.name,
			Kind:      instance.Kind(),
			DatasetID: instance.DatasetID,
		}

		err := e.history.InsertInstance(ctx, op.entityID, identity, snapshot)
		if err != nil {
			logger.Error("failed to record attribute instance", "entityID", op.entityID, "attribute", s.name, "err", err.Error())
		}
	}
}

// payload returns the instance compacted with the contexts of its entity, or in
// expanded form if no compactor is configured
func (e *Engine) payload(ctx context.Context, name string, instance attributes.Instance, contexts []string) map[string]any {
	expanded := instance.Expanded()

	if e.ld == nil {
		return expanded
	}

	compacted, err := e.ld.Compact(ctx, map[string]any{name: []any{expanded}}, contexts)
	if err != nil {
		loggerFrom(ctx).Warn("failed to compact attribute instance", "attribute", name, "err", err.Error())
		return expanded
	}

	for key, value := range compacted {
		if key == jsonld.Context {
			continue
		}
		if m, ok := value.(map[string]any); ok {
			return m
		}
	}

	return expanded
}

func loggerFrom(ctx context.Context) *slog.Logger {
	return logging.GetFromContext(ctx)
}
