package temporal

import (
	"context"
	"time"

	"github.com/diwise/context-graph/pkg/ngsild/types/attributes"
)

// TemporalEntity is the raw history of one entity, as read from a Store
type TemporalEntity struct {
	EntityID   string
	EntityType string
	Attributes []AttributeInstances
}

type Engine struct {
	compactor TermCompactor
}

func NewEngine(compactor TermCompactor) *Engine {
	return &Engine{compactor: compactor}
}

func (e *Engine) BuildTemporalEntities(ctx context.Context, entities []TemporalEntity, query Query, contexts []string) []map[string]any {
	result := make([]map[string]any, 0, len(entities))
	for _, te := range entities {
		result = append(result, e.BuildTemporalEntity(ctx, te.EntityID, te.EntityType, te.Attributes, query, contexts))
	}
	return result
}

// BuildTemporalEntity groups the instance history of an entity by attribute name and
// renders it in either the full or the simplified temporal representation
func (e *Engine) BuildTemporalEntity(ctx context.Context, entityID, entityType string, instances []AttributeInstances, query Query, contexts []string) map[string]any {
	_, span := tracer.Start(ctx, "build-temporal-entity")
	defer span.End()

	entity := map[string]any{
		"id":   entityID,
		"type": e.compactor.CompactTerm(ctx, entityType, contexts),
	}

	names, groups := groupByName(instances)

	for _, name := range names {
		key := e.compactor.CompactTerm(ctx, name, contexts)

		if query.TemporalValues {
			entity[key] = simplified(groups[name])
		} else {
			entity[key] = full(groups[name])
		}
	}

	return entity
}

// groupByName drops identities without any snapshots and groups the rest by name,
// keeping the order in which the names first appear
func groupByName(instances []AttributeInstances) ([]string, map[string][]AttributeInstances) {
	names := []string{}
	groups := map[string][]AttributeInstances{}

	for _, ai := range instances {
		if len(ai.Instances) == 0 {
			continue
		}

		name := ai.Identity.Name
		if _, ok := groups[name]; !ok {
			names = append(names, name)
		}
		groups[name] = append(groups[name], ai)
	}

	return names, groups
}

func simplified(groups []AttributeInstances) any {
	objects := make([]any, 0, len(groups))

	for _, g := range groups {
		obj := map[string]any{
			"type": g.Identity.Kind.String(),
		}

		if g.Identity.DatasetID != "" {
			obj["datasetId"] = g.Identity.DatasetID
		}

		pairs := make([]any, 0, len(g.Instances))
		for _, s := range g.Instances {
			observedAt := s.ObservedAt.UTC().Format(time.RFC3339Nano)

			if g.Identity.Kind == attributes.Relationship {
				pairs = append(pairs, []any{s.ObjectID, observedAt})
			} else {
				pairs = append(pairs, []any{attributes.SimpleValue(s.Value), observedAt})
			}
		}

		if g.Identity.Kind == attributes.Relationship {
			obj["objects"] = pairs
		} else {
			obj["values"] = pairs
		}

		objects = append(objects, obj)
	}

	if len(objects) == 1 {
		return objects[0]
	}

	return objects
}

func full(groups []AttributeInstances) any {
	payloads := []any{}

	for _, g := range groups {
		for _, s := range g.Instances {
			payloads = append(payloads, s.Payload)
		}
	}

	return payloads
}
