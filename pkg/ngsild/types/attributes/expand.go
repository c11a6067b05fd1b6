package attributes

import (
	"time"

	"github.com/diwise/context-graph/pkg/ngsild/jsonld"
)

// Expanded returns the expanded JSON-LD form of all instances of the attribute
func (a Attribute) Expanded() []any {
	result := make([]any, 0, len(a.instances))
	for _, i := range a.instances {
		result = append(result, i.Expanded())
	}
	return result
}

// Expanded returns the expanded JSON-LD form of the instance, nested attributes included
func (i Instance) Expanded() map[string]any {
	obj := map[string]any{
		jsonld.Type: []any{i.Kind().IRI()},
	}

	if i.DatasetID != "" {
		obj[jsonld.DatasetID] = []any{map[string]any{jsonld.ID: i.DatasetID}}
	}

	if i.ObservedAt != nil {
		obj[jsonld.ObservedAt] = []any{DateTime(*i.ObservedAt)}
	}

	switch p := i.Payload.(type) {
	case PropertyValue:
		obj[jsonld.HasValue] = ExpandValue(p.Value)
		if p.UnitCode != "" {
			obj[jsonld.UnitCode] = []any{map[string]any{jsonld.Value: p.UnitCode}}
		}
	case RelationshipObject:
		obj[jsonld.HasObject] = []any{map[string]any{jsonld.ID: p.ObjectID}}
	case GeoValue:
		obj[jsonld.HasValue] = []any{p.Geometry.Expanded()}
	}

	for _, nested := range i.Properties {
		obj[nested.Name()] = nested.Expanded()
	}

	for _, nested := range i.Relationships {
		obj[nested.Name()] = nested.Expanded()
	}

	return obj
}

// ExpandValue is the inverse of ValueFromExpanded
func ExpandValue(v any) []any {
	if list, ok := v.([]any); ok {
		result := make([]any, 0, len(list))
		for _, e := range list {
			result = append(result, expandOne(e))
		}
		return result
	}

	return []any{expandOne(v)}
}

// SimpleValue returns v with typed literals replaced by their lexical value
func SimpleValue(v any) any {
	switch t := v.(type) {
	case Literal:
		return t.Value
	case []any:
		result := make([]any, 0, len(t))
		for _, e := range t {
			result = append(result, SimpleValue(e))
		}
		return result
	}
	return v
}

// DateTime returns an expanded DateTime value object
func DateTime(t time.Time) map[string]any {
	return map[string]any{
		jsonld.Type:  jsonld.DateTimeType,
		jsonld.Value: t.UTC().Format(time.RFC3339Nano),
	}
}

func expandOne(v any) any {
	switch t := v.(type) {
	case Literal:
		return map[string]any{jsonld.Type: t.Type, jsonld.Value: t.Value}
	case time.Time:
		return DateTime(t)
	case map[string]any:
		return t
	}
	return map[string]any{jsonld.Value: v}
}
