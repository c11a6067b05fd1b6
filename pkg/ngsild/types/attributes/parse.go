package attributes

import (
	"fmt"
	"sort"
	"time"

	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/diwise/context-graph/pkg/ngsild/geojson"
	"github.com/diwise/context-graph/pkg/ngsild/jsonld"
)

// ParseFragment parses every non core member of an expanded tree as an attribute.
// Attributes are returned sorted by name.
func ParseFragment(tree map[string]any) ([]Attribute, error) {
	names := make([]string, 0, len(tree))
	for name := range tree {
		if !jsonld.CoreMembers[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	result := make([]Attribute, 0, len(names))

	for _, name := range names {
		attr, err := Parse(name, tree[name])
		if err != nil {
			return nil, err
		}
		result = append(result, attr)
	}

	return result, nil
}

// Parse builds an attribute from the expanded value of the member called name
func Parse(name string, expanded any) (Attribute, error) {
	values := asList(expanded)
	if len(values) == 0 {
		return Attribute{}, ngsierrors.NewBadRequestDataError(fmt.Sprintf("Attribute %s has no instances", name))
	}

	kind := Property
	instances := make([]Instance, 0, len(values))

	for idx, v := range values {
		obj, ok := v.(map[string]any)
		if !ok {
			return Attribute{}, ngsierrors.NewBadRequestDataError(fmt.Sprintf("Attribute %s has an invalid instance", name))
		}

		k, ok := KindFromIRI(firstType(obj))
		if !ok {
			return Attribute{}, ngsierrors.NewBadRequestDataError("Entity has unknown attributes types")
		}

		if idx == 0 {
			kind = k
		} else if k != kind {
			return Attribute{}, ngsierrors.NewBadRequestDataError(
				fmt.Sprintf("Attribute %s instances must have the same type", name),
			)
		}

		instance, err := parseInstance(name, k, obj)
		if err != nil {
			return Attribute{}, err
		}

		instances = append(instances, instance)
	}

	return New(name, kind, instances)
}

// KindOf returns the kind declared by the first instance of an expanded attribute
func KindOf(expanded any) (Kind, bool) {
	values := asList(expanded)
	if len(values) == 0 {
		return Property, false
	}

	obj, ok := values[0].(map[string]any)
	if !ok {
		return Property, false
	}

	return KindFromIRI(firstType(obj))
}

func parseInstance(name string, kind Kind, obj map[string]any) (Instance, error) {
	var err error

	instance := Instance{
		DatasetID: firstID(obj[jsonld.DatasetID]),
	}

	instance.ObservedAt, err = parseObservedAt(name, obj[jsonld.ObservedAt])
	if err != nil {
		return Instance{}, err
	}

	switch kind {
	case Property:
		hasValue, ok := obj[jsonld.HasValue]
		if !ok {
			return Instance{}, ngsierrors.NewBadRequestDataError(
				fmt.Sprintf("Property %s has an instance without a value", name),
			)
		}

		value, err := ValueFromExpanded(hasValue)
		if err != nil {
			return Instance{}, err
		}

		unitCode, _ := firstValue(obj[jsonld.UnitCode]).(string)
		instance.Payload = PropertyValue{Value: value, UnitCode: unitCode}
	case Relationship:
		objectID, err := extractObjectID(name, obj)
		if err != nil {
			return Instance{}, err
		}
		instance.Payload = RelationshipObject{ObjectID: objectID}
	case GeoProperty:
		g, err := geojson.FromExpanded(obj[jsonld.HasValue])
		if err != nil {
			return Instance{}, err
		}
		instance.Payload = GeoValue{Geometry: g}
	}

	instance.Properties, instance.Relationships, err = parseNested(name, obj)
	if err != nil {
		return Instance{}, err
	}

	return instance, nil
}

func parseNested(parent string, obj map[string]any) ([]Attribute, []Attribute, error) {
	properties := []Attribute{}
	relationships := []Attribute{}

	names := make([]string, 0, len(obj))
	for key := range obj {
		if !jsonld.AttributeCoreMembers[key] {
			names = append(names, key)
		}
	}
	sort.Strings(names)

	for _, key := range names {
		attr, err := Parse(key, obj[key])
		if err != nil {
			return nil, nil, err
		}

		switch attr.Kind() {
		case Property:
			properties = append(properties, attr)
		case Relationship:
			relationships = append(relationships, attr)
		default:
			return nil, nil, ngsierrors.NewBadRequestDataError(
				fmt.Sprintf("Attribute %s has an unsupported nested attribute %s", parent, key),
			)
		}
	}

	return properties, relationships, nil
}

func extractObjectID(name string, obj map[string]any) (string, error) {
	hasObject, ok := obj[jsonld.HasObject]
	if !ok {
		return "", ngsierrors.NewBadRequestDataError(fmt.Sprintf("Relationship %s does not have an object field", name))
	}

	objects := asList(hasObject)
	if len(objects) == 0 {
		return "", ngsierrors.NewBadRequestDataError(fmt.Sprintf("Relationship %s is empty", name))
	}

	target, ok := objects[0].(map[string]any)
	if !ok {
		return "", ngsierrors.NewBadRequestDataError(fmt.Sprintf("Relationship %s has an invalid object type", name))
	}

	id, ok := target[jsonld.ID]
	if !ok {
		return "", ngsierrors.NewBadRequestDataError(fmt.Sprintf("Relationship %s has an invalid or no object id", name))
	}

	objectID, ok := id.(string)
	if !ok {
		return "", ngsierrors.NewBadRequestDataError(fmt.Sprintf("Relationship %s has an invalid object id type", name))
	}

	if !IsValidURI(objectID) {
		return "", ngsierrors.NewBadRequestDataError(
			fmt.Sprintf("Relationship %s has an invalid object id: %q", name, objectID),
		)
	}

	return objectID, nil
}

func parseObservedAt(name string, v any) (*time.Time, error) {
	if v == nil {
		return nil, nil
	}

	s, ok := firstValue(v).(string)
	if !ok {
		return nil, ngsierrors.NewBadRequestDataError(fmt.Sprintf("Attribute %s has an invalid observedAt", name))
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, ngsierrors.NewBadRequestDataError(
			fmt.Sprintf("Attribute %s has an observedAt that is not a valid date time: %s", name, s),
		)
	}

	t = t.UTC()
	return &t, nil
}

// ValueFromExpanded simplifies the expanded hasValue of a property. Untyped literals
// become plain values, typed literals become a Literal and node objects are kept as is.
// More than one value gives a []any.
func ValueFromExpanded(hasValue any) (any, error) {
	values := asList(hasValue)
	if len(values) == 0 {
		return nil, ngsierrors.NewBadRequestDataError("Property has an empty value")
	}

	if len(values) == 1 {
		return simplify(values[0])
	}

	result := make([]any, 0, len(values))
	for _, v := range values {
		s, err := simplify(v)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}

	return result, nil
}

func simplify(v any) (any, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return v, nil
	}

	value, hasValue := obj[jsonld.Value]
	if !hasValue {
		return obj, nil
	}

	typ, ok := obj[jsonld.Type].(string)
	if !ok {
		return value, nil
	}

	s, ok := value.(string)
	if !ok {
		return nil, ngsierrors.NewBadRequestDataError(fmt.Sprintf("typed value of type %s must be a string", typ))
	}

	if typ == jsonld.DateTimeType {
		if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
			return nil, ngsierrors.NewBadRequestDataError(fmt.Sprintf("%s is not a valid date time", s))
		}
	}

	return Literal{Type: typ, Value: s}, nil
}

func asList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case map[string]any:
		return []any{t}
	}
	return nil
}

func firstType(obj map[string]any) string {
	switch t := obj[jsonld.Type].(type) {
	case string:
		return t
	case []any:
		if len(t) > 0 {
			s, _ := t[0].(string)
			return s
		}
	}
	return ""
}

func firstID(v any) string {
	list := asList(v)
	if len(list) == 0 {
		return ""
	}

	obj, ok := list[0].(map[string]any)
	if !ok {
		return ""
	}

	id, _ := obj[jsonld.ID].(string)
	return id
}

func firstValue(v any) any {
	list := asList(v)
	if len(list) == 0 {
		return nil
	}

	obj, ok := list[0].(map[string]any)
	if !ok {
		return list[0]
	}

	return obj[jsonld.Value]
}
