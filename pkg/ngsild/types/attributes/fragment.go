package attributes

import (
	"sort"
	"time"

	"github.com/diwise/context-graph/pkg/ngsild/jsonld"
)

// Instances returns the expanded instance objects of an attribute member
func Instances(expanded any) []map[string]any {
	result := []map[string]any{}
	for _, v := range asList(expanded) {
		if obj, ok := v.(map[string]any); ok {
			result = append(result, obj)
		}
	}
	return result
}

func DatasetIDOf(obj map[string]any) string {
	return firstID(obj[jsonld.DatasetID])
}

// ObservedAtOf returns the observedAt of an expanded instance, or nil if it has none
func ObservedAtOf(name string, obj map[string]any) (*time.Time, error) {
	return parseObservedAt(name, obj[jsonld.ObservedAt])
}

func UnitCodeOf(obj map[string]any) (string, bool) {
	s, ok := firstValue(obj[jsonld.UnitCode]).(string)
	return s, ok
}

func ObjectIDOf(name string, obj map[string]any) (string, error) {
	return extractObjectID(name, obj)
}

// NestedNames returns the names of the nested attributes of an expanded instance
func NestedNames(obj map[string]any) []string {
	names := []string{}
	for key := range obj {
		if !jsonld.AttributeCoreMembers[key] {
			names = append(names, key)
		}
	}
	sort.Strings(names)
	return names
}

// FirstID returns the @id of the first element of an expanded member
func FirstID(v any) string {
	return firstID(v)
}
