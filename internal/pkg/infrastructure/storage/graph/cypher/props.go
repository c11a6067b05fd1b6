package cypher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/diwise/context-graph/internal/pkg/infrastructure/storage/graph"
	"github.com/diwise/context-graph/pkg/ngsild/geojson"
	"github.com/diwise/context-graph/pkg/ngsild/jsonld"
	"github.com/diwise/context-graph/pkg/ngsild/types/attributes"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// RelationshipType returns the quoted neo4j relationship type used for the edge of
// a relationship attribute
func RelationshipType(typeName string) string {
	return "`" + strings.ReplaceAll(jsonld.ShortName(typeName), "`", "``") + "`"
}

func entityParams(node graph.EntityNode) map[string]any {
	createdAt := node.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	return map[string]any{
		"id":        node.ID,
		"types":     emptyIfNil(node.Types),
		"contexts":  emptyIfNil(node.Contexts),
		"createdAt": formatTime(createdAt),
	}
}

func entityFromProps(props map[string]any) *graph.EntityNode {
	e := &graph.EntityNode{
		ID:       str(props["id"]),
		Types:    strs(props["types"]),
		Contexts: strs(props["contexts"]),
	}

	e.CreatedAt, _ = parseTime(props["createdAt"])
	if t, ok := parseTime(props["modifiedAt"]); ok {
		e.ModifiedAt = &t
	}

	return e
}

func attributeProps(node graph.AttributeNode) (map[string]any, error) {
	props := map[string]any{
		"subjectId": node.SubjectID,
		"name":      node.Name,
		"kind":      node.Kind.String(),
		"datasetId": node.DatasetID,
		"unitCode":  node.UnitCode,
	}

	createdAt := node.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	props["createdAt"] = formatTime(createdAt)

	if node.ModifiedAt != nil {
		props["modifiedAt"] = formatTime(*node.ModifiedAt)
	}

	if node.ObservedAt != nil {
		props["observedAt"] = formatTime(*node.ObservedAt)
	}

	if node.Value != nil {
		b, err := json.Marshal(attributes.ExpandValue(node.Value))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal value of %s: %w", node.Name, err)
		}
		props["value"] = string(b)
	}

	if node.Geometry != nil {
		b, err := json.Marshal(node.Geometry)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal geometry of %s: %w", node.Name, err)
		}
		props["geometry"] = string(b)
		props["wkt"] = node.Geometry.WKT()
	}

	return props, nil
}

func attributeFromProps(props map[string]any) (*graph.AttributeNode, error) {
	kind, _ := attributes.KindFromString(str(props["kind"]))

	a := &graph.AttributeNode{
		ID:        str(props["id"]),
		SubjectID: str(props["subjectId"]),
		Name:      str(props["name"]),
		Kind:      kind,
		DatasetID: str(props["datasetId"]),
		UnitCode:  str(props["unitCode"]),
		ObjectID:  str(props["objectId"]),
	}

	a.CreatedAt, _ = parseTime(props["createdAt"])
	if t, ok := parseTime(props["modifiedAt"]); ok {
		a.ModifiedAt = &t
	}
	if t, ok := parseTime(props["observedAt"]); ok {
		a.ObservedAt = &t
	}

	if v := str(props["value"]); v != "" {
		var expanded any
		if err := json.Unmarshal([]byte(v), &expanded); err != nil {
			return nil, fmt.Errorf("stored value of %s is corrupt: %w", a.Name, err)
		}

		value, err := attributes.ValueFromExpanded(expanded)
		if err != nil {
			return nil, err
		}
		a.Value = value
	}

	if g := str(props["geometry"]); g != "" {
		geometry := geojson.Geometry{}
		if err := json.Unmarshal([]byte(g), &geometry); err != nil {
			return nil, fmt.Errorf("stored geometry of %s is corrupt: %w", a.Name, err)
		}
		a.Geometry = &geometry
	}

	return a, nil
}

func boolFrom(records []*neo4j.Record, key string) bool {
	if len(records) == 0 {
		return false
	}
	v, _ := records[0].Get(key)
	b, _ := v.(bool)
	return b
}

func intFrom(records []*neo4j.Record, key string) int64 {
	if len(records) == 0 {
		return 0
	}
	v, _ := records[0].Get(key)
	i, _ := v.(int64)
	return i
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	return t, err == nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strs(v any) []string {
	list, _ := v.([]any)
	result := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
