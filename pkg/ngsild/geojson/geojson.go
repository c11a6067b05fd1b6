package geojson

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/diwise/context-graph/pkg/ngsild/jsonld"
)

const (
	PointType   string = "Point"
	PolygonType string = "Polygon"
)

// Geometry is a GeoJSON geometry of one of the supported types. Point geometries
// only use the first ring's first position.
type Geometry struct {
	Type  string
	Rings [][][]float64
}

func NewPoint(lon, lat float64) Geometry {
	return Geometry{Type: PointType, Rings: [][][]float64{{{lon, lat}}}}
}

func NewPolygon(rings ...[][]float64) Geometry {
	return Geometry{Type: PolygonType, Rings: rings}
}

func (g Geometry) Coordinates() any {
	if g.Type == PointType {
		return g.Rings[0][0]
	}
	return g.Rings
}

// WKT renders the geometry in well known text format, e.g. POINT (24.3 60.1)
func (g Geometry) WKT() string {
	if g.Type == PointType {
		p := g.Rings[0][0]
		return fmt.Sprintf("POINT (%s %s)", ftoa(p[0]), ftoa(p[1]))
	}

	rings := make([]string, 0, len(g.Rings))
	for _, ring := range g.Rings {
		positions := make([]string, 0, len(ring))
		for _, p := range ring {
			positions = append(positions, ftoa(p[0])+" "+ftoa(p[1]))
		}
		rings = append(rings, "("+strings.Join(positions, ", ")+")")
	}

	return "POLYGON (" + strings.Join(rings, ", ") + ")"
}

func (g Geometry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type        string `json:"type"`
		Coordinates any    `json:"coordinates"`
	}{
		Type:        g.Type,
		Coordinates: g.Coordinates(),
	})
}

func (g *Geometry) UnmarshalJSON(data []byte) error {
	raw := struct {
		Type        string          `json:"type"`
		Coordinates json.RawMessage `json:"coordinates"`
	}{}

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch raw.Type {
	case PointType:
		p := []float64{}
		if err := json.Unmarshal(raw.Coordinates, &p); err != nil {
			return err
		}
		if len(p) < 2 {
			return fmt.Errorf("point must have at least two coordinates")
		}
		*g = NewPoint(p[0], p[1])
	case PolygonType:
		rings := [][][]float64{}
		if err := json.Unmarshal(raw.Coordinates, &rings); err != nil {
			return err
		}
		*g = NewPolygon(rings...)
	default:
		return ngsierrors.NewNotImplementedError(fmt.Sprintf("geometry type %s is not supported", raw.Type))
	}

	return nil
}

// Expanded returns the geometry as an expanded JSON-LD value object
func (g Geometry) Expanded() map[string]any {
	var coordinates any

	if g.Type == PointType {
		coordinates = expandList(g.Rings[0][0])
	} else {
		rings := make([]any, 0, len(g.Rings))
		for _, ring := range g.Rings {
			positions := make([]any, 0, len(ring))
			for _, p := range ring {
				positions = append(positions, expandList(p))
			}
			rings = append(rings, map[string]any{jsonld.List: positions})
		}
		coordinates = map[string]any{jsonld.List: rings}
	}

	return map[string]any{
		jsonld.Type:        []any{jsonld.GeoJSONVocab + g.Type},
		jsonld.Coordinates: []any{coordinates},
	}
}

// FromExpanded extracts a geometry from the expanded hasValue member of a GeoProperty
func FromExpanded(hasValue any) (Geometry, error) {
	values, ok := hasValue.([]any)
	if !ok || len(values) == 0 {
		return Geometry{}, ngsierrors.NewBadRequestDataError("GeoProperty has no value")
	}

	value, ok := values[0].(map[string]any)
	if !ok {
		return Geometry{}, ngsierrors.NewBadRequestDataError("GeoProperty value is not an object")
	}

	geoType := ""
	if types, ok := value[jsonld.Type].([]any); ok && len(types) > 0 {
		geoType, _ = types[0].(string)
	}

	coordinates, ok := value[jsonld.Coordinates].([]any)
	if !ok || len(coordinates) == 0 {
		return Geometry{}, ngsierrors.NewBadRequestDataError("GeoProperty value has no coordinates")
	}

	nested := unwrapList(coordinates[0])

	switch geoType {
	case jsonld.PointType:
		p, err := toPosition(nested)
		if err != nil {
			return Geometry{}, err
		}
		return NewPoint(p[0], p[1]), nil
	case jsonld.PolygonType:
		return toPolygon(nested)
	default:
		return Geometry{}, ngsierrors.NewNotImplementedError(
			fmt.Sprintf("geometry type %s is not supported", jsonld.ShortName(geoType)),
		)
	}
}

func toPolygon(nested any) (Geometry, error) {
	outer, ok := nested.([]any)
	if !ok || len(outer) == 0 {
		return Geometry{}, ngsierrors.NewBadRequestDataError("polygon has no rings")
	}

	// a polygon with a single ring may arrive without the enclosing list of rings
	if _, err := toPosition(outer[0]); err == nil {
		outer = []any{outer}
	}

	rings := make([][][]float64, 0, len(outer))
	for _, r := range outer {
		positions, ok := r.([]any)
		if !ok {
			return Geometry{}, ngsierrors.NewBadRequestDataError("polygon ring is not a list of positions")
		}

		ring := make([][]float64, 0, len(positions))
		for _, pos := range positions {
			p, err := toPosition(pos)
			if err != nil {
				return Geometry{}, err
			}
			ring = append(ring, p)
		}
		rings = append(rings, ring)
	}

	return NewPolygon(rings...), nil
}

func toPosition(v any) ([]float64, error) {
	list, ok := v.([]any)
	if !ok || len(list) < 2 {
		return nil, ngsierrors.NewBadRequestDataError("position must be a list of at least two numbers")
	}

	p := make([]float64, 0, len(list))
	for _, n := range list {
		f, ok := n.(float64)
		if !ok {
			return nil, ngsierrors.NewBadRequestDataError("position contains a non numeric coordinate")
		}
		p = append(p, f)
	}

	return p, nil
}

// unwrapList turns nested {"@list": [...]} and {"@value": x} objects into plain
// slices and values
func unwrapList(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if l, ok := t[jsonld.List]; ok {
			return unwrapList(l)
		}
		if val, ok := t[jsonld.Value]; ok {
			return val
		}
		return t
	case []any:
		result := make([]any, 0, len(t))
		for _, e := range t {
			result = append(result, unwrapList(e))
		}
		return result
	default:
		return v
	}
}

func expandList(p []float64) map[string]any {
	values := make([]any, 0, len(p))
	for _, f := range p {
		values = append(values, map[string]any{jsonld.Value: f})
	}
	return map[string]any{jsonld.List: values}
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
