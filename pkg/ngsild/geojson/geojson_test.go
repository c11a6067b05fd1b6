package geojson

import (
	"encoding/json"
	"errors"
	"testing"

	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/diwise/context-graph/pkg/ngsild/jsonld"
	"github.com/matryer/is"
)

func TestPointFromExpanded(t *testing.T) {
	is := is.New(t)

	g, err := FromExpanded(decode(is, expandedPoint))
	is.NoErr(err)

	is.Equal(g.Type, PointType)
	is.Equal(g.WKT(), "POINT (24.30623 61.88345)")
}

func TestPolygonFromExpanded(t *testing.T) {
	is := is.New(t)

	g, err := FromExpanded(decode(is, expandedPolygon))
	is.NoErr(err)

	is.Equal(g.Type, PolygonType)
	is.Equal(g.WKT(), "POLYGON ((100 0, 101 0, 101 1, 100 1, 100 0))")
}

func TestThatOtherGeometriesAreNotImplemented(t *testing.T) {
	is := is.New(t)

	_, err := FromExpanded(decode(is, expandedLineString))
	is.True(errors.Is(err, ngsierrors.ErrNotImplemented))
}

func TestThatExpandedGeometryCanBeReadBack(t *testing.T) {
	is := is.New(t)

	p := NewPolygon([][]float64{{1, 2}, {3, 4}, {5, 6}, {1, 2}})

	g, err := FromExpanded([]any{p.Expanded()})
	is.NoErr(err)
	is.Equal(g.WKT(), p.WKT())
}

func TestJSONRoundTrip(t *testing.T) {
	is := is.New(t)

	b, err := json.Marshal(NewPoint(17.1, 62.3))
	is.NoErr(err)
	is.Equal(string(b), `{"type":"Point","coordinates":[17.1,62.3]}`)

	g := Geometry{}
	is.NoErr(json.Unmarshal(b, &g))
	is.Equal(g.WKT(), "POINT (17.1 62.3)")
}

func decode(is *is.I, s string) any {
	var v any
	is.NoErr(json.Unmarshal([]byte(s), &v))
	return v
}

const expandedPoint string = `[{
	"@type": ["` + jsonld.PointType + `"],
	"` + jsonld.Coordinates + `": [{"@list": [{"@value": 24.30623}, {"@value": 61.88345}]}]
}]`

const expandedPolygon string = `[{
	"@type": ["` + jsonld.PolygonType + `"],
	"` + jsonld.Coordinates + `": [{"@list": [
		{"@list": [{"@value": 100.0}, {"@value": 0.0}]},
		{"@list": [{"@value": 101.0}, {"@value": 0.0}]},
		{"@list": [{"@value": 101.0}, {"@value": 1.0}]},
		{"@list": [{"@value": 100.0}, {"@value": 1.0}]},
		{"@list": [{"@value": 100.0}, {"@value": 0.0}]}
	]}]
}]`

const expandedLineString string = `[{
	"@type": ["https://purl.org/geojson/vocab#LineString"],
	"` + jsonld.Coordinates + `": [{"@list": [{"@list": [{"@value": 1.0}, {"@value": 2.0}]}]}]
}]`
