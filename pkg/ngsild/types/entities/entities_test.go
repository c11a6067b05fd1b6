package entities

import (
	"encoding/json"
	"errors"
	"testing"

	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/diwise/context-graph/pkg/ngsild/geojson"
	"github.com/diwise/context-graph/pkg/ngsild/jsonld"
	"github.com/diwise/context-graph/pkg/ngsild/types/attributes"
	"github.com/matryer/is"
)

func TestParseExpandedEntity(t *testing.T) {
	is := is.New(t)

	e, err := Parse(decode(is, expandedBeach), []string{jsonld.DefaultContextURL})
	is.NoErr(err)

	is.Equal(e.ID(), "urn:ngsi-ld:Beach:b1")
	is.Equal(e.Type(), "https://uri.fiware.org/ns/data-models#Beach")
	is.Equal(len(e.Attributes()), 3)
	is.Equal(e.LinkedEntityIDs(), []string{"urn:ngsi-ld:Device:d1"})

	loc, ok := e.Attribute(jsonld.Location)
	is.True(ok)
	is.Equal(loc.Kind(), attributes.GeoProperty)
	is.Equal(loc.Instances()[0].Payload.(attributes.GeoValue).Geometry.WKT(), "POINT (17.3 62.4)")
}

func TestThatEntityWithoutIDIsRejected(t *testing.T) {
	is := is.New(t)

	_, err := Parse(map[string]any{jsonld.Type: []any{"https://uri.fiware.org/ns/data-models#Beach"}}, nil)
	is.True(errors.Is(err, ngsierrors.ErrBadRequest))
}

func TestThatEntityWithoutTypeIsRejected(t *testing.T) {
	is := is.New(t)

	_, err := Parse(map[string]any{jsonld.ID: "urn:ngsi-ld:Beach:b1"}, nil)
	is.True(errors.Is(err, ngsierrors.ErrBadRequest))
}

func TestThatUnknownAttributeTypeFailsTheEntity(t *testing.T) {
	is := is.New(t)

	tree := decode(is, expandedBeach)
	tree["https://uri.fiware.org/ns/data-models#odd"] = []any{
		map[string]any{jsonld.Type: []any{"https://uri.etsi.org/ngsi-ld/LanguageProperty"}},
	}

	_, err := Parse(tree, nil)
	is.True(errors.Is(err, ngsierrors.ErrBadRequest))
	is.Equal(err.Error(), "Entity has unknown attributes types")
}

func TestThatUnsupportedGeometryIsNotImplemented(t *testing.T) {
	is := is.New(t)

	tree := decode(is, expandedBeach)
	tree[jsonld.Location] = []any{map[string]any{
		jsonld.Type: []any{jsonld.GeoPropertyType},
		jsonld.HasValue: []any{map[string]any{
			jsonld.Type:        []any{"https://purl.org/geojson/vocab#MultiPoint"},
			jsonld.Coordinates: []any{map[string]any{jsonld.List: []any{}}},
		}},
	}}

	_, err := Parse(tree, nil)
	is.True(errors.Is(err, ngsierrors.ErrNotImplemented))
}

func TestThatDefaultContextIsUsedWhenNoneIsGiven(t *testing.T) {
	is := is.New(t)

	e, err := New("urn:ngsi-ld:Beach:b2", "https://uri.fiware.org/ns/data-models#Beach")
	is.NoErr(err)
	is.Equal(e.Contexts(), []string{jsonld.DefaultContextURL})
}

func TestExpandedAndKeyValues(t *testing.T) {
	is := is.New(t)

	name, err := attributes.New("https://uri.fiware.org/ns/data-models#name", attributes.Property, []attributes.Instance{
		{Payload: attributes.PropertyValue{Value: "Stranden"}},
	})
	is.NoErr(err)

	loc, err := attributes.New(jsonld.Location, attributes.GeoProperty, []attributes.Instance{
		{Payload: attributes.GeoValue{Geometry: geojson.NewPoint(17.3, 62.4)}},
	})
	is.NoErr(err)

	e, err := New("urn:ngsi-ld:Beach:b3", "https://uri.fiware.org/ns/data-models#Beach", Attributes(name, loc))
	is.NoErr(err)

	again, err := Parse(e.Expanded(), e.Contexts())
	is.NoErr(err)
	is.Equal(len(again.Attributes()), 2)

	kv := e.KeyValues()
	is.Equal(kv["https://uri.fiware.org/ns/data-models#name"], "Stranden")
	is.Equal(kv[jsonld.Location], geojson.NewPoint(17.3, 62.4))
}

func decode(is *is.I, s string) map[string]any {
	m := map[string]any{}
	is.NoErr(json.Unmarshal([]byte(s), &m))
	return m
}

const expandedBeach string = `{
	"@id": "urn:ngsi-ld:Beach:b1",
	"@type": ["https://uri.fiware.org/ns/data-models#Beach"],
	"https://uri.fiware.org/ns/data-models#name": [{
		"@type": ["https://uri.etsi.org/ngsi-ld/Property"],
		"https://uri.etsi.org/ngsi-ld/hasValue": [{"@value": "Stranden"}]
	}],
	"https://uri.fiware.org/ns/data-models#refDevice": [{
		"@type": ["https://uri.etsi.org/ngsi-ld/Relationship"],
		"https://uri.etsi.org/ngsi-ld/hasObject": [{"@id": "urn:ngsi-ld:Device:d1"}]
	}],
	"https://uri.etsi.org/ngsi-ld/location": [{
		"@type": ["https://uri.etsi.org/ngsi-ld/GeoProperty"],
		"https://uri.etsi.org/ngsi-ld/hasValue": [{
			"@type": ["https://purl.org/geojson/vocab#Point"],
			"https://purl.org/geojson/vocab#coordinates": [{"@list": [{"@value": 17.3}, {"@value": 62.4}]}]
		}]
	}]
}`
