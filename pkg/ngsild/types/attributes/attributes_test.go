package attributes

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/diwise/context-graph/pkg/ngsild/jsonld"
	"github.com/matryer/is"
)

const fishName string = "https://uri.fiware.org/ns/data-models#fishName"
const refDevice string = "https://uri.fiware.org/ns/data-models#refDevice"

func TestThatTwoInstancesWithSameDatasetIDAreRejected(t *testing.T) {
	is := is.New(t)

	_, err := New(fishName, Property, []Instance{
		{DatasetID: "urn:ngsi-ld:Dataset:1", Payload: PropertyValue{Value: "Salmon"}},
		{DatasetID: "urn:ngsi-ld:Dataset:1", Payload: PropertyValue{Value: "Trout"}},
	})

	is.True(errors.Is(err, ngsierrors.ErrBadRequest))
	is.True(strings.Contains(err.Error(), "more than one instance with the same datasetId"))
}

func TestThatTwoDefaultInstancesAreRejected(t *testing.T) {
	is := is.New(t)

	_, err := New(fishName, Property, []Instance{
		{Payload: PropertyValue{Value: "Salmon"}},
		{Payload: PropertyValue{Value: "Trout"}},
	})

	is.True(errors.Is(err, ngsierrors.ErrBadRequest))
	is.Equal(err.Error(), "Attribute "+fishName+" can't have more than one default instance")
}

func TestThatMixedInstanceKindsAreRejected(t *testing.T) {
	is := is.New(t)

	_, err := New(fishName, Property, []Instance{
		{Payload: PropertyValue{Value: "Salmon"}},
		{DatasetID: "urn:ngsi-ld:Dataset:1", Payload: RelationshipObject{ObjectID: "urn:ngsi-ld:Fish:1"}},
	})

	is.True(strings.Contains(err.Error(), "instances must have the same type"))
}

func TestThatInvalidNamesAreRejected(t *testing.T) {
	is := is.New(t)

	is.True(IsValidName("https://uri.etsi.org/ngsi-ld/default-context/fish_name:v2"))
	is.True(!IsValidName("https://uri.etsi.org/ngsi-ld/default-context/fish-name"))
	is.True(!IsValidName("https://uri.etsi.org/ngsi-ld/default-context/"))

	_, err := New("https://example.org/fish name", Property, []Instance{{Payload: PropertyValue{Value: 1.0}}})
	is.True(errors.Is(err, ngsierrors.ErrBadRequest))
}

func TestParseMultiInstanceProperty(t *testing.T) {
	is := is.New(t)

	attr, err := Parse(fishName, decode(is, multiInstanceFishName))
	is.NoErr(err)

	is.Equal(attr.Kind(), Property)
	is.Equal(len(attr.Instances()), 2)

	i, ok := attr.Instance("urn:ngsi-ld:Dataset:fishName:1")
	is.True(ok)
	is.Equal(i.Payload.(PropertyValue).Value, "Salmon")
	is.Equal(i.ObservedAt.Format("2006-01-02"), "2022-03-01")

	i, ok = attr.Instance("")
	is.True(ok)
	is.Equal(i.Payload.(PropertyValue).UnitCode, "C62")
}

func TestThatUnknownAttributeTypeFailsTheWholeAttribute(t *testing.T) {
	is := is.New(t)

	_, err := Parse(fishName, decode(is, `[{"@type": ["https://uri.etsi.org/ngsi-ld/Unknown"]}]`))
	is.True(errors.Is(err, ngsierrors.ErrBadRequest))
	is.Equal(err.Error(), "Entity has unknown attributes types")
}

func TestRelationshipObjectErrors(t *testing.T) {
	is := is.New(t)

	rel := `{"@type": ["` + jsonld.RelationshipType + `"]`

	cases := map[string]string{
		rel + `}`: "does not have an object field",
		rel + `, "` + jsonld.HasObject + `": []}`:                          "is empty",
		rel + `, "` + jsonld.HasObject + `": ["urn:a:b"]}`:                 "has an invalid object type",
		rel + `, "` + jsonld.HasObject + `": [{"@value": "urn:a:b"}]}`:     "has an invalid or no object id",
		rel + `, "` + jsonld.HasObject + `": [{"@id": 17}]}`:               "has an invalid object id type",
		rel + `, "` + jsonld.HasObject + `": [{"@id": "not a uri at all"}]}`: "has an invalid object id",
	}

	for fragment, expected := range cases {
		_, err := Parse(refDevice, decode(is, "["+fragment+"]"))
		is.True(err != nil)
		is.True(strings.Contains(err.Error(), expected))
	}
}

func TestLinkedEntityIDsAreCollectedFromNestedAttributes(t *testing.T) {
	is := is.New(t)

	attr, err := Parse(refDevice, decode(is, nestedRelationship))
	is.NoErr(err)

	is.Equal(attr.LinkedEntityIDs(), []string{"urn:ngsi-ld:Person:owner", "urn:ngsi-ld:Device:d1"})
}

func TestThatExpandedFormCanBeParsedAgain(t *testing.T) {
	is := is.New(t)

	attr, err := Parse(refDevice, decode(is, nestedRelationship))
	is.NoErr(err)

	again, err := Parse(refDevice, attr.Expanded())
	is.NoErr(err)

	is.Equal(again.LinkedEntityIDs(), attr.LinkedEntityIDs())
	is.Equal(len(again.Instances()[0].Properties), 1)
}

func TestThatDateTimeValuesAreKeptAsLiterals(t *testing.T) {
	is := is.New(t)

	v, err := ValueFromExpanded(decode(is, `[{"@type": "`+jsonld.DateTimeType+`", "@value": "2022-03-01T10:00:00Z"}]`))
	is.NoErr(err)
	is.Equal(v, Literal{Type: jsonld.DateTimeType, Value: "2022-03-01T10:00:00Z"})
	is.Equal(SimpleValue(v), "2022-03-01T10:00:00Z")

	_, err = ValueFromExpanded(decode(is, `[{"@type": "`+jsonld.DateTimeType+`", "@value": "yesterday"}]`))
	is.True(errors.Is(err, ngsierrors.ErrBadRequest))
}

func decode(is *is.I, s string) any {
	var v any
	is.NoErr(json.Unmarshal([]byte(s), &v))
	return v
}

const multiInstanceFishName string = `[
	{
		"@type": ["https://uri.etsi.org/ngsi-ld/Property"],
		"https://uri.etsi.org/ngsi-ld/hasValue": [{"@value": "Salmon"}],
		"https://uri.etsi.org/ngsi-ld/datasetId": [{"@id": "urn:ngsi-ld:Dataset:fishName:1"}],
		"https://uri.etsi.org/ngsi-ld/observedAt": [{"@type": "https://uri.etsi.org/ngsi-ld/DateTime", "@value": "2022-03-01T10:00:00Z"}]
	},
	{
		"@type": ["https://uri.etsi.org/ngsi-ld/Property"],
		"https://uri.etsi.org/ngsi-ld/hasValue": [{"@value": "Trout"}],
		"https://uri.etsi.org/ngsi-ld/unitCode": [{"@value": "C62"}]
	}
]`

const nestedRelationship string = `[
	{
		"@type": ["https://uri.etsi.org/ngsi-ld/Relationship"],
		"https://uri.etsi.org/ngsi-ld/hasObject": [{"@id": "urn:ngsi-ld:Device:d1"}],
		"https://uri.fiware.org/ns/data-models#installedBy": [{
			"@type": ["https://uri.etsi.org/ngsi-ld/Relationship"],
			"https://uri.etsi.org/ngsi-ld/hasObject": [{"@id": "urn:ngsi-ld:Person:owner"}]
		}],
		"https://uri.fiware.org/ns/data-models#batteryLevel": [{
			"@type": ["https://uri.etsi.org/ngsi-ld/Property"],
			"https://uri.etsi.org/ngsi-ld/hasValue": [{"@value": 0.8}]
		}]
	}
]`
