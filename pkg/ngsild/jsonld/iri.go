package jsonld

import "strings"

const (
	NGSILDCoreContextURL string = "https://uri.etsi.org/ngsi-ld/v1/ngsi-ld-core-context-v1.3.jsonld"
	DefaultContextURL    string = "https://raw.githubusercontent.com/diwise/context-graph/main/pkg/ngsild/jsonld/contexts/default-context.jsonld"
)

const (
	ngsildPrefix  string = "https://uri.etsi.org/ngsi-ld/"
	geojsonPrefix string = "https://purl.org/geojson/vocab#"

	DefaultVocab string = ngsildPrefix + "default-context/"
)

const (
	ID      string = "@id"
	Type    string = "@type"
	Value   string = "@value"
	Context string = "@context"
	List    string = "@list"
)

const (
	PropertyType     string = ngsildPrefix + "Property"
	RelationshipType string = ngsildPrefix + "Relationship"
	GeoPropertyType  string = ngsildPrefix + "GeoProperty"

	HasValue   string = ngsildPrefix + "hasValue"
	HasObject  string = ngsildPrefix + "hasObject"
	CreatedAt  string = ngsildPrefix + "createdAt"
	ModifiedAt string = ngsildPrefix + "modifiedAt"
	ObservedAt string = ngsildPrefix + "observedAt"
	UnitCode   string = ngsildPrefix + "unitCode"
	DatasetID  string = ngsildPrefix + "datasetId"
	InstanceID string = ngsildPrefix + "instanceId"
	Location   string = ngsildPrefix + "location"

	DateTimeType string = ngsildPrefix + "DateTime"
	DateType     string = ngsildPrefix + "Date"
	TimeType     string = ngsildPrefix + "Time"

	Coordinates  string = geojsonPrefix + "coordinates"
	PointType    string = geojsonPrefix + "Point"
	PolygonType  string = geojsonPrefix + "Polygon"
	GeoJSONVocab string = geojsonPrefix
)

// CoreMembers are the keys of an expanded entity that are never attributes
var CoreMembers = map[string]bool{
	ID:         true,
	Type:       true,
	Context:    true,
	CreatedAt:  true,
	ModifiedAt: true,
}

// AttributeCoreMembers are the keys of an expanded attribute instance that are never
// nested attributes
var AttributeCoreMembers = map[string]bool{
	Type:       true,
	HasValue:   true,
	HasObject:  true,
	CreatedAt:  true,
	ModifiedAt: true,
	ObservedAt: true,
	UnitCode:   true,
	DatasetID:  true,
	InstanceID: true,
}

// ShortName returns the last segment of an expanded name, i.e. what follows the last
// '/' and then the last '#'.
func ShortName(expanded string) string {
	s := expanded[strings.LastIndex(expanded, "/")+1:]
	return s[strings.LastIndex(s, "#")+1:]
}
