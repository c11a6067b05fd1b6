package ngsild

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/diwise/context-graph/internal/pkg/application/authz"
	"github.com/diwise/context-graph/internal/pkg/application/contextgraph"
	"github.com/diwise/context-graph/internal/pkg/infrastructure/storage/graph"
	"github.com/diwise/context-graph/internal/pkg/infrastructure/storage/troe"
	"github.com/diwise/context-graph/pkg/ngsild"
	"github.com/diwise/context-graph/pkg/ngsild/jsonld"
	"github.com/go-chi/chi/v5"
	"github.com/matryer/is"
)

func TestCreateEntity(t *testing.T) {
	is, ts := setupTest(t)
	defer ts.Close()

	resp, _ := testRequest(is, ts, http.MethodPost, "/ngsi-ld/v1/entities", entityJSON)

	is.Equal(resp.StatusCode, http.StatusCreated)
	is.Equal(resp.Header.Get("Location"), "/ngsi-ld/v1/entities/urn:ngsi-ld:Beach:b1")
}

func TestCreateEntityWithWrongContentTypeReturnsUnsupportedMediaType(t *testing.T) {
	is, ts := setupTest(t)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/ngsi-ld/v1/entities", bytes.NewBufferString(entityJSON))
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err) // http request failed
	defer resp.Body.Close()

	is.Equal(resp.StatusCode, http.StatusUnsupportedMediaType)
}

func TestCreateEntityWithBadDataReturnsInvalidRequest(t *testing.T) {
	is, ts := setupTest(t)
	defer ts.Close()

	resp, body := testRequest(is, ts, http.MethodPost, "/ngsi-ld/v1/entities", "this is not my json")

	is.Equal(resp.StatusCode, http.StatusBadRequest)
	is.True(strings.Contains(body, "InvalidRequest"))
}

func TestCreateEntityCanHandleAlreadyExistsError(t *testing.T) {
	is, ts := setupTest(t)
	defer ts.Close()

	testRequest(is, ts, http.MethodPost, "/ngsi-ld/v1/entities", entityJSON)
	resp, body := testRequest(is, ts, http.MethodPost, "/ngsi-ld/v1/entities", entityJSON)

	is.Equal(resp.StatusCode, http.StatusConflict)
	is.Equal(resp.Header.Get("Content-Type"), "application/problem+json")
	is.True(strings.Contains(body, "AlreadyExists"))
}

func TestCreateEntityAsReadOnlyUserIsForbidden(t *testing.T) {
	is, ts := setupTest(t)
	defer ts.Close()

	resp, _ := testRequest(is, ts, http.MethodPost, "/ngsi-ld/v1/entities", entityJSON, header("NGSILD-User", "readonly:bob"))

	is.Equal(resp.StatusCode, http.StatusForbidden)
}

func TestUpdateOfUnknownAttributeReturnsMultiStatus(t *testing.T) {
	is, ts := setupTest(t)
	defer ts.Close()

	testRequest(is, ts, http.MethodPost, "/ngsi-ld/v1/entities", entityJSON)

	resp, body := testRequest(is, ts, http.MethodPatch, "/ngsi-ld/v1/entities/urn:ngsi-ld:Beach:b1/attrs", `{
		"fishName": {"type": "Property", "value": "Pike"},
		"fishNumber": {"type": "Property", "value": 3}
	}`)
	is.Equal(resp.StatusCode, http.StatusMultiStatus)

	result := ngsild.UpdateEntityAttributesResult{}
	is.NoErr(json.Unmarshal([]byte(body), &result))
	is.Equal(result.Updated, []string{"fishName"})
	is.Equal(result.NotUpdated[0].AttributeName, "fishNumber")
}

func TestAppendAttributesReturnsNoContent(t *testing.T) {
	is, ts := setupTest(t)
	defer ts.Close()

	testRequest(is, ts, http.MethodPost, "/ngsi-ld/v1/entities", entityJSON)

	resp, _ := testRequest(is, ts, http.MethodPost, "/ngsi-ld/v1/entities/urn:ngsi-ld:Beach:b1/attrs", `{
		"fishNumber": {"type": "Property", "value": 3}
	}`)
	is.Equal(resp.StatusCode, http.StatusNoContent)
}

func TestAppendWithNoOverwriteReportsIgnoredAttributes(t *testing.T) {
	is, ts := setupTest(t)
	defer ts.Close()

	testRequest(is, ts, http.MethodPost, "/ngsi-ld/v1/entities", entityJSON)

	resp, body := testRequest(is, ts, http.MethodPost, "/ngsi-ld/v1/entities/urn:ngsi-ld:Beach:b1/attrs?options=noOverwrite", `{
		"fishName": {"type": "Property", "value": "Pike"}
	}`)
	is.Equal(resp.StatusCode, http.StatusMultiStatus)
	is.True(strings.Contains(body, "overwrite is not allowed"))
}

func TestUpdateOfASingleUnknownAttributeReturnsNotFound(t *testing.T) {
	is, ts := setupTest(t)
	defer ts.Close()

	testRequest(is, ts, http.MethodPost, "/ngsi-ld/v1/entities", entityJSON)

	resp, _ := testRequest(is, ts, http.MethodPatch, "/ngsi-ld/v1/entities/urn:ngsi-ld:Beach:b1/attrs/fishNumber", `{
		"type": "Property", "value": 3
	}`)
	is.Equal(resp.StatusCode, http.StatusNotFound)
}

func TestBatchCreateWithAFailingEntityReturnsMultiStatus(t *testing.T) {
	is, ts := setupTest(t)
	defer ts.Close()

	resp, body := testRequest(is, ts, http.MethodPost, "/ngsi-ld/v1/entityOperations/create", `[
		`+entityJSON+`,
		{"id": "urn:ngsi-ld:Beach:b2", "type": "Beach", "refDevice": {"type": "Relationship", "object": "urn:ngsi-ld:Device:missing"}}
	]`)
	is.Equal(resp.StatusCode, http.StatusMultiStatus)

	result := ngsild.BatchResult{}
	is.NoErr(json.Unmarshal([]byte(body), &result))
	is.Equal(result.Success, []string{"urn:ngsi-ld:Beach:b1"})
	is.Equal(result.Errors[0].EntityID, "urn:ngsi-ld:Beach:b2")
}

func TestBatchDeleteReturnsNoContent(t *testing.T) {
	is, ts := setupTest(t)
	defer ts.Close()

	testRequest(is, ts, http.MethodPost, "/ngsi-ld/v1/entities", entityJSON)

	resp, _ := testRequest(is, ts, http.MethodPost, "/ngsi-ld/v1/entityOperations/delete", `["urn:ngsi-ld:Beach:b1"]`)
	is.Equal(resp.StatusCode, http.StatusNoContent)
}

func TestObservationsAreAccepted(t *testing.T) {
	is, ts := setupTest(t)
	defer ts.Close()

	testRequest(is, ts, http.MethodPost, "/ngsi-ld/v1/entities", entityJSON)

	resp, _ := testRequest(is, ts, http.MethodPost, "/ngsi-ld/v1/observations", `{
		"operationType": "ATTRIBUTE_UPDATE",
		"entityId": "urn:ngsi-ld:Beach:b1",
		"attributeName": "fishName",
		"operationPayload": {"type": "Property", "value": "Perch"}
	}`)
	is.Equal(resp.StatusCode, http.StatusAccepted)
}

func TestServeDefaultContext(t *testing.T) {
	is, ts := setupTest(t)
	defer ts.Close()

	resp, body := testRequest(is, ts, http.MethodGet, "/ngsi-ld/v1/jsonldContexts/default-context.jsonld", "")
	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(strings.Contains(body, "@context"))

	resp, _ = testRequest(is, ts, http.MethodGet, "/ngsi-ld/v1/jsonldContexts/unknown.jsonld", "")
	is.Equal(resp.StatusCode, http.StatusNotFound)
}

func TestLinkedContextsAreReadFromTheLinkHeader(t *testing.T) {
	is := is.New(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Add("Link", `<https://example.org/context.jsonld>; rel="http://www.w3.org/ns/json-ld#context"; type="application/ld+json"`)
	req.Header.Add("Link", `<https://example.org/next>; rel="next"`)

	is.Equal(linkedContexts(req), []string{"https://example.org/context.jsonld"})
}

type requestOption func(*http.Request)

func header(key, value string) requestOption {
	return func(r *http.Request) {
		r.Header.Set(key, value)
	}
}

func testRequest(is *is.I, ts *httptest.Server, method, path, body string, opts ...requestOption) (*http.Response, string) {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}

	req, _ := http.NewRequest(method, ts.URL+path, reader)
	if body != "" {
		req.Header.Add("Content-Type", "application/ld+json")
	}

	for _, opt := range opts {
		opt(req)
	}

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err) // http request failed
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	is.NoErr(err) // failed to read response body

	return resp, string(respBody)
}

func setupTest(t *testing.T) (*is.I, *httptest.Server) {
	is := is.New(t)
	ctx := context.Background()

	cache, err := jsonld.NewContextCache(8)
	is.NoErr(err)

	processor, err := jsonld.NewProcessor(cache)
	is.NoErr(err)

	authorizer, err := authz.NewAuthorizer(ctx, nil)
	is.NoErr(err)

	app := contextgraph.New(
		processor, graph.NewInMemoryStore(),
		contextgraph.WithHistory(troe.NewInMemoryStore()),
		contextgraph.WithAuthorizer(authorizer),
	)

	r := chi.NewRouter()
	RegisterHandlers(ctx, r, app, cache)

	return is, httptest.NewServer(r)
}

const entityJSON string = `{
	"id": "urn:ngsi-ld:Beach:b1",
	"type": "Beach",
	"fishName": {"type": "Property", "value": "Salmon"}
}`
