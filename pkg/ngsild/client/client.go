package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/diwise/context-graph/pkg/ngsild"
	"github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ContextGraphClient talks to the NGSI-LD api of a context graph. Entities and
// fragments can be anything that marshals to a JSON-LD document.
type ContextGraphClient interface {
	CreateEntity(ctx context.Context, entity any, headers map[string][]string) (*ngsild.CreateEntityResult, error)
	AppendEntityAttributes(ctx context.Context, entityID string, fragment any, noOverwrite bool, headers map[string][]string) (*ngsild.UpdateEntityAttributesResult, error)
	UpdateEntityAttributes(ctx context.Context, entityID string, fragment any, headers map[string][]string) (*ngsild.UpdateEntityAttributesResult, error)
	ReplaceEntityAttributes(ctx context.Context, entityID string, fragment any, headers map[string][]string) (*ngsild.UpdateEntityAttributesResult, error)
	PartialAttributeUpdate(ctx context.Context, entityID, attributeName string, fragment any, headers map[string][]string) error

	CreateEntities(ctx context.Context, entities []any, headers map[string][]string) (*ngsild.BatchResult, error)
	UpsertEntities(ctx context.Context, entities []any, update bool, headers map[string][]string) (*ngsild.BatchResult, error)
	DeleteEntities(ctx context.Context, entityIDs []string) (*ngsild.BatchResult, error)

	RetrieveTemporalEvolutionOfEntity(ctx context.Context, entityID string, headers map[string][]string, parameters ...RequestDecoratorFunc) (map[string]any, error)
}

type RequestDecoratorFunc func([]string) []string

func Debug(enabled string) func(*cgClient) {
	return func(c *cgClient) {
		c.debug = (enabled == "true")
	}
}

// User sets the NGSILD-User header that the context graph authorizes requests against
func User(user string) func(*cgClient) {
	return func(c *cgClient) {
		c.user = user
	}
}

func NewContextGraphClient(baseURL string, options ...func(*cgClient)) ContextGraphClient {
	c := &cgClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		debug:   false,
	}

	for _, option := range options {
		option(c)
	}

	return c
}

const (
	TraceAttributeEntityID   string = "entity-id"
	TraceAttributeNGSILDUser string = "ngsild-user"
)

var tracer = otel.Tracer("context-graph-client")

type cgClient struct {
	baseURL string
	user    string
	debug   bool
}

func (c cgClient) CreateEntity(ctx context.Context, entity any, headers map[string][]string) (*ngsild.CreateEntityResult, error) {
	var err error

	ctx, span := tracer.Start(ctx, "create-entity",
		trace.WithAttributes(attribute.String(TraceAttributeNGSILDUser, c.user)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body, err := marshal(entity)
	if err != nil {
		return nil, err
	}

	resp, respBody, err := c.callContextGraph(
		ctx, http.MethodPost, c.baseURL+"/ngsi-ld/v1/entities", body, headers,
	)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		err = errors.NewErrorFromProblemReport(resp.StatusCode, resp.Header.Get("Content-Type"), respBody)
		return nil, err
	}

	if resp.StatusCode != http.StatusCreated {
		err = fmt.Errorf("unexpected response code %d (%w)", resp.StatusCode, errors.ErrInternal)
		return nil, err
	}

	location := resp.Header.Get("Location")
	if location == "" {
		err = fmt.Errorf("context graph failed to provide a location header (%w)", errors.ErrInternal)
		return nil, err
	}

	return ngsild.NewCreateEntityResult(location), nil
}

func (c cgClient) AppendEntityAttributes(ctx context.Context, entityID string, fragment any, noOverwrite bool, headers map[string][]string) (*ngsild.UpdateEntityAttributesResult, error) {
	endpoint := c.attributesURL(entityID)
	if noOverwrite {
		endpoint += "?options=noOverwrite"
	}

	return c.updateAttributes(ctx, "append-entity-attributes", http.MethodPost, endpoint, entityID, fragment, headers)
}

func (c cgClient) UpdateEntityAttributes(ctx context.Context, entityID string, fragment any, headers map[string][]string) (*ngsild.UpdateEntityAttributesResult, error) {
	return c.updateAttributes(ctx, "update-entity-attributes", http.MethodPatch, c.attributesURL(entityID), entityID, fragment, headers)
}

func (c cgClient) ReplaceEntityAttributes(ctx context.Context, entityID string, fragment any, headers map[string][]string) (*ngsild.UpdateEntityAttributesResult, error) {
	return c.updateAttributes(ctx, "replace-entity-attributes", http.MethodPut, c.attributesURL(entityID), entityID, fragment, headers)
}

func (c cgClient) PartialAttributeUpdate(ctx context.Context, entityID, attributeName string, fragment any, headers map[string][]string) error {
	var err error

	ctx, span := tracer.Start(ctx, "partial-attribute-update",
		trace.WithAttributes(attribute.String(TraceAttributeNGSILDUser, c.user)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityID, entityID)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body, err := marshal(fragment)
	if err != nil {
		return err
	}

	resp, respBody, err := c.callContextGraph(
		ctx, http.MethodPatch, c.attributesURL(entityID)+"/"+url.PathEscape(attributeName), body, headers,
	)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusNoContent {
		err = unexpectedResponse(resp, respBody)
		return err
	}

	return nil
}

func (c cgClient) updateAttributes(ctx context.Context, spanName, method, endpoint, entityID string, fragment any, headers map[string][]string) (*ngsild.UpdateEntityAttributesResult, error) {
	var err error

	ctx, span := tracer.Start(ctx, spanName,
		trace.WithAttributes(attribute.String(TraceAttributeNGSILDUser, c.user)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityID, entityID)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body, err := marshal(fragment)
	if err != nil {
		return nil, err
	}

	resp, respBody, err := c.callContextGraph(ctx, method, endpoint, body, headers)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusMultiStatus {
		err = unexpectedResponse(resp, respBody)
		return nil, err
	}

	result, err := ngsild.NewUpdateEntityAttributesResult(respBody)
	return result, err
}

func (c cgClient) CreateEntities(ctx context.Context, entities []any, headers map[string][]string) (*ngsild.BatchResult, error) {
	return c.batch(ctx, "batch-create", "/create", entities, http.StatusCreated, headers)
}

func (c cgClient) UpsertEntities(ctx context.Context, entities []any, update bool, headers map[string][]string) (*ngsild.BatchResult, error) {
	endpoint := "/upsert"
	if update {
		endpoint += "?options=update"
	}

	return c.batch(ctx, "batch-upsert", endpoint, entities, http.StatusNoContent, headers)
}

func (c cgClient) DeleteEntities(ctx context.Context, entityIDs []string) (*ngsild.BatchResult, error) {
	return c.batch(ctx, "batch-delete", "/delete", entityIDs, http.StatusNoContent, nil)
}

// batch posts a batch operation. A response without body is reported as a result
// without errors.
func (c cgClient) batch(ctx context.Context, spanName, operation string, payload any, successStatus int, headers map[string][]string) (*ngsild.BatchResult, error) {
	var err error

	ctx, span := tracer.Start(ctx, spanName,
		trace.WithAttributes(attribute.String(TraceAttributeNGSILDUser, c.user)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body, err := marshal(payload)
	if err != nil {
		return nil, err
	}

	resp, respBody, err := c.callContextGraph(
		ctx, http.MethodPost, c.baseURL+"/ngsi-ld/v1/entityOperations"+operation, body, headers,
	)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != successStatus && resp.StatusCode != http.StatusMultiStatus {
		err = unexpectedResponse(resp, respBody)
		return nil, err
	}

	result, err := ngsild.NewBatchResultFromJSON(respBody)
	return result, err
}

func (c cgClient) RetrieveTemporalEvolutionOfEntity(ctx context.Context, entityID string, headers map[string][]string, parameters ...RequestDecoratorFunc) (map[string]any, error) {
	var err error

	ctx, span := tracer.Start(ctx, "retrieve-entity-temporal",
		trace.WithAttributes(attribute.String(TraceAttributeNGSILDUser, c.user)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityID, entityID)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	params := make([]string, 0, 5)
	for _, rdf := range parameters {
		params = rdf(params)
	}

	urlparams := ""
	if len(params) > 0 {
		urlparams = "?" + strings.Join(params, "&")
	}

	response, responseBody, err := c.callContextGraph(
		ctx, http.MethodGet, c.baseURL+"/ngsi-ld/v1/temporal/entities/"+url.PathEscape(entityID)+urlparams, nil, headers,
	)
	if err != nil {
		return nil, err
	}

	if response.StatusCode != http.StatusOK {
		err = unexpectedResponse(response, responseBody)
		return nil, err
	}

	entity := map[string]any{}
	err = json.Unmarshal(responseBody, &entity)
	if err != nil {
		if c.debug && len(responseBody) < 1000 {
			err = fmt.Errorf("unmarshaling of %s failed with err %s", string(responseBody), err.Error())
		}

		return nil, err
	}

	return entity, nil
}

func (c cgClient) attributesURL(entityID string) string {
	return c.baseURL + "/ngsi-ld/v1/entities/" + url.PathEscape(entityID) + "/attrs"
}

func (c cgClient) callContextGraph(ctx context.Context, method, endpoint string, body io.Reader, headers map[string][]string) (*http.Response, []byte, error) {
	httpClient := http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, nil, errors.NewInternalError("failed to create request", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/ld+json")
	}

	if c.user != "" {
		req.Header.Add("NGSILD-User", c.user)
	}

	for header, headerValue := range headers {
		req.Header.Del(header)
		for _, val := range headerValue {
			req.Header.Add(header, val)
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, errors.NewInternalError("failed to send request", err)
	}

	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errors.NewInternalError("failed to read response body", err)
	}

	if c.debug && resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		reqbytes, _ := httputil.DumpRequest(req, false)
		respbytes, _ := httputil.DumpResponse(resp, false)

		logging.GetFromContext(ctx).Error("request failed", "request", string(reqbytes), "response", string(respbytes))
	}

	return resp, respBody, nil
}

func marshal(v any) (io.Reader, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.NewBadRequestDataError(fmt.Sprintf("failed to marshal request body: %s", err.Error()))
	}

	return bytes.NewBuffer(b), nil
}

func unexpectedResponse(resp *http.Response, body []byte) error {
	contentType := resp.Header.Get("Content-Type")

	if resp.StatusCode >= http.StatusBadRequest {
		return errors.NewErrorFromProblemReport(resp.StatusCode, contentType, body)
	}

	return fmt.Errorf("context graph returned status code %d (content-type: %s, body: %s): %w", resp.StatusCode, contentType, string(body), errors.ErrInternal)
}
