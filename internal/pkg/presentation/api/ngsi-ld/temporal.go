package ngsild

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/diwise/context-graph/internal/pkg/application/cim"
	"github.com/diwise/context-graph/internal/pkg/application/temporal"
	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/diwise/context-graph/pkg/ngsild/jsonld"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func NewRetrieveTemporalEvolutionOfAnEntityHandler(app cim.ContextInformationManager) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		entityID, _ := url.PathUnescape(chi.URLParam(r, "entityId"))

		ctx, span := tracer.Start(r.Context(), "retrieve-temporal-entity",
			trace.WithAttributes(attribute.String(TraceAttributeEntityID, entityID)),
		)
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		query, err := temporalQueryFromRequest(r)
		if err != nil {
			ngsierrors.ReportError(w, err, traceID(ctx))
			return
		}

		contexts := linkedContexts(r)

		te, err := app.RetrieveTemporalEntity(ctx, entityID, query, contexts)
		if err != nil {
			reportError(ctx, w, err, "failed to retrieve temporal evolution of entity")
			return
		}

		contentType := r.Header.Get("Accept")
		if contentType != "application/json" {
			contentType = "application/ld+json"
			if len(contexts) == 0 {
				contexts = []string{jsonld.DefaultContextURL}
			}
			te[jsonld.Context] = contexts
		}

		body, err := json.Marshal(te)
		if err != nil {
			reportError(ctx, w, err, "failed to marshal temporal entity")
			return
		}

		w.Header().Add("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	})
}

func temporalQueryFromRequest(r *http.Request) (temporal.Query, error) {
	params := r.URL.Query()

	query := temporal.Query{
		TimeRel:        params.Get("timerel"),
		TemporalValues: hasOption(r, "temporalValues"),
	}

	var err error

	switch query.TimeRel {
	case "":
	case temporal.TimeRelBefore, temporal.TimeRelAfter, temporal.TimeRelBetween:
		query.TimeAt, err = parseTime("timeAt", params.Get("timeAt"))
		if err != nil {
			return query, err
		}

		if query.TimeRel == temporal.TimeRelBetween {
			query.EndTimeAt, err = parseTime("endTimeAt", params.Get("endTimeAt"))
			if err != nil {
				return query, err
			}

			if !query.EndTimeAt.After(query.TimeAt) {
				return query, ngsierrors.NewBadRequestDataError("endTimeAt must be after timeAt")
			}
		}
	default:
		return query, ngsierrors.NewBadRequestDataError(fmt.Sprintf("unknown timerel %s", query.TimeRel))
	}

	if lastN := params.Get("lastN"); lastN != "" {
		query.LastN, err = strconv.Atoi(lastN)
		if err != nil || query.LastN < 1 {
			return query, ngsierrors.NewBadRequestDataError("lastN must be a positive integer")
		}
	}

	return query, nil
}

func parseTime(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, ngsierrors.NewBadRequestDataError(fmt.Sprintf("%s is required by timerel", name))
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, ngsierrors.NewBadRequestDataError(fmt.Sprintf("%s is not a valid date time: %s", name, value))
	}

	return t.UTC(), nil
}
