package ngsild

import (
	"encoding/json"
	"net/http"

	"github.com/diwise/context-graph/internal/pkg/application/cim"
	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NewObservationHandler accepts entity events from ingestion pipelines
func NewObservationHandler(app cim.ContextInformationManager) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		observation := cim.Observation{}
		err = json.NewDecoder(r.Body).Decode(&observation)
		if err != nil {
			ngsierrors.ReportNewInvalidRequest(w, "unable to decode observation: "+err.Error(), traceID(r.Context()))
			return
		}

		ctx, span := tracer.Start(r.Context(), "handle-observation",
			trace.WithAttributes(attribute.String(TraceAttributeEntityID, observation.EntityID)),
		)
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		if len(observation.Contexts) == 0 {
			observation.Contexts = linkedContexts(r)
		}

		err = app.HandleObservation(ctx, observation)
		if err != nil {
			reportError(ctx, w, err, "failed to handle observation")
			return
		}

		w.WriteHeader(http.StatusAccepted)
	})
}
