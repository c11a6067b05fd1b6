package ngsild

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/diwise/context-graph/internal/pkg/application/cim"
	"github.com/diwise/context-graph/pkg/ngsild"
	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NewCreateEntityHandler handles incoming POST requests for NGSI entities
func NewCreateEntityHandler(app cim.ContextInformationManager) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "create-entity")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		doc, err := decodeObject(r)
		if err != nil {
			ngsierrors.ReportNewInvalidRequest(w, err.Error(), traceID(ctx))
			return
		}

		entity, err := app.ParseEntity(ctx, doc, linkedContexts(r))
		if err != nil {
			reportError(ctx, w, err, "failed to parse entity")
			return
		}

		span.SetAttributes(attribute.String(TraceAttributeEntityID, entity.ID()))

		result, err := app.CreateEntity(ctx, GetUserFromContext(ctx), entity)
		if err != nil {
			reportError(ctx, w, err, "failed to create entity")
			return
		}

		w.Header().Add("Location", result.Location())
		w.WriteHeader(http.StatusCreated)
	})
}

// NewUpdateEntityAttributesHandler handles PATCH requests that update existing
// attributes of an entity
func NewUpdateEntityAttributesHandler(app cim.ContextInformationManager) http.HandlerFunc {
	return attributesHandler(app, "update-entity-attributes", http.StatusNoContent,
		func(r *http.Request, entityID string, fragment map[string]any, contexts []string) (ngsild.UpdateResult, error) {
			return app.PartialUpdate(r.Context(), GetUserFromContext(r.Context()), entityID, fragment, contexts)
		},
	)
}

// NewAppendEntityAttributesHandler handles POST requests that add attributes to an
// entity. Existing attributes are overwritten unless options=noOverwrite is given.
func NewAppendEntityAttributesHandler(app cim.ContextInformationManager) http.HandlerFunc {
	return attributesHandler(app, "append-entity-attributes", http.StatusNoContent,
		func(r *http.Request, entityID string, fragment map[string]any, contexts []string) (ngsild.UpdateResult, error) {
			noOverwrite := hasOption(r, "noOverwrite")
			return app.AppendAttributes(r.Context(), GetUserFromContext(r.Context()), entityID, fragment, contexts, noOverwrite)
		},
	)
}

func NewReplaceEntityAttributesHandler(app cim.ContextInformationManager) http.HandlerFunc {
	return attributesHandler(app, "replace-entity-attributes", http.StatusNoContent,
		func(r *http.Request, entityID string, fragment map[string]any, contexts []string) (ngsild.UpdateResult, error) {
			return app.ReplaceAttributes(r.Context(), GetUserFromContext(r.Context()), entityID, fragment, contexts)
		},
	)
}

// NewPartialAttributeUpdateHandler handles PATCH requests for a single attribute
func NewPartialAttributeUpdateHandler(app cim.ContextInformationManager) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		entityID, _ := url.PathUnescape(chi.URLParam(r, "entityId"))
		attrName, _ := url.PathUnescape(chi.URLParam(r, "attrId"))

		ctx, span := tracer.Start(r.Context(), "partial-attribute-update",
			trace.WithAttributes(attribute.String(TraceAttributeEntityID, entityID)),
		)
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		fragment, err := decodeObject(r)
		if err != nil {
			ngsierrors.ReportNewInvalidRequest(w, err.Error(), traceID(ctx))
			return
		}

		_, err = app.UpdateAttribute(ctx, GetUserFromContext(ctx), entityID, attrName, fragment, linkedContexts(r))
		if err != nil {
			reportError(ctx, w, err, "failed to update attribute")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

type attributesOperation func(r *http.Request, entityID string, fragment map[string]any, contexts []string) (ngsild.UpdateResult, error)

func attributesHandler(app cim.ContextInformationManager, spanName string, successStatus int, operation attributesOperation) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		entityID, _ := url.PathUnescape(chi.URLParam(r, "entityId"))

		ctx, span := tracer.Start(r.Context(), spanName,
			trace.WithAttributes(attribute.String(TraceAttributeEntityID, entityID)),
		)
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		r = r.WithContext(ctx)

		fragment, err := decodeObject(r)
		if err != nil {
			ngsierrors.ReportNewInvalidRequest(w, err.Error(), traceID(ctx))
			return
		}

		contexts := linkedContexts(r)

		result, err := operation(r, entityID, fragment, contexts)
		if err != nil {
			reportError(ctx, w, err, "failed to "+strings.ReplaceAll(spanName, "-", " "))
			return
		}

		report := result.Report(func(name string) string {
			return app.CompactTerm(ctx, name, contexts)
		})

		writeMultiStatus(w, report, successStatus)
	})
}

func hasOption(r *http.Request, option string) bool {
	for _, o := range strings.Split(r.URL.Query().Get("options"), ",") {
		if strings.TrimSpace(o) == option {
			return true
		}
	}
	return false
}
