package ngsild

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/diwise/context-graph/internal/pkg/application/cim"
	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/diwise/context-graph/pkg/ngsild/jsonld"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("context-graph/ngsi-ld")

const (
	TraceAttributeEntityID string = "ngsild-entity-id"
	TraceAttributeUser     string = "ngsild-user"
)

const (
	AnonymousUser string = "anonymous"

	jsonldContextRel string = "http://www.w3.org/ns/json-ld#context"
)

// RegisterHandlers mounts the NGSI-LD api on r
func RegisterHandlers(ctx context.Context, r chi.Router, app cim.ContextInformationManager, contexts ContextDocuments) {
	r.Route("/ngsi-ld/v1", func(r chi.Router) {
		r.Use(
			Logger(logging.GetFromContext(ctx)),
			NGSIMiddleware(),
			RequiredContentTypes([]string{"application/json", "application/ld+json"}),
		)

		r.Route("/entities", func(r chi.Router) {
			r.Post("/", NewCreateEntityHandler(app))

			r.Route("/{entityId}/attrs", func(r chi.Router) {
				r.Post("/", NewAppendEntityAttributesHandler(app))
				r.Patch("/", NewUpdateEntityAttributesHandler(app))
				r.Put("/", NewReplaceEntityAttributesHandler(app))
				r.Patch("/{attrId}", NewPartialAttributeUpdateHandler(app))
			})
		})

		r.Route("/entityOperations", func(r chi.Router) {
			r.Post("/create", NewBatchCreateHandler(app))
			r.Post("/upsert", NewBatchUpsertHandler(app))
			r.Post("/delete", NewBatchDeleteHandler(app))
		})

		r.Get("/temporal/entities/{entityId}", NewRetrieveTemporalEvolutionOfAnEntityHandler(app))
		r.Post("/observations", NewObservationHandler(app))
		r.Get("/jsonldContexts/{contextId}", NewServeContextHandler(contexts, jsonld.NGSILDCoreContextURL, jsonld.DefaultContextURL))
	})
}

type userContextKey struct {
	name string
}

var userCtxKey = &userContextKey{"ngsild-user"}

func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(
				trace.SpanFromContext(ctx),
				logger,
				ctx)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RequiredContentTypes(validTypes []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			contentType := r.Header.Get("Content-Type")
			isValidContentType := true

			if len(contentType) > 0 {
				isValidContentType = false

				for _, t := range validTypes {
					if strings.HasPrefix(contentType, t) {
						isValidContentType = true
						break
					}
				}
			}

			if isValidContentType {
				next.ServeHTTP(w, r)
			} else {
				http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
			}
		})
	}
}

// NGSIMiddleware packs the requesting user into the context
func NGSIMiddleware() func(http.Handler) http.Handler {
	userHeaderName := http.CanonicalHeaderKey("NGSILD-User")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := AnonymousUser

			userHeader := r.Header[userHeaderName]
			if len(userHeader) > 0 && userHeader[0] != "" {
				user = userHeader[0]
			}

			if labeler, found := otelhttp.LabelerFromContext(r.Context()); found {
				labeler.Add(attribute.String(TraceAttributeUser, user))
			}

			ctx := context.WithValue(r.Context(), userCtxKey, user)

			ctx = logging.NewContextWithLogger(
				ctx,
				logging.GetFromContext(r.Context()),
				"user",
				user,
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserFromContext extracts the user name from the provided context
func GetUserFromContext(ctx context.Context) string {
	user, ok := ctx.Value(userCtxKey).(string)

	if !ok {
		return AnonymousUser
	}

	return user
}

// linkedContexts returns the urls of the json-ld contexts in the Link headers of r
func linkedContexts(r *http.Request) []string {
	contexts := []string{}

	for _, header := range r.Header.Values("Link") {
		for _, link := range strings.Split(header, ",") {
			parts := strings.Split(link, ";")

			target := strings.TrimSpace(parts[0])
			if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				continue
			}

			for _, p := range parts[1:] {
				p = strings.ReplaceAll(strings.TrimSpace(p), `"`, "")
				if p == "rel="+jsonldContextRel {
					contexts = append(contexts, strings.Trim(target, "<>"))
					break
				}
			}
		}
	}

	return contexts
}

func traceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

func decodeObject(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	doc := map[string]any{}
	if err = json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("unable to decode request payload: %s", err.Error())
	}

	return doc, nil
}

func decodeArray[T any](r *http.Request) ([]T, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	docs := []T{}
	if err = json.Unmarshal(body, &docs); err != nil {
		return nil, fmt.Errorf("unable to decode request payload: %s", err.Error())
	}

	return docs, nil
}

func reportError(ctx context.Context, w http.ResponseWriter, err error, msg string) {
	if !ngsierrors.IsDataError(err) {
		logging.GetFromContext(ctx).Error(msg, "err", err.Error())
	}

	ngsierrors.ReportError(w, err, traceID(ctx))
}

type multiStatusResult interface {
	Bytes() []byte
	IsMultiStatus() bool
}

// writeMultiStatus writes result as a 207 when some part of the operation failed and
// as successStatus otherwise
func writeMultiStatus(w http.ResponseWriter, result multiStatusResult, successStatus int) {
	if !result.IsMultiStatus() && successStatus == http.StatusNoContent {
		w.WriteHeader(successStatus)
		return
	}

	status := successStatus
	if result.IsMultiStatus() {
		status = http.StatusMultiStatus
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(result.Bytes())
}
