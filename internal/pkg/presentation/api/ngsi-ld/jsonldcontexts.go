package ngsild

import (
	"net/http"
	"path"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/go-chi/chi/v5"
)

// ContextDocuments gives access to the json-ld contexts that are embedded in the service
type ContextDocuments interface {
	Document(u string) ([]byte, bool)
}

// NewServeContextHandler serves the embedded context whose url ends with the
// requested context id
func NewServeContextHandler(contexts ContextDocuments, urls ...string) http.HandlerFunc {
	byName := map[string]string{}
	for _, u := range urls {
		byName[path.Base(u)] = u
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contextID := chi.URLParam(r, "contextId")

		u, ok := byName[contextID]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		document, ok := contexts.Document(u)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		logging.GetFromContext(r.Context()).Debug("context requested from client", "contextId", contextID)

		w.Header().Add("Content-Type", "application/ld+json")
		w.WriteHeader(http.StatusOK)
		w.Write(document)
	})
}
