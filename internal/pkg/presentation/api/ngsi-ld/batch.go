package ngsild

import (
	"context"
	"net/http"

	"github.com/diwise/context-graph/internal/pkg/application/cim"
	"github.com/diwise/context-graph/pkg/ngsild"
	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
)

func NewBatchCreateHandler(app cim.ContextInformationManager) http.HandlerFunc {
	return batchHandler("batch-create", http.StatusCreated, func(ctx context.Context, r *http.Request) (*ngsild.BatchResult, error) {
		docs, err := decodeArray[map[string]any](r)
		if err != nil {
			return nil, ngsierrors.NewBadRequestDataError(err.Error())
		}
		return app.CreateBatch(ctx, GetUserFromContext(ctx), docs, linkedContexts(r))
	})
}

// NewBatchUpsertHandler creates the entities that do not exist and replaces the ones
// that do, or appends to them when options=update is given
func NewBatchUpsertHandler(app cim.ContextInformationManager) http.HandlerFunc {
	return batchHandler("batch-upsert", http.StatusNoContent, func(ctx context.Context, r *http.Request) (*ngsild.BatchResult, error) {
		docs, err := decodeArray[map[string]any](r)
		if err != nil {
			return nil, ngsierrors.NewBadRequestDataError(err.Error())
		}
		return app.UpsertBatch(ctx, GetUserFromContext(ctx), docs, linkedContexts(r), hasOption(r, "update"))
	})
}

func NewBatchDeleteHandler(app cim.ContextInformationManager) http.HandlerFunc {
	return batchHandler("batch-delete", http.StatusNoContent, func(ctx context.Context, r *http.Request) (*ngsild.BatchResult, error) {
		entityIDs, err := decodeArray[string](r)
		if err != nil {
			return nil, ngsierrors.NewBadRequestDataError(err.Error())
		}
		return app.DeleteBatch(ctx, GetUserFromContext(ctx), entityIDs)
	})
}

func batchHandler(spanName string, successStatus int, operation func(context.Context, *http.Request) (*ngsild.BatchResult, error)) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), spanName)
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		result, err := operation(ctx, r)
		if err != nil {
			reportError(ctx, w, err, spanName+" failed")
			return
		}

		writeMultiStatus(w, result, successStatus)
	})
}
