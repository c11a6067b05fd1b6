package contextgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/diwise/context-graph/internal/pkg/application/cim"
	"github.com/diwise/context-graph/internal/pkg/application/events"
	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/diwise/context-graph/pkg/ngsild/jsonld"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
)

const observer string = "observer"

// HandleObservation applies an entity event received from an ingestion pipeline.
// Observations that refer to missing entities or attributes are logged and dropped.
func (app *App) HandleObservation(ctx context.Context, o cim.Observation) (err error) {
	ctx, span := tracer.Start(ctx, "handle-observation")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	logger := logging.GetFromContext(ctx).With(
		"operationType", o.OperationType, "entityID", o.EntityID, "attributeName", o.AttributeName,
	)

	payload, err := decodePayload(o.OperationPayload)
	if err != nil {
		logger.Error("unable to decode observation payload", "err", err.Error())
		return err
	}

	switch events.EventType(o.OperationType) {
	case events.AttributeUpdate:
		_, err = app.UpdateAttribute(ctx, observer, o.EntityID, o.AttributeName, payload, o.Contexts)
		if errors.Is(err, ngsierrors.ErrNotFound) {
			logger.Info("dropping observation of unknown entity or attribute", "err", err.Error())
			return nil
		}
	case events.AttributeAppend:
		fragment := map[string]any{o.AttributeName: payload}
		if c, ok := payload[jsonld.Context]; ok {
			fragment[jsonld.Context] = c
			delete(payload, jsonld.Context)
		}

		_, err = app.AppendAttributes(ctx, observer, o.EntityID, fragment, o.Contexts, !o.Overwrite)
		if errors.Is(err, ngsierrors.ErrBadRequest) || errors.Is(err, ngsierrors.ErrNotFound) {
			logger.Warn("observation could not be appended", "err", err.Error())
			return nil
		}
	case events.EntityCreate:
		entity, perr := app.ParseEntity(ctx, payload, o.Contexts)
		if perr != nil {
			logger.Warn("unable to parse observed entity", "err", perr.Error())
			return nil
		}

		_, err = app.CreateEntity(ctx, observer, entity)
		if errors.Is(err, ngsierrors.ErrAlreadyExists) {
			logger.Warn("observed entity already exists")
			return nil
		}
	default:
		logger.Info("ignoring observation with unsupported operation type")
		return nil
	}

	return err
}

// decodePayload accepts a payload that is either a JSON object or a string that
// holds a JSON object
func decodePayload(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, ngsierrors.NewBadRequestDataError("observation has no payload")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = json.RawMessage(s)
	}

	payload := map[string]any{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ngsierrors.NewBadRequestDataError(fmt.Sprintf("observation payload is not an object: %s", err.Error()))
	}

	return payload, nil
}
