package authz

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("context-graph/authz")

//go:embed default.rego
var defaultPolicy []byte

const (
	ActionCreate string = "create"
	ActionModify string = "modify"
	ActionAdmin  string = "admin"
)

// Authorizer decides what a user is allowed to do with entities
type Authorizer interface {
	CanCreate(ctx context.Context, user string) bool
	// CanModify returns the subset of entityIDs that the user may modify
	CanModify(ctx context.Context, user string, entityIDs []string) []string
	// CanAdmin returns the subset of entityIDs that the user may delete
	CanAdmin(ctx context.Context, user string, entityIDs []string) []string
}

type authorizerImpl struct {
	preparedQuery rego.PreparedEvalQuery
}

// NewAuthorizer compiles the rego policies read from policies, or the default
// policy if policies is nil. The policies must define data.ngsild.authz.allow.
func NewAuthorizer(ctx context.Context, policies io.Reader) (Authorizer, error) {
	if policies == nil {
		policies = bytes.NewReader(defaultPolicy)
	}

	module, err := io.ReadAll(policies)
	if err != nil {
		return nil, fmt.Errorf("unable to read authz policies: %s", err.Error())
	}

	impl := &authorizerImpl{}

	impl.preparedQuery, err = rego.New(
		rego.Query("x = data.ngsild.authz.allow"),
		rego.Module("ngsild.rego", string(module)),
	).PrepareForEval(ctx)

	if err != nil {
		return nil, err
	}

	return impl, nil
}

func (a *authorizerImpl) CanCreate(ctx context.Context, user string) bool {
	return a.allowed(ctx, ActionCreate, user, "")
}

func (a *authorizerImpl) CanModify(ctx context.Context, user string, entityIDs []string) []string {
	return a.filter(ctx, ActionModify, user, entityIDs)
}

func (a *authorizerImpl) CanAdmin(ctx context.Context, user string, entityIDs []string) []string {
	return a.filter(ctx, ActionAdmin, user, entityIDs)
}

func (a *authorizerImpl) filter(ctx context.Context, action, user string, entityIDs []string) []string {
	allowed := []string{}
	for _, id := range entityIDs {
		if a.allowed(ctx, action, user, id) {
			allowed = append(allowed, id)
		}
	}
	return allowed
}

func (a *authorizerImpl) allowed(ctx context.Context, action, user, entityID string) bool {
	var err error

	ctx, span := tracer.Start(ctx, "check-access")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	input := map[string]any{
		"action":   action,
		"user":     user,
		"entityId": entityID,
	}

	results, err := a.preparedQuery.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		err = fmt.Errorf("opa eval failed: %w", err)
		logging.GetFromContext(ctx).Error("authorization check failed", "action", action, "err", err.Error())
		return false
	}

	if len(results) == 0 {
		return false
	}

	allowed, ok := results[0].Bindings["x"].(bool)
	return ok && allowed
}

type allowAll struct{}

// AllowAll returns an Authorizer that permits everything
func AllowAll() Authorizer {
	return allowAll{}
}

func (allowAll) CanCreate(context.Context, string) bool { return true }

func (allowAll) CanModify(_ context.Context, _ string, entityIDs []string) []string {
	return entityIDs
}

func (allowAll) CanAdmin(_ context.Context, _ string, entityIDs []string) []string {
	return entityIDs
}
