package auth

import (
	"context"
	"errors"
)

var ErrNoOperator = errors.New("auth: no operator in context")

// Operator is the authenticated caller. It is attached to the request context
// by RequireAccessToken and recorded on every operator action.
type Operator struct {
	UserID string
	Role   string
	Dev    bool
}

type ctxKey struct{}

func WithOperator(ctx context.Context, op Operator) context.Context {
	return context.WithValue(ctx, ctxKey{}, op)
}

func OperatorFrom(ctx context.Context) (Operator, error) {
	op, ok := ctx.Value(ctxKey{}).(Operator)
	if !ok || op.UserID == "" {
		return Operator{}, ErrNoOperator
	}
	return op, nil
}

func UserID(ctx context.Context) (string, error) {
	op, err := OperatorFrom(ctx)
	if err != nil {
		return "", err
	}
	return op.UserID, nil
}

func Role(ctx context.Context) (string, error) {
	op, err := OperatorFrom(ctx)
	if err != nil || op.Role == "" {
		return "", errors.New("auth: role not in context")
	}
	return op.Role, nil
}
