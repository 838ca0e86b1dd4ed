package middleware

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"quota-gate-service/httperrors"
	"quota-gate-service/request"
)

type DailyLimitChecker interface {
	IncrementAndCheck(ctx context.Context, group string) (bool, error)
}

func DailyLimit(checker DailyLimitChecker) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *request.Context) error {
			ok, err := checker.IncrementAndCheck(ctx.Context(), ctx.Group())
			if err != nil {
				return errors.WithMessage(err, "daily limit: increment and check")
			}
			if !ok {
				return httperrors.New(
					http.StatusTooManyRequests,
					"daily requests limit has been reached",
					errors.Errorf("daily limit: daily requests limit has been reached for group '%s'", ctx.Group()),
				)
			}

			return next.Handle(ctx)
		})
	}
}
