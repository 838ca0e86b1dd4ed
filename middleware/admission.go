package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"quota-gate-service/httperrors"
	"quota-gate-service/ratelimit"
	"quota-gate-service/request"
)

type AdmissionService interface {
	Acquire(ctx context.Context, group string, label string) error
	ReportViolation(group string)
}

// Admission holds the request until its group grants a slot, then
// watches the upstream status code: a 429 response feeds the violation
// loop so the granted rate shrinks before the next call.
func Admission(svc AdmissionService) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *request.Context) error {
			group := ctx.Group()
			err := svc.Acquire(ctx.Context(), group, ctx.Endpoint())
			switch {
			case err == nil:
			case errors.Is(err, ratelimit.ErrAcquireTimeout):
				return httperrors.New(
					http.StatusServiceUnavailable,
					"admission wait timed out, retry later",
					errors.WithMessagef(err, "admission: group '%s'", group),
				).WithRetryAfter(time.Second)
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return errors.WithMessage(err, "admission: wait cancelled")
			default:
				return errors.WithMessage(err, "admission: acquire")
			}

			var scSrc scSource
			writer, ok := ctx.ResponseWriter().(scSource)
			if ok {
				scSrc = writer
			} else {
				wrapper := &writerWrapper{ResponseWriter: ctx.ResponseWriter()}
				scSrc = wrapper
				ctx.SetResponseWriter(wrapper)
			}

			err = next.Handle(ctx)

			if scSrc.StatusCode() == http.StatusTooManyRequests {
				svc.ReportViolation(group)
			}
			return err
		})
	}
}
