package middleware

import (
	"quota-gate-service/request"
)

type Classifier interface {
	Classify(endpointPath string, httpMethod string) string
}

// Classify assigns the rate limit group once per request, downstream
// middlewares read it from the context.
func Classify(classifier Classifier) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *request.Context) error {
			ctx.SetGroup(classifier.Classify(ctx.Endpoint(), ctx.Request().Method))
			return next.Handle(ctx)
		})
	}
}
