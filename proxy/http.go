package proxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/txix-open/isp-kit/requestid"
	"golang.org/x/net/context"
	"quota-gate-service/httperrors"
	"quota-gate-service/request"
)

const (
	requestIdHeader = "x-request-id"
)

type HttpHostManager interface {
	Next() (string, error)
}

type Http struct {
	hostManager HttpHostManager
	scheme      string
	timeout     time.Duration
}

func NewHttp(hostManager HttpHostManager, scheme string, timeout time.Duration) Http {
	return Http{
		hostManager: hostManager,
		scheme:      scheme,
		timeout:     timeout,
	}
}

func (p Http) Handle(ctx *request.Context) error {
	host, err := p.hostManager.Next()
	if err != nil {
		return errors.WithMessage(err, "http: next host")
	}

	rawUrl := fmt.Sprintf("%s://%s", p.scheme, host)
	target, err := url.Parse(rawUrl)
	if err != nil {
		return errors.WithMessage(err, "http: parse url")
	}

	req := ctx.Request()
	req.URL.Path = ctx.Endpoint()
	req.Header.Set(requestIdHeader, requestid.FromContext(ctx.Context()))

	reverseProxy := httputil.NewSingleHostReverseProxy(target)
	var resultError error
	reverseProxy.ErrorHandler = func(writer http.ResponseWriter, request *http.Request, err error) {
		resultError = httperrors.New(
			http.StatusServiceUnavailable,
			"upstream is not available",
			errors.WithMessagef(err, "http proxy to %s", host),
		)
	}

	context, cancel := context.WithTimeout(req.Context(), p.timeout)
	defer cancel()
	req = req.WithContext(context)
	reverseProxy.ServeHTTP(ctx.ResponseWriter(), req)

	return resultError
}
