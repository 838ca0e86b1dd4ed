package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/tomakado/websocketproxy"
	"github.com/txix-open/isp-kit/requestid"
	"quota-gate-service/httperrors"
	"quota-gate-service/request"
)

type Ws struct {
	hostManager HttpHostManager
	scheme      string
}

func NewWs(hostManager HttpHostManager, scheme string) Ws {
	return Ws{
		hostManager: hostManager,
		scheme:      scheme,
	}
}

// Handle proxies a websocket upgrade to the upstream channel. Admission
// for the dual-limit websocket group already happened in the middleware
// chain, so the connection rate seen upstream never exceeds the quota.
//
//nolint:gomnd
func (ws Ws) Handle(ctx *request.Context) error {
	host, err := ws.hostManager.Next()
	if err != nil {
		return errors.WithMessage(err, "ws: next host")
	}

	rawUrl := fmt.Sprintf("%s://%s", ws.scheme, host)
	target, err := url.Parse(rawUrl)
	if err != nil {
		return errors.WithMessage(err, "ws: parse url")
	}

	req := ctx.Request()
	req.URL.Path = ctx.Endpoint()

	var resultError error
	proxy := websocketproxy.NewProxy(target)
	proxy.Director = func(incoming *http.Request, out http.Header) {
		out.Set(requestIdHeader, requestid.FromContext(ctx.Context()))
	}
	proxy.Upgrader = &websocket.Upgrader{
		HandshakeTimeout: 5 * time.Second,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			resultError = httperrors.New(
				http.StatusServiceUnavailable,
				"upstream is not available",
				errors.WithMessagef(reason, "ws proxy to %s", host),
			)
		},
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	proxy.ServeHTTP(ctx.ResponseWriter(), ctx.Request())

	return resultError
}
