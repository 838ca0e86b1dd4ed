package request

import (
	"context"
	"net/http"
)

type Context struct {
	request        *http.Request
	responseWriter http.ResponseWriter

	endpoint string
	group    string
}

func NewContext(request *http.Request, response http.ResponseWriter, endpoint string) *Context {
	return &Context{
		request:        request,
		responseWriter: response,
		endpoint:       endpoint,
	}
}

func (c *Context) Request() *http.Request {
	return c.request
}

func (c *Context) ResponseWriter() http.ResponseWriter {
	return c.responseWriter
}

func (c *Context) SetResponseWriter(writer http.ResponseWriter) {
	c.responseWriter = writer
}

func (c *Context) Endpoint() string {
	return c.endpoint
}

// Group is the rate limit group assigned by the classification
// middleware, empty until then.
func (c *Context) Group() string {
	return c.group
}

func (c *Context) SetGroup(group string) {
	c.group = group
}

func (c *Context) Context() context.Context {
	return c.request.Context()
}

func (c *Context) SetContext(ctx context.Context) {
	c.request = c.request.WithContext(ctx)
}
