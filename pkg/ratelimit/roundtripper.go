// SPDX-License-Identifier: AGPL-3.0-only

package ratelimit

import (
	"net/http"

	"github.com/pkg/errors"
)

// ServiceNameFunc maps an outgoing request to the service it's sent to.
type ServiceNameFunc func(*http.Request) string

// HostServiceName uses the request host as service name.
func HostServiceName(req *http.Request) string {
	return req.URL.Host
}

type roundTripper struct {
	next        http.RoundTripper
	registry    *Registry
	serviceName ServiceNameFunc
}

// NewRoundTripper returns a RoundTripper waiting for the limiter of the
// request's service before sending it, and reporting the response back to the
// limiter. It doesn't retry throttled requests. A nil next means http.DefaultTransport.
func NewRoundTripper(next http.RoundTripper, registry *Registry, serviceName ServiceNameFunc) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	if serviceName == nil {
		serviceName = HostServiceName
	}
	return &roundTripper{next: next, registry: registry, serviceName: serviceName}
}

func (t *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	limiter := t.registry.Get(t.serviceName(req))
	if err := limiter.Wait(req.Context()); err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, errors.Wrap(err, "rate limited")
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	limiter.OnHTTPResponse(resp.StatusCode, resp.Header.Get("Retry-After"))
	return resp, nil
}
