// SPDX-License-Identifier: AGPL-3.0-only

package instrumentation

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TracerTransport injects the trace context of the outgoing request into its
// headers before handing it to Next, or to http.DefaultTransport if Next is nil.
// Propagator defaults to the global OpenTelemetry propagator.
type TracerTransport struct {
	Next       http.RoundTripper
	Propagator propagation.TextMapPropagator
}

func (t TracerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	propagator := t.Propagator
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}

	// RoundTrippers must not modify the caller's request.
	req = req.Clone(req.Context())
	propagator.Inject(req.Context(), propagation.HeaderCarrier(req.Header))

	next := t.Next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(req)
}
