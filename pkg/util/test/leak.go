// SPDX-License-Identifier: AGPL-3.0-only

package test

import (
	"testing"

	"go.uber.org/goleak"
)

// VerifyNoLeak fails the test if goroutines started during the test are still
// running once every other cleanup function has run.
func VerifyNoLeak(t testing.TB, extraOpts ...goleak.Option) {
	opts := append([]goleak.Option{
		// Idle keep-alive connections of the default transport used by httptest clients.
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	}, extraOpts...)

	// Run it as a cleanup function so that "last added, first called" ordering execution is guaranteed.
	t.Cleanup(func() {
		goleak.VerifyNone(t, opts...)
	})
}
