// Package safego runs background goroutines that log panics instead of
// taking the process down.
package safego

import (
	"context"
	"net/http"
	"runtime"

	runtimeutil "k8s.io/apimachinery/pkg/util/runtime"

	"docsync/internal/logging"
)

func init() {
	runtimeutil.ReallyCrash = false
	runtimeutil.PanicHandlers = []func(context.Context, any){logPanic}
}

func logPanic(_ context.Context, r any) {
	if r == http.ErrAbortHandler { // nolint:errorlint
		return
	}

	const size = 64 << 10
	stacktrace := make([]byte, size)
	stacktrace = stacktrace[:runtime.Stack(stacktrace, false)]
	if _, ok := r.(string); ok {
		logging.Errorf("Observed a panic: %s\n%s", r, stacktrace)
	} else {
		logging.Errorf("Observed a panic: %#v (%v)\n%s", r, r, stacktrace)
	}
}

// Go runs f on a new goroutine. A panic in f is logged and swallowed.
func Go(f func()) {
	go func() {
		defer runtimeutil.HandleCrash()

		f()
	}()
}

// Run calls f on the current goroutine. A panic in f is logged and swallowed.
func Run(f func()) {
	defer runtimeutil.HandleCrash()

	f()
}
