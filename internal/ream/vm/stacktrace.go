package vm

import gostack "github.com/go-stack/stack"

// captureStack renders the calling Go goroutine's stack, attached to
// Faults so an operator debugging a crashed
// actor does not have to reproduce it under a Go-level debugger.
func captureStack() string {
	trace := gostack.Trace().TrimRuntime()
	if len(trace) > 8 {
		trace = trace[:8]
	}
	return trace.String()
}
