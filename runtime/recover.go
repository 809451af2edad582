// Package runtime provides panic containment helpers for long-lived
// background goroutines. A panic in one dispatch cycle must not take down
// the process that hosts the dispatcher.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/relaypoint/outbox/log"
)

// RecoverAndLog recovers a panic, logging it with the component and
// operation that panicked plus the stack trace. Use it via defer at the top
// of goroutines and loop bodies that must keep running.
func RecoverAndLog(ctx context.Context, logger log.Logger, component, operation string) {
	recovered := recover()
	if recovered == nil {
		return
	}

	if logger == nil {
		logger = log.NewNop()
	}

	logger.Log(
		ctx,
		log.LevelError,
		"recovered from panic",
		log.String("component", component),
		log.String("operation", operation),
		log.String("panic", fmt.Sprintf("%v", recovered)),
		log.String("stack", string(debug.Stack())),
	)
}

// SafeGo runs fn in a new goroutine, recovering and logging any panic.
func SafeGo(logger log.Logger, component, operation string, fn func()) {
	go func() {
		defer RecoverAndLog(context.Background(), logger, component, operation)

		fn()
	}()
}
