// Package sink delivers rendered payloads to the destination channel and
// classifies every attempt as Success, Retryable or Fatal. No error escapes a
// sink: the engine decides what to do from the Result alone.
package sink

import (
	"context"
	"fmt"
	"time"

	"postbridge/internal/render"
)

type Outcome int

const (
	Success Outcome = iota
	Retryable
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes one delivery attempt.
type Result struct {
	Outcome Outcome
	// Status is the destination's status code when one was received.
	Status int
	// RetryAfter is the destination's hint for Retryable results (0 if none).
	RetryAfter time.Duration
	Err        error
}

// Sink is a destination channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, p render.Payload) Result
}

func ok(status int) Result { return Result{Outcome: Success, Status: status} }

func retry(status int, after time.Duration, err error) Result {
	return Result{Outcome: Retryable, Status: status, RetryAfter: after, Err: err}
}

func fatal(status int, err error) Result {
	return Result{Outcome: Fatal, Status: status, Err: err}
}
