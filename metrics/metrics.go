package metrics

import "time"

// Event names recorded by the payment flow.
const (
	EventStepStarted   = "step_started"
	EventStepSucceeded = "step_succeeded"
	EventStepFailed    = "step_failed"
	EventPollTick      = "poll_tick"
	EventPollSkipped   = "poll_skipped"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
