package discovery

// Progress event statuses, emitted in order. The sequence for one run is
// append-only and never restarts: starting, phase1..phase4, then complete or
// error.
const (
	StatusStarting = "starting"
	StatusPhase1   = "phase1"
	StatusPhase2   = "phase2"
	StatusPhase3   = "phase3"
	StatusPhase4   = "phase4"
	StatusComplete = "complete"
	StatusError    = "error"
)

// Counts is the cumulative progress snapshot carried on every event.
type Counts struct {
	QuotaUsed      int `json:"quota_used"`
	ItemsFound     int `json:"items_found"`
	ItemsMatched   int `json:"items_matched"`
	SourcesTouched int `json:"sources_touched"`
}

// Event is one entry in a run's progress stream.
type Event struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Counts  Counts `json:"cumulative_counts"`
}

// Sink receives progress events. Implementations must not block: the run
// keeps executing and accounting regardless of what consumers do with the
// stream.
type Sink interface {
	Emit(event Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Emit calls the wrapped function.
func (f SinkFunc) Emit(event Event) {
	f(event)
}
