package analysis

// Batch progress statuses. The sequence a consumer observes is append-only:
// it begins with starting and ends with exactly one complete or error.
const (
	StatusStarting = "starting"
	StatusComplete = "complete"
	StatusError    = "error"
)

// Counts is the cumulative progress snapshot attached to every event.
type Counts struct {
	Claimed   int     `json:"claimed"`
	Analyzed  int     `json:"analyzed"`
	Confirmed int     `json:"confirmed"`
	Failed    int     `json:"failed"`
	Skipped   int     `json:"skipped"`
	SpentUSD  float64 `json:"spent_usd"`
}

// Event is one entry in a batch's progress sequence.
type Event struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Counts  Counts `json:"cumulative_counts"`
}

// Sink consumes a batch's progress events. Implementations must not block:
// the batch keeps executing and accounting regardless of what consumers do.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Emit(event Event) {
	f(event)
}
