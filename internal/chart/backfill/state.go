package backfill

// Phase is the backfill sub-state of a session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	// PhaseExhausted means the history API returned no older data.
	PhaseExhausted
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseExhausted:
		return "exhausted"
	default:
		return "idle"
	}
}

// State is a read-only view of the loader bookkeeping.
type State struct {
	OldestLoaded      *int64 // seconds
	CurrentStart      *int64 // seconds, start of the last requested window
	ChunkIndex        int
	ChunkSize         int
	BackfilledChunks  int
	MaxBackfillChunks int
	Phase             Phase
}

func (s State) IsLoading() bool {
	return s.Phase == PhaseLoading
}

func (s State) NoMoreData() bool {
	return s.Phase == PhaseExhausted
}

// CapReached reports whether the session used up its older-chunk budget.
func (s State) CapReached() bool {
	return s.BackfilledChunks >= s.MaxBackfillChunks
}
