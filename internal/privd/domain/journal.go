package domain

import "time"

// Invocation outcomes as recorded in the journal.
const (
	OutcomeOK              = "ok"
	OutcomeNonzero         = "nonzero"
	OutcomeRejected        = "rejected"
	OutcomeNotFound        = "not_found"
	OutcomeElevationFailed = "elevation_failed"
	OutcomeTimeout         = "timeout"
	OutcomeError           = "error"
)

// JournalEntry is one privileged invocation as persisted by the store.
type JournalEntry struct {
	ID         string
	Action     string
	Args       []string
	User       string
	ExitCode   int
	Outcome    string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

func (e *JournalEntry) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}
