package reconcile

// State is a step of the per-event reconciliation machine
type State string

const (
	StateReceived          State = "received"
	StateTokenAcquired     State = "token_acquired"
	StateActivityFetched   State = "activity_fetched"
	StateSportFiltered     State = "sport_filtered"
	StateMatched           State = "matched"
	StateUnmatched         State = "unmatched"
	StateSessionReconciled State = "session_reconciled"

	// terminal
	StateNotified State = "notified"
	StateSkipped  State = "skipped"
	StateDeleted  State = "deleted"
	StateError    State = "error"
	StateAborted  State = "aborted"
	StateIgnored  State = "ignored"
)

// Terminal reports whether no further step follows s
func (s State) Terminal() bool {
	switch s {
	case StateNotified, StateSkipped, StateDeleted, StateError, StateAborted, StateIgnored:
		return true
	}
	return false
}
