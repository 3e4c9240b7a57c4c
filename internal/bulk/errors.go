package bulk

import "fmt"

// PreauthNotApprovedError is returned when the poll budget is
// exhausted without the preauthorization reaching the approved state.
type PreauthNotApprovedError struct {
	LastState string
	Attempts  int
}

func (e *PreauthNotApprovedError) Error() string {
	state := e.LastState
	if state == "" {
		state = "unknown"
	}
	return fmt.Sprintf("preauthorization not approved after %d attempts, last state: %s", e.Attempts, state)
}

// ExtractionError is returned when a successful submission response
// carries no extractable claim identifier. It is terminal for the
// record, not retryable.
type ExtractionError struct {
	Detail string
}

func (e *ExtractionError) Error() string {
	return "no claim id in submission response: " + e.Detail
}
