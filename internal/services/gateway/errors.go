package gateway

import "fmt"

// SubmissionError reports a rejected or unreachable job submission. It
// carries a human-readable message for inline display; no retry is
// attempted automatically.
type SubmissionError struct {
	Message    string
	StatusCode int // 0 when the platform was unreachable
}

func (e *SubmissionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("submission rejected (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("submission failed: %s", e.Message)
}
