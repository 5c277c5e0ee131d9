package mailer

import "time"

// Status describes how a recipient ended up.
type Status string

const (
	// StatusSent means the provider accepted the message.
	StatusSent Status = "sent"
	// StatusSkipped means a dry run rendered the message but sent nothing.
	StatusSkipped Status = "skipped"
	// StatusFailedValidation means the row had a missing or invalid email.
	StatusFailedValidation Status = "failed_validation"
	// StatusFailedTemplate means the template could not be rendered for
	// this recipient.
	StatusFailedTemplate Status = "failed_template"
	// StatusFailedPermanent means the provider rejected the message with no
	// point in retrying.
	StatusFailedPermanent Status = "failed_permanent"
	// StatusFailedRetries means every attempt failed with a transient error.
	StatusFailedRetries Status = "failed_retries"
	// StatusAborted means the batch stopped before this recipient was
	// delivered.
	StatusAborted Status = "aborted"
)

// Failed reports whether the status counts as a failure in the summary.
func (s Status) Failed() bool {
	switch s {
	case StatusFailedValidation, StatusFailedTemplate, StatusFailedPermanent, StatusFailedRetries, StatusAborted:
		return true
	}
	return false
}

// Outcome records the result for one recipient. A finished batch yields
// exactly one outcome per input row, in input order.
type Outcome struct {
	Row      int
	Email    string
	Status   Status
	Attempts int
	// Err holds the final error for failed statuses
	Err error
	// Subject and Body hold the rendered message on dry runs
	Subject string
	Body    string
}

// Summary aggregates a finished batch.
type Summary struct {
	Total   int
	Sent    int
	Skipped int
	Failed  int
	// ByStatus holds the count for every status that occurred
	ByStatus map[Status]int
	Duration time.Duration
}

// Summarize counts outcomes into a Summary.
func Summarize(outcomes []Outcome, duration time.Duration) Summary {
	s := Summary{
		Total:    len(outcomes),
		ByStatus: make(map[Status]int),
		Duration: duration,
	}
	for _, o := range outcomes {
		s.ByStatus[o.Status]++
		switch {
		case o.Status == StatusSent:
			s.Sent++
		case o.Status == StatusSkipped:
			s.Skipped++
		case o.Status.Failed():
			s.Failed++
		}
	}
	return s
}
