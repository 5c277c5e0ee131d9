package email

import "context"

// Sender is the interface that all email providers must implement.
// This abstraction allows swapping email providers (SMTP, Gmail, Resend)
// without changing batch logic.
type Sender interface {
	// Send sends an email to the specified recipient.
	Send(ctx context.Context, msg *Message) error
}

// Verifier is implemented by senders that can check connectivity and
// credentials up front, before the batch starts.
type Verifier interface {
	Verify(ctx context.Context) error
}
