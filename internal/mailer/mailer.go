package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mailrun/mailrun/internal/email"
	"github.com/mailrun/mailrun/internal/logger"
	"github.com/mailrun/mailrun/internal/recipient"
	"github.com/mailrun/mailrun/internal/render"
)

// maxBackoff caps the doubling retry delay.
const maxBackoff = 30 * time.Second

// Options tunes a batch run.
type Options struct {
	// MaxRetries is the number of additional attempts after a transient
	// failure
	MaxRetries int
	// Backoff is the delay before the first retry; it doubles per attempt
	Backoff time.Duration
	// Rate limits send attempts per second; zero disables the limiter
	Rate float64
	// Concurrency above 1 sends with a bounded worker pool
	Concurrency int
	// DryRun renders everything and sends nothing
	DryRun bool
	// SenderAddress supplies the Message-ID domain
	SenderAddress string
}

// Mailer drives one batch: validate, render, send with retries, and record
// an outcome per recipient.
type Mailer struct {
	sender   email.Sender
	renderer *render.Renderer
	log      *logger.Logger
	opts     Options
	limiter  *rate.Limiter
	domain   string
}

// New creates a Mailer. The sender's Verify, when implemented, runs once
// before the first recipient.
func New(sender email.Sender, renderer *render.Renderer, log *logger.Logger, opts Options) *Mailer {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	var limiter *rate.Limiter
	if opts.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}

	domain := "localhost"
	if at := strings.LastIndex(opts.SenderAddress, "@"); at >= 0 && at+1 < len(opts.SenderAddress) {
		domain = opts.SenderAddress[at+1:]
	}

	return &Mailer{
		sender:   sender,
		renderer: renderer,
		log:      log,
		opts:     opts,
		limiter:  limiter,
		domain:   domain,
	}
}

// Run processes every recipient and returns one outcome per input row, in
// input order. The returned error is non-nil only when the batch aborted
// before reaching the end; outcomes still cover every row.
func (m *Mailer) Run(ctx context.Context, recipients []recipient.Recipient) ([]Outcome, error) {
	outcomes := make([]Outcome, len(recipients))
	if len(recipients) == 0 {
		m.log.Info().Msg("no recipients to process")
		return outcomes, nil
	}

	for addr, rows := range recipient.Duplicates(recipients) {
		m.log.Warn().Str("email", addr).Ints("rows", rows).Msg("duplicate recipient, will be sent more than once")
	}

	if !m.opts.DryRun {
		if v, ok := m.sender.(email.Verifier); ok {
			if err := v.Verify(ctx); err != nil {
				m.log.Error().Err(err).Msg("sender verification failed")
				for i, rcpt := range recipients {
					outcomes[i] = abortedOutcome(rcpt)
				}
				return outcomes, fmt.Errorf("sender verification failed: %w", err)
			}
		}
	}

	if m.opts.Concurrency > 1 {
		return m.runConcurrent(ctx, recipients, outcomes)
	}

	var abortErr error
	for i, rcpt := range recipients {
		if abortErr != nil {
			outcomes[i] = abortedOutcome(rcpt)
			continue
		}
		outcomes[i], abortErr = m.process(ctx, rcpt)
	}
	if abortErr != nil {
		return outcomes, fmt.Errorf("batch aborted: %w", abortErr)
	}
	return outcomes, nil
}

// runConcurrent fans recipients out over a bounded worker pool. Outcomes
// land at their input index, so order is preserved regardless of completion
// order.
func (m *Mailer) runConcurrent(ctx context.Context, recipients []recipient.Recipient, outcomes []Outcome) ([]Outcome, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)

	for i, rcpt := range recipients {
		g.Go(func() error {
			if gctx.Err() != nil {
				outcomes[i] = abortedOutcome(rcpt)
				return nil
			}
			var err error
			outcomes[i], err = m.process(gctx, rcpt)
			return err
		})
	}

	err := g.Wait()
	if err != nil {
		for i, rcpt := range recipients {
			if outcomes[i].Status == "" {
				outcomes[i] = abortedOutcome(rcpt)
			}
		}
		return outcomes, fmt.Errorf("batch aborted: %w", err)
	}
	return outcomes, nil
}

func abortedOutcome(rcpt recipient.Recipient) Outcome {
	return Outcome{Row: rcpt.Row, Email: rcpt.Email, Status: StatusAborted}
}

// process takes one recipient from validation through delivery. The second
// return value is non-nil when the whole batch has to stop.
func (m *Mailer) process(ctx context.Context, rcpt recipient.Recipient) (Outcome, error) {
	log := m.log.With().Int("row", rcpt.Row).Str("email", rcpt.Email).Logger()
	out := Outcome{Row: rcpt.Row, Email: rcpt.Email}

	if err := rcpt.Validate(); err != nil {
		log.Warn().Err(err).Msg("skipping row with bad email")
		out.Status = StatusFailedValidation
		out.Err = err
		return out, nil
	}

	subject, err := m.renderer.Subject(rcpt)
	if err != nil {
		log.Warn().Err(err).Msg("failed to render subject")
		out.Status = StatusFailedTemplate
		out.Err = err
		return out, nil
	}
	body, err := m.renderer.Body(rcpt)
	if err != nil {
		log.Warn().Err(err).Msg("failed to render body")
		out.Status = StatusFailedTemplate
		out.Err = err
		return out, nil
	}

	msg := &email.Message{
		To:       rcpt.Email,
		Subject:  subject,
		TextBody: body,
		Headers: map[string]string{
			"Message-ID": fmt.Sprintf("<%s@%s>", uuid.NewString(), m.domain),
		},
	}

	if rcpt.Attachment != "" {
		att, err := email.AttachmentFromFile(rcpt.Attachment)
		if err != nil {
			// Matches the CSV contract: a missing attachment downgrades to
			// sending without it
			log.Warn().Err(err).Str("attachment", rcpt.Attachment).Msg("attachment unavailable, sending without it")
		} else {
			msg.Attachments = append(msg.Attachments, att)
		}
	}

	if m.opts.DryRun {
		log.Info().Str("subject", subject).Msg("dry run, not sending")
		out.Status = StatusSkipped
		out.Subject = subject
		out.Body = body
		return out, nil
	}

	attempts, err := m.sendWithRetry(ctx, log, msg)
	out.Attempts = attempts

	switch {
	case err == nil:
		out.Status = StatusSent
		log.Info().Int("attempts", attempts).Msg("email sent")
		return out, nil

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		out.Status = StatusAborted
		out.Err = err
		return out, err
	}

	out.Err = err
	switch email.Classify(err) {
	case email.KindAuth:
		out.Status = StatusAborted
		log.Error().Err(err).Msg("authentication failed, aborting batch")
		return out, err
	case email.KindPermanent:
		out.Status = StatusFailedPermanent
		log.Error().Err(err).Int("attempts", attempts).Msg("permanent failure, not retrying")
	default:
		out.Status = StatusFailedRetries
		log.Error().Err(err).Int("attempts", attempts).Msg("giving up after retries")
	}
	return out, nil
}

// sendWithRetry attempts delivery until it succeeds, fails permanently, or
// runs out of retries. It returns the number of attempts made.
func (m *Mailer) sendWithRetry(ctx context.Context, log zerolog.Logger, msg *email.Message) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	backoff := m.opts.Backoff
	var lastErr error

	for attempt := 1; attempt <= m.opts.MaxRetries+1; attempt++ {
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				return attempt - 1, err
			}
		}

		log.Debug().Int("attempt", attempt).Msg("sending email")
		err := m.sender.Send(ctx, msg)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if kind := email.Classify(err); kind != email.KindTransient {
			return attempt, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return attempt, err
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("send attempt failed")

		if attempt > m.opts.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return attempt, ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return m.opts.MaxRetries + 1, lastErr
}
