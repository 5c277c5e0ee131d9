package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{
			name: "smtp service unavailable",
			err:  &textproto.Error{Code: 421, Msg: "service not available"},
			want: KindTransient,
		},
		{
			name: "smtp mailbox busy",
			err:  &textproto.Error{Code: 450, Msg: "mailbox busy"},
			want: KindTransient,
		},
		{
			name: "smtp mailbox unavailable",
			err:  &textproto.Error{Code: 550, Msg: "no such user"},
			want: KindPermanent,
		},
		{
			name: "smtp transaction failed",
			err:  &textproto.Error{Code: 554, Msg: "transaction failed"},
			want: KindPermanent,
		},
		{
			name: "smtp bad credentials",
			err:  &textproto.Error{Code: 535, Msg: "authentication credentials invalid"},
			want: KindAuth,
		},
		{
			name: "smtp auth required",
			err:  &textproto.Error{Code: 530, Msg: "authentication required"},
			want: KindAuth,
		},
		{
			name: "smtp temporary auth failure",
			err:  &textproto.Error{Code: 454, Msg: "temporary authentication failure"},
			want: KindAuth,
		},
		{
			name: "wrapped smtp error",
			err:  fmt.Errorf("smtp: failed to send to a@example.com: %w", &textproto.Error{Code: 550, Msg: "no"}),
			want: KindPermanent,
		},
		{
			name: "gmail unauthorized",
			err:  &googleapi.Error{Code: 401, Message: "invalid credentials"},
			want: KindAuth,
		},
		{
			name: "gmail forbidden",
			err:  &googleapi.Error{Code: 403, Message: "forbidden"},
			want: KindAuth,
		},
		{
			name: "gmail user rate limit",
			err: &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{
				{Reason: "userRateLimitExceeded"},
			}},
			want: KindTransient,
		},
		{
			name: "gmail too many requests",
			err:  &googleapi.Error{Code: 429},
			want: KindTransient,
		},
		{
			name: "gmail backend error",
			err:  &googleapi.Error{Code: 503},
			want: KindTransient,
		},
		{
			name: "gmail bad request",
			err:  &googleapi.Error{Code: 400},
			want: KindPermanent,
		},
		{
			name: "network timeout",
			err:  timeoutErr{},
			want: KindTransient,
		},
		{
			name: "connection reset",
			err:  syscall.ECONNRESET,
			want: KindTransient,
		},
		{
			name: "connection refused",
			err:  syscall.ECONNREFUSED,
			want: KindTransient,
		},
		{
			name: "eof",
			err:  io.EOF,
			want: KindTransient,
		},
		{
			name: "context canceled",
			err:  context.Canceled,
			want: KindTransient,
		},
		{
			name: "resend unauthorized text",
			err:  errors.New("resend: failed to send email: unauthorized"),
			want: KindAuth,
		},
		{
			name: "resend validation text",
			err:  errors.New("resend: failed to send email: validation_error: invalid `to` field"),
			want: KindPermanent,
		},
		{
			name: "unknown error",
			err:  errors.New("something odd happened"),
			want: KindTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, Classify(tt.err), "error: %v", tt.err)
		})
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "transient", KindTransient.String())
	assert.Equal(t, "permanent", KindPermanent.String())
	assert.Equal(t, "auth", KindAuth.String())
}

func TestIsDisconnect(t *testing.T) {
	t.Parallel()

	assert.True(t, isDisconnect(io.EOF))
	assert.True(t, isDisconnect(syscall.ECONNRESET))
	assert.True(t, isDisconnect(&textproto.Error{Code: 421, Msg: "closing channel"}))
	assert.False(t, isDisconnect(&textproto.Error{Code: 550, Msg: "no such user"}))
	assert.False(t, isDisconnect(errors.New("some other failure")))
}
