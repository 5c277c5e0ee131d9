package email

import (
	"bytes"
	"context"
	"io"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

// fakeConn implements gomail.SendCloser, recording envelopes and returning
// scheduled errors in call order.
type fakeConn struct {
	sendErrs []error
	froms    []string
	tos      [][]string
	bodies   []string
	closed   int
}

func (f *fakeConn) Send(from string, to []string, msg io.WriterTo) error {
	call := len(f.froms)
	f.froms = append(f.froms, from)
	f.tos = append(f.tos, append([]string(nil), to...))

	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		return err
	}
	f.bodies = append(f.bodies, buf.String())

	if call < len(f.sendErrs) && f.sendErrs[call] != nil {
		return f.sendErrs[call]
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.closed++
	return nil
}

func newTestSender(conns ...*fakeConn) (*SMTPSender, *int) {
	s := NewSMTPSender(SMTPConfig{
		Host: "smtp.example.com",
		Port: 465,
		From: "Ops <ops@example.com>",
		SSL:  true,
	})

	dials := 0
	s.dial = func() (gomail.SendCloser, error) {
		if dials >= len(conns) {
			return nil, io.EOF
		}
		conn := conns[dials]
		dials++
		return conn, nil
	}
	return s, &dials
}

func testMessage() *Message {
	return &Message{To: "alice@example.com", Subject: "Hi", TextBody: "Hello"}
}

func TestSMTPSendReusesSession(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	s, dials := newTestSender(conn)

	require.NoError(t, s.Send(context.Background(), testMessage()))
	require.NoError(t, s.Send(context.Background(), testMessage()))

	assert.Equal(t, 1, *dials)
	require.Len(t, conn.froms, 2)
	// The envelope sender is the bare address, not the display form
	assert.Equal(t, "ops@example.com", conn.froms[0])
	assert.Equal(t, []string{"alice@example.com"}, conn.tos[0])
	assert.Contains(t, conn.bodies[0], "Hello")
}

func TestSMTPVerifyKeepsSession(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	s, dials := newTestSender(conn)

	require.NoError(t, s.Verify(context.Background()))
	require.NoError(t, s.Verify(context.Background()))
	require.NoError(t, s.Send(context.Background(), testMessage()))

	assert.Equal(t, 1, *dials)
	assert.Len(t, conn.froms, 1)
}

func TestSMTPVerifyDialError(t *testing.T) {
	t.Parallel()

	s, _ := newTestSender() // no conns: every dial fails
	err := s.Verify(context.Background())
	require.Error(t, err)
	assert.Nil(t, s.conn)
}

func TestSMTPSendFailureDropsSession(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{sendErrs: []error{&textproto.Error{Code: 550, Msg: "no such user"}}}
	s, _ := newTestSender(conn)

	err := s.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Equal(t, KindPermanent, Classify(err))
	assert.Equal(t, 1, conn.closed)
	assert.Nil(t, s.conn)
}

func TestSMTPSendReconnectsDroppedSession(t *testing.T) {
	t.Parallel()

	first := &fakeConn{}
	second := &fakeConn{}
	s, dials := newTestSender(first, second)

	// Establish the session, then have the server drop it
	require.NoError(t, s.Send(context.Background(), testMessage()))
	first.sendErrs = []error{nil, io.EOF}

	require.NoError(t, s.Send(context.Background(), testMessage()))

	assert.Equal(t, 2, *dials)
	assert.Len(t, first.froms, 2)
	assert.Len(t, second.froms, 1)
	assert.Equal(t, 1, first.closed)
	assert.NotNil(t, s.conn)
}

func TestSMTPSendNoReconnectOnFreshSession(t *testing.T) {
	t.Parallel()

	// A brand-new session that immediately EOFs is not retried within the
	// same call
	conn := &fakeConn{sendErrs: []error{io.EOF}}
	s, dials := newTestSender(conn, &fakeConn{})

	err := s.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Equal(t, 1, *dials)
	assert.Nil(t, s.conn)
}

func TestSMTPSendCanceledContext(t *testing.T) {
	t.Parallel()

	s, dials := newTestSender(&fakeConn{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Send(ctx, testMessage())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, *dials)
}

func TestSMTPDialTimeout(t *testing.T) {
	t.Parallel()

	s := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", Port: 465, DialTimeout: 20 * time.Millisecond})
	s.dial = func() (gomail.SendCloser, error) {
		time.Sleep(200 * time.Millisecond)
		return &fakeConn{}, nil
	}

	err := s.Verify(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestSMTPClose(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	s, _ := newTestSender(conn)

	require.NoError(t, s.Verify(context.Background()))
	require.NoError(t, s.Close())
	assert.Equal(t, 1, conn.closed)

	// Closing again is a no-op
	require.NoError(t, s.Close())
	assert.Equal(t, 1, conn.closed)
}
