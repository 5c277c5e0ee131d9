package email

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachmentFromFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	pdf := filepath.Join(dir, "invoice.pdf")
	require.NoError(t, os.WriteFile(pdf, []byte("%PDF-1.4 fake"), 0o600))

	att, err := AttachmentFromFile(pdf)
	require.NoError(t, err)
	assert.Equal(t, "invoice.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.ContentType)
	assert.Equal(t, []byte("%PDF-1.4 fake"), att.Content)
}

func TestAttachmentFromFileUnknownType(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "blob.qqq")
	require.NoError(t, os.WriteFile(path, []byte{0x01, 0x02}, 0o600))

	att, err := AttachmentFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", att.ContentType)
}

func TestAttachmentFromFileMissing(t *testing.T) {
	t.Parallel()

	_, err := AttachmentFromFile(filepath.Join(t.TempDir(), "nope.pdf"))
	assert.Error(t, err)
}

func TestCompose(t *testing.T) {
	t.Parallel()

	msg := &Message{
		To:       "alice@example.com",
		Subject:  "Hello",
		TextBody: "Hi Alice",
		Headers:  map[string]string{"Message-ID": "<run-1@example.com>"},
		Attachments: []Attachment{
			{Filename: "notes.txt", ContentType: "text/plain", Content: []byte("some notes")},
		},
	}

	var buf bytes.Buffer
	_, err := compose("Ops <ops@example.com>", msg).WriteTo(&buf)
	require.NoError(t, err)

	raw := buf.String()
	assert.Contains(t, raw, "From: Ops <ops@example.com>")
	assert.Contains(t, raw, "To: alice@example.com")
	assert.Contains(t, raw, "Subject: Hello")
	assert.Contains(t, raw, "Message-ID: <run-1@example.com>")
	assert.Contains(t, raw, "Hi Alice")
	assert.Contains(t, raw, "Content-Disposition: attachment")
	assert.Contains(t, raw, "notes.txt")
}
