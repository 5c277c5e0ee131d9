package render

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailrun/mailrun/internal/recipient"
)

func testRecipient() recipient.Recipient {
	return recipient.Recipient{
		Row:       2,
		Email:     "alice@example.com",
		FirstName: "Alice",
		LastName:  "Liddell",
		Fields: map[string]string{
			"email":      "alice@example.com",
			"first_name": "Alice",
			"last_name":  "Liddell",
			"account_id": "A-100",
		},
	}
}

func TestDefaultTemplate(t *testing.T) {
	t.Parallel()

	r, err := New(DefaultTemplate, "Automated message", "The Team")
	require.NoError(t, err)

	body, err := r.Body(testRecipient())
	require.NoError(t, err)
	assert.Contains(t, body, "Hello Alice,")
	assert.Contains(t, body, "Best regards,\nThe Team")

	subject, err := r.Subject(testRecipient())
	require.NoError(t, err)
	assert.Equal(t, "Automated message", subject)
}

func TestCustomColumns(t *testing.T) {
	t.Parallel()

	r, err := New("Account {{.account_id}} belongs to {{.first_name}} {{.last_name}}", "Re: {{.account_id}}", "Ops")
	require.NoError(t, err)

	body, err := r.Body(testRecipient())
	require.NoError(t, err)
	assert.Equal(t, "Account A-100 belongs to Alice Liddell", body)

	subject, err := r.Subject(testRecipient())
	require.NoError(t, err)
	assert.Equal(t, "Re: A-100", subject)
}

func TestSprigFunctions(t *testing.T) {
	t.Parallel()

	r, err := New(`{{.first_name | upper}} / {{default "friend" .nickname}}`, "s", "Ops")
	require.NoError(t, err)

	rcpt := testRecipient()
	rcpt.Fields["nickname"] = ""
	body, err := r.Body(rcpt)
	require.NoError(t, err)
	assert.Equal(t, "ALICE / friend", body)
}

func TestRenderIsDeterministic(t *testing.T) {
	t.Parallel()

	r, err := New("Hi {{.first_name}}, account {{.account_id}}", "Re: {{.last_name}}", "Ops")
	require.NoError(t, err)

	first, err := r.Body(testRecipient())
	require.NoError(t, err)
	second, err := r.Body(testRecipient())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	subjFirst, err := r.Subject(testRecipient())
	require.NoError(t, err)
	subjSecond, err := r.Subject(testRecipient())
	require.NoError(t, err)
	assert.Equal(t, subjFirst, subjSecond)
}

func TestMissingFieldFailsRender(t *testing.T) {
	t.Parallel()

	r, err := New("Hi {{.no_such_column}}", "s", "Ops")
	require.NoError(t, err)

	_, err = r.Body(testRecipient())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_column")
}

func TestStandardFieldsWinOverCSV(t *testing.T) {
	t.Parallel()

	r, err := New("From {{.sender_name}}", "s", "Real Sender")
	require.NoError(t, err)

	rcpt := testRecipient()
	rcpt.Fields["sender_name"] = "Spoofed"
	body, err := r.Body(rcpt)
	require.NoError(t, err)
	assert.Equal(t, "From Real Sender", body)
}

func TestStandardFieldsAlwaysPresent(t *testing.T) {
	t.Parallel()

	// A CSV with only an email column still renders the built-in template
	r, err := New(DefaultTemplate, "s", "Ops")
	require.NoError(t, err)

	body, err := r.Body(recipient.Recipient{Email: "bob@example.com"})
	require.NoError(t, err)
	assert.Contains(t, body, "Hello ,")
}

func TestSubjectCollapsesNewlines(t *testing.T) {
	t.Parallel()

	r, err := New("b", "Two\nLines", "Ops")
	require.NoError(t, err)

	subject, err := r.Subject(testRecipient())
	require.NoError(t, err)
	assert.Equal(t, "Two Lines", subject)
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	_, err := New("{{.unclosed", "s", "Ops")
	assert.Error(t, err)

	_, err = New("ok", "{{bogus}}", "Ops")
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "body.tmpl")
	require.NoError(t, os.WriteFile(path, []byte("Dear {{.first_name}}"), 0o600))

	r, err := Load(path, "s", "Ops")
	require.NoError(t, err)
	body, err := r.Body(testRecipient())
	require.NoError(t, err)
	assert.Equal(t, "Dear Alice", body)

	// Empty path selects the built-in template
	r, err = Load("", "s", "Ops")
	require.NoError(t, err)
	body, err = r.Body(testRecipient())
	require.NoError(t, err)
	assert.Contains(t, body, "Hello Alice,")

	_, err = Load(filepath.Join(dir, "missing.tmpl"), "s", "Ops")
	assert.Error(t, err)
}
