package render

import (
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/mailrun/mailrun/internal/recipient"
)

// DefaultTemplate is the built-in body used when no template file is given.
const DefaultTemplate = `Hello {{.first_name}},

This is an automated message sent just for you.

Best regards,
{{.sender_name}}
`

// Renderer turns recipients into personalized subjects and bodies. Templates
// are text/template with the sprig function set; every CSV column is
// available by its snake_case name, plus sender_name for the configured
// sender.
type Renderer struct {
	body    *template.Template
	subject *template.Template
	sender  string
}

// New parses the body and subject templates. Unknown fields referenced by a
// template surface as render errors per recipient, not at parse time.
func New(bodyText, subjectText, senderName string) (*Renderer, error) {
	body, err := parse("body", bodyText)
	if err != nil {
		return nil, err
	}
	subject, err := parse("subject", subjectText)
	if err != nil {
		return nil, err
	}
	return &Renderer{body: body, subject: subject, sender: senderName}, nil
}

// Load builds a Renderer from a template file path. An empty path selects
// the built-in template.
func Load(path, subjectText, senderName string) (*Renderer, error) {
	text := DefaultTemplate
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read template: %w", err)
		}
		text = string(data)
	}
	return New(text, subjectText, senderName)
}

func parse(name, text string) (*template.Template, error) {
	t, err := template.New(name).
		Funcs(sprig.FuncMap()).
		Option("missingkey=error").
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s template: %w", name, err)
	}
	return t, nil
}

// Body renders the message body for one recipient.
func (r *Renderer) Body(rcpt recipient.Recipient) (string, error) {
	return execute(r.body, r.data(rcpt))
}

// Subject renders the subject line for one recipient.
func (r *Renderer) Subject(rcpt recipient.Recipient) (string, error) {
	out, err := execute(r.subject, r.data(rcpt))
	if err != nil {
		return "", err
	}
	// Header values must stay on one line
	return strings.TrimSpace(strings.ReplaceAll(out, "\n", " ")), nil
}

func execute(t *template.Template, data map[string]string) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", t.Name(), err)
	}
	return sb.String(), nil
}

// data exposes every CSV column plus the standard fields. The standard
// fields win over CSV columns of the same name.
func (r *Renderer) data(rcpt recipient.Recipient) map[string]string {
	data := make(map[string]string, len(rcpt.Fields)+4)
	for k, v := range rcpt.Fields {
		data[k] = v
	}
	data[recipient.ColumnEmail] = rcpt.Email
	data[recipient.ColumnFirstName] = rcpt.FirstName
	data[recipient.ColumnLastName] = rcpt.LastName
	data["sender_name"] = r.sender
	return data
}
