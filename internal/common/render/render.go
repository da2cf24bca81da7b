// Package render turns a campaign template and one recipient's params into
// the subject and body handed to a provider.
package render

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/krisnaDGC/postmangovsg/internal/common/errors"
	"github.com/krisnaDGC/postmangovsg/internal/models"
)

// Params a protected email may reference.
const (
	ParamRecipient     = "recipient"
	ParamProtectedLink = "protectedlink"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

type Rendered struct {
	Subject string
	// Body is sanitized HTML for email and plain text for SMS.
	Body string
	// Text is the plain-text alternative of an email body.
	Text string
}

type Renderer struct {
	md     goldmark.Markdown
	email  *bluemonday.Policy
	strict *bluemonday.Policy
}

func New() *Renderer {
	email := bluemonday.UGCPolicy()
	email.AllowAttrs("style").OnElements("p", "span", "div", "td", "th", "table")
	email.AllowAttrs("align", "width", "height").OnElements("td", "th", "table", "img")
	email.RequireNoFollowOnLinks(false)
	email.AddTargetBlankToFullyQualifiedLinks(true)

	return &Renderer{
		md:     goldmark.New(goldmark.WithExtensions(extension.Linkify, extension.Table)),
		email:  email,
		strict: bluemonday.StrictPolicy(),
	}
}

// Render produces the message for one recipient. A *errors.StandardError
// wrapping errors.ErrMessage is returned when nothing survives sanitization;
// it concerns this recipient only.
func (r *Renderer) Render(channel models.ChannelType, tmpl models.Template, params map[string]string) (*Rendered, error) {
	switch channel {
	case models.ChannelEmail:
		return r.renderEmail(tmpl, params)
	case models.ChannelSMS:
		return r.renderSMS(tmpl, params)
	default:
		return nil, fmt.Errorf("unsupported channel %q", channel)
	}
}

func (r *Renderer) renderEmail(tmpl models.Template, params map[string]string) (*Rendered, error) {
	subject := r.plain(Substitute(tmpl.Subject, params))

	body := Substitute(tmpl.Body, params)
	switch tmpl.Format {
	case models.FormatMarkdown:
		var buf bytes.Buffer
		if err := r.md.Convert([]byte(body), &buf); err != nil {
			return nil, errors.NewMessageError(fmt.Sprintf("markdown conversion failed: %v", err))
		}
		body = buf.String()
	case models.FormatText:
		body = strings.ReplaceAll(html.EscapeString(body), "\n", "<br>")
	}
	body = strings.TrimSpace(r.email.Sanitize(body))
	text := r.plain(body)

	if subject == "" || text == "" {
		return nil, errors.NewMessageError(fmt.Sprintf("subject empty: %t, body empty: %t", subject == "", text == ""))
	}
	return &Rendered{Subject: subject, Body: body, Text: text}, nil
}

func (r *Renderer) renderSMS(tmpl models.Template, params map[string]string) (*Rendered, error) {
	body := r.plain(Substitute(tmpl.Body, params))
	if body == "" {
		return nil, errors.NewEmptyMessageError("sms body empty after removing HTML")
	}
	return &Rendered{Body: body, Text: body}, nil
}

// plain strips every tag and decodes entities.
func (r *Renderer) plain(s string) string {
	return strings.TrimSpace(html.UnescapeString(r.strict.Sanitize(s)))
}

// Substitute replaces {{key}} placeholders. Keys match exactly or case-insensitively;
// unknown keys become empty.
func Substitute(tmpl string, params map[string]string) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		if v, ok := params[key]; ok {
			return v
		}
		if v, ok := params[strings.ToLower(key)]; ok {
			return v
		}
		return ""
	})
}

// ProtectedParams returns the only params a protected email may render with.
func ProtectedParams(baseURL string, campaignID int64, recipient string) map[string]string {
	return map[string]string{
		ParamRecipient:     recipient,
		ParamProtectedLink: ProtectedLink(baseURL, campaignID, recipient),
	}
}

// ProtectedLink is stable for a campaign and recipient so a retried send
// links to the same protected message.
func ProtectedLink(baseURL string, campaignID int64, recipient string) string {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%d:%s", campaignID, recipient)))
	return fmt.Sprintf("%s/%d/%s", strings.TrimRight(baseURL, "/"), campaignID, id)
}
