package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisnaDGC/postmangovsg/internal/common/errors"
	"github.com/krisnaDGC/postmangovsg/internal/models"
)

func TestSubstitute(t *testing.T) {
	tests := []struct {
		name   string
		tmpl   string
		params map[string]string
		want   string
	}{
		{"known key", "Hi {{name}}!", map[string]string{"name": "Ana"}, "Hi Ana!"},
		{"whitespace inside braces", "Hi {{ name }}", map[string]string{"name": "Ana"}, "Hi Ana"},
		{"case-insensitive fallback", "Hi {{Name}}", map[string]string{"name": "Ana"}, "Hi Ana"},
		{"missing key becomes empty", "Hi {{name}}, code {{code}}", map[string]string{"name": "Ana"}, "Hi Ana, code "},
		{"no placeholders", "plain", nil, "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Substitute(tt.tmpl, tt.params))
		})
	}
}

func TestRender_Email(t *testing.T) {
	r := New()

	tests := []struct {
		name        string
		tmpl        models.Template
		params      map[string]string
		wantSubject string
		contains    []string
		excludes    []string
	}{
		{
			name:        "html body is sanitized",
			tmpl:        models.Template{Subject: "Hello {{name}}", Body: `<p>Dear {{name}}</p><script>alert(1)</script><a href="https://example.gov.sg" onclick="x()">link</a>`, Format: models.FormatHTML},
			params:      map[string]string{"name": "Ana"},
			wantSubject: "Hello Ana",
			contains:    []string{"<p>Dear Ana</p>", `href="https://example.gov.sg"`},
			excludes:    []string{"<script", "onclick"},
		},
		{
			name:        "markdown body is converted",
			tmpl:        models.Template{Subject: "Notice", Body: "# Title\n\nHello **{{name}}**", Format: models.FormatMarkdown},
			params:      map[string]string{"name": "Ben"},
			wantSubject: "Notice",
			contains:    []string{"<h1>Title</h1>", "<strong>Ben</strong>"},
		},
		{
			name:        "text body keeps line breaks",
			tmpl:        models.Template{Subject: "Notice", Body: "line one\nline <two>", Format: models.FormatText},
			wantSubject: "Notice",
			contains:    []string{"line one<br", "&lt;two&gt;"},
		},
		{
			name:        "html in subject is stripped",
			tmpl:        models.Template{Subject: "<b>Tom</b> & Jerry", Body: "<p>x</p>"},
			wantSubject: "Tom & Jerry",
		},
		{
			name:        "injected param markup is removed",
			tmpl:        models.Template{Subject: "Hi", Body: "<p>{{name}}</p>"},
			params:      map[string]string{"name": `<img src=x onerror="steal()">Eve`},
			wantSubject: "Hi",
			contains:    []string{"Eve"},
			excludes:    []string{"onerror"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.Render(models.ChannelEmail, tt.tmpl, tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSubject, out.Subject)
			for _, s := range tt.contains {
				assert.Contains(t, out.Body, s)
			}
			for _, s := range tt.excludes {
				assert.NotContains(t, out.Body, s)
			}
			assert.NotEmpty(t, out.Text)
			assert.NotContains(t, out.Text, "<")
		})
	}
}

func TestRender_EmailEmptyAfterSanitization(t *testing.T) {
	r := New()

	tests := []struct {
		name string
		tmpl models.Template
	}{
		{"subject and body only markup", models.Template{Subject: "<script>x</script>", Body: "<script>alert(1)</script><style>p{}</style>"}},
		{"empty body", models.Template{Subject: "Hi", Body: "<iframe src='x'></iframe>"}},
		{"params resolve to nothing", models.Template{Subject: "{{s}}", Body: "{{b}}"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.Render(models.ChannelEmail, tt.tmpl, nil)
			assert.Nil(t, out)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrMessage))
			assert.False(t, errors.IsRetryable(err))
			assert.Equal(t, string(errors.ErrCodeEmptySanitizedEmail), errors.CodeOf(err))

			var se *errors.StandardError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, errors.EmptySanitizedEmail, se.Message)
		})
	}
}

func TestRender_SMS(t *testing.T) {
	r := New()

	out, err := r.Render(models.ChannelSMS, models.Template{Body: "<b>Your code</b> is {{code}} &amp; expires soon"}, map[string]string{"code": "1234"})
	require.NoError(t, err)
	assert.Equal(t, "Your code is 1234 & expires soon", out.Body)
	assert.Empty(t, out.Subject)

	_, err = r.Render(models.ChannelSMS, models.Template{Body: "<p> {{missing}} </p>"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMessage))
	assert.Equal(t, string(errors.ErrCodeEmptyMessage), errors.CodeOf(err))
}

func TestRender_UnknownChannel(t *testing.T) {
	_, err := New().Render(models.ChannelType("FAX"), models.Template{Body: "x"}, nil)
	assert.Error(t, err)
}

func TestProtectedParams(t *testing.T) {
	params := ProtectedParams("https://postman.example/p/", 12, "a@example.com")
	require.Len(t, params, 2)
	assert.Equal(t, "a@example.com", params[ParamRecipient])
	assert.True(t, strings.HasPrefix(params[ParamProtectedLink], "https://postman.example/p/12/"))

	// Stable across retries, distinct across recipients.
	assert.Equal(t, params[ParamProtectedLink], ProtectedLink("https://postman.example/p", 12, "a@example.com"))
	assert.NotEqual(t, params[ParamProtectedLink], ProtectedLink("https://postman.example/p", 12, "b@example.com"))

	out, err := New().Render(models.ChannelEmail, models.Template{
		Subject: "Protected message for {{recipient}}",
		Body:    `<p>Hi {{name}}, open <a href="{{protectedlink}}">this link</a></p>`,
	}, params)
	require.NoError(t, err)
	assert.Contains(t, out.Body, params[ParamProtectedLink])
	assert.Contains(t, out.Body, "Hi , open")
}
