package validation

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// SendJobSchema describes payloads accepted on the send queue.
const SendJobSchema = `{
  "type": "object",
  "required": ["kind", "campaignId", "channelType", "data"],
  "properties": {
    "kind": {"type": "string", "enum": ["send"]},
    "campaignId": {"type": "integer", "minimum": 1},
    "channelType": {"type": "string", "enum": ["SMS", "EMAIL"]},
    "protect": {"type": "boolean"},
    "data": {
      "type": "object",
      "required": ["campaignId", "template", "recipients"],
      "properties": {
        "campaignId": {"type": "integer", "minimum": 1},
        "template": {
          "type": "object",
          "required": ["body"],
          "properties": {
            "subject": {"type": "string"},
            "body": {"type": "string"},
            "from": {"type": "string"},
            "replyTo": {"type": "string"},
            "format": {"type": "string", "enum": ["", "html", "markdown", "text"]}
          }
        },
        "recipients": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["recipient"],
            "properties": {
              "recipient": {"type": "string", "minLength": 1},
              "params": {"type": "object", "additionalProperties": {"type": "string"}}
            }
          }
        }
      }
    }
  }
}`

// LogJobSchema describes payloads accepted on the log queue.
const LogJobSchema = `{
  "type": "object",
  "required": ["kind", "campaignId", "channelType"],
  "properties": {
    "kind": {"type": "string", "enum": ["log"]},
    "campaignId": {"type": "integer", "minimum": 1},
    "channelType": {"type": "string", "enum": ["SMS", "EMAIL"]}
  }
}`

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Schema is a compiled JSON schema.
type Schema struct {
	compiled *gojsonschema.Schema
}

// Compile parses a JSON schema document.
func Compile(schemaJSON string) (*Schema, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{compiled: compiled}, nil
}

// MustCompile is Compile for package-level schemas.
func MustCompile(schemaJSON string) *Schema {
	s, err := Compile(schemaJSON)
	if err != nil {
		panic(err)
	}
	return s
}

// ValidateDocument validates a raw JSON document.
func (s *Schema) ValidateDocument(doc []byte) (*ValidationResult, error) {
	result, err := s.compiled.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	out := &ValidationResult{Valid: result.Valid()}
	for _, desc := range result.Errors() {
		out.Errors = append(out.Errors, ValidationError{
			Field:   desc.Field(),
			Message: desc.Description(),
			Code:    desc.Type(),
		})
	}
	return out, nil
}

// Validate returns a single error describing every violation, or nil.
func (s *Schema) Validate(doc []byte) error {
	res, err := s.ValidateDocument(doc)
	if err != nil {
		return err
	}
	if !res.Valid {
		return fmt.Errorf("data validation failed: %v", res.GetErrorMessages())
	}
	return nil
}

// GetErrorMessages returns a simple list of error messages
func (vr *ValidationResult) GetErrorMessages() []string {
	messages := make([]string, len(vr.Errors))
	for i, err := range vr.Errors {
		messages[i] = fmt.Sprintf("%s: %s", err.Field, err.Message)
	}
	return messages
}

// HasErrors checks if validation has errors for specific field
func (vr *ValidationResult) HasErrors(field string) bool {
	for _, err := range vr.Errors {
		if err.Field == field || strings.HasPrefix(err.Field, field+".") {
			return true
		}
	}
	return false
}

var phonePattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// ValidateEmail reports whether s is a bare RFC 5322 address with a dotted domain.
func ValidateEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	at := strings.LastIndex(s, "@")
	return at > 0 && strings.Contains(s[at+1:], ".")
}

// ValidatePhone reports whether s is an E.164 number.
func ValidatePhone(s string) bool {
	return phonePattern.MatchString(s)
}
