// Package parsers decodes provider delivery callbacks into records the
// tracker can apply. Each parser recognizes its provider by the shape of
// the JSON it receives.
package parsers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/krisnaDGC/postmangovsg/internal/models"
)

type Action int

const (
	// ActionIgnore covers events that carry no outcome (sends, clicks, delays).
	ActionIgnore Action = iota
	ActionOutcome
	ActionOpen
	ActionConfirmSubscription
)

func (a Action) String() string {
	switch a {
	case ActionOutcome:
		return "outcome"
	case ActionOpen:
		return "open"
	case ActionConfirmSubscription:
		return "subscription"
	default:
		return "ignore"
	}
}

// Record is one provider event.
type Record struct {
	Action  Action
	Event   string
	Outcome models.Outcome

	// Blacklist asks for Recipient to be excluded from later email sends.
	Blacklist bool
	Recipient string

	SubscribeURL string
}

type Parser interface {
	Name() string
	// Matches reports whether a single record has this provider's signature.
	Matches(record json.RawMessage) bool
	Parse(record json.RawMessage) (*Record, error)
}

// Default returns every built-in parser.
func Default() []Parser {
	return []Parser{SES{}, SendGrid{}, SNSSMS{}, Resend{}}
}

// Split accepts a single JSON object or an array of objects.
func Split(raw []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if trimmed[0] == '[' {
		var records []json.RawMessage
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("decode record array: %w", err)
		}
		if len(records) == 0 {
			return nil, fmt.Errorf("empty record array")
		}
		return records, nil
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("payload is neither an object nor an array")
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return []json.RawMessage{json.RawMessage(trimmed)}, nil
}

// Detect returns the one parser whose signature appears in records. Records
// matching no parser do not count, so one malformed record cannot hide a
// batch. Two parsers matching the same payload is an error.
func Detect(records []json.RawMessage, candidates []Parser) (Parser, error) {
	var found Parser
	for _, p := range candidates {
		for _, rec := range records {
			if !p.Matches(rec) {
				continue
			}
			if found != nil && found.Name() != p.Name() {
				return nil, fmt.Errorf("payload matches both %s and %s", found.Name(), p.Name())
			}
			found = p
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("no parser matches payload")
	}
	return found, nil
}

// hasKeys reports whether record is an object holding every key.
func hasKeys(record json.RawMessage, keys ...string) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(record, &obj); err != nil {
		return false
	}
	for _, k := range keys {
		if _, ok := obj[k]; !ok {
			return false
		}
	}
	return true
}

func parseTime(layouts []string, value string) time.Time {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
