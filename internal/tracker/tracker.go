// Package tracker applies provider delivery callbacks to message state.
package tracker

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/krisnaDGC/postmangovsg/internal/common/errors"
	"github.com/krisnaDGC/postmangovsg/internal/common/logger"
	"github.com/krisnaDGC/postmangovsg/internal/common/metrics"
	"github.com/krisnaDGC/postmangovsg/internal/models"
	"github.com/krisnaDGC/postmangovsg/internal/tracker/parsers"
)

// MessageStore is the "mark message status" persistence the tracker writes to.
type MessageStore interface {
	ApplyOutcome(ctx context.Context, o models.Outcome) (*models.Message, bool, error)
	MarkReceived(ctx context.Context, providerMessageID string, at time.Time) (bool, error)
}

type Blacklist interface {
	Add(ctx context.Context, recipient, reason string) error
}

// AuditSink receives every applied event.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}

type SubscriptionConfirmer interface {
	Confirm(ctx context.Context, subscribeURL string) error
}

type AuditEvent struct {
	Parser            string               `json:"parser"`
	Event             string               `json:"event"`
	ProviderMessageID string               `json:"providerMessageId"`
	CampaignID        int64                `json:"campaignId,omitempty"`
	Status            models.MessageStatus `json:"status,omitempty"`
	ErrorCode         string               `json:"errorCode,omitempty"`
	At                time.Time            `json:"at"`
}

type Config struct {
	Secret string
	// Concurrency bounds how many records of one batch are applied at once.
	Concurrency int
}

// Report summarizes one callback. Errors are per record.
type Report struct {
	Parser   string
	Received int
	Applied  int
	Ignored  int
	Errors   []RecordError
}

type RecordError struct {
	Index int
	Err   error
}

func (e RecordError) Error() string { return fmt.Sprintf("record %d: %v", e.Index, e.Err) }

// Retryable reports whether a record failed for a reason a redelivery could fix.
func (r *Report) Retryable() bool {
	for _, e := range r.Errors {
		if errors.IsRetryable(e.Err) {
			return true
		}
	}
	return false
}

type Option func(*Tracker)

func WithAudit(sink AuditSink) Option { return func(t *Tracker) { t.audit = sink } }

func WithConfirmer(c SubscriptionConfirmer) Option { return func(t *Tracker) { t.confirmer = c } }

func WithParsers(p ...parsers.Parser) Option { return func(t *Tracker) { t.parsers = p } }

type Tracker struct {
	cfg       Config
	messages  MessageStore
	blacklist Blacklist
	audit     AuditSink
	confirmer SubscriptionConfirmer
	parsers   []parsers.Parser
	logger    logger.Logger
}

func New(cfg Config, messages MessageStore, blacklist Blacklist, log logger.Logger, opts ...Option) *Tracker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	t := &Tracker{
		cfg:       cfg,
		messages:  messages,
		blacklist: blacklist,
		parsers:   parsers.Default(),
		logger:    log,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Authenticate accepts "Basic <base64(secret)>".
func (t *Tracker) Authenticate(authHeader string) bool {
	if t.cfg.Secret == "" {
		return false
	}
	scheme, encoded, ok := strings.Cut(strings.TrimSpace(authHeader), " ")
	if !ok || scheme != "Basic" {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return false
	}
	if subtle.ConstantTimeCompare(decoded, []byte(t.cfg.Secret)) != 1 {
		t.logger.Info("Request made with incorrect credential", map[string]interface{}{"action": "authenticate"})
		return false
	}
	return true
}

// HandleCallback authenticates, detects the provider and applies every
// record. It returns once all records are done. A rejected callback
// changes nothing.
func (t *Tracker) HandleCallback(ctx context.Context, raw []byte, authHeader string) (*Report, error) {
	if !t.Authenticate(authHeader) {
		return nil, errors.NewCallbackAuthError()
	}

	records, err := parsers.Split(raw)
	if err != nil {
		t.logger.Warn("unable to handle this event", map[string]interface{}{"error": err})
		return nil, errors.NewCallbackParseError(err.Error())
	}
	parser, err := parsers.Detect(records, t.parsers)
	if err != nil {
		t.logger.Warn("unable to handle this event", map[string]interface{}{"error": err, "records": len(records)})
		return nil, errors.NewCallbackParseError(err.Error())
	}

	report := &Report{Parser: parser.Name(), Received: len(records)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Concurrency)
	for i, rec := range records {
		g.Go(func() error {
			applied, err := t.applyRecord(gctx, parser, rec)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Errors = append(report.Errors, RecordError{Index: i, Err: err})
				metrics.CallbackRecords.WithLabelValues(parser.Name(), "error").Inc()
			case applied:
				report.Applied++
				metrics.CallbackRecords.WithLabelValues(parser.Name(), "applied").Inc()
			default:
				report.Ignored++
				metrics.CallbackRecords.WithLabelValues(parser.Name(), "ignored").Inc()
			}
			// Siblings keep going whatever happened here.
			return nil
		})
	}
	_ = g.Wait()

	if len(report.Errors) > 0 {
		t.logger.Warn("callback records failed", map[string]interface{}{
			"parser":   report.Parser,
			"received": report.Received,
			"failed":   len(report.Errors),
			"error":    report.Errors[0].Error(),
		})
	}
	return report, nil
}

func (t *Tracker) applyRecord(ctx context.Context, parser parsers.Parser, raw json.RawMessage) (bool, error) {
	// Detect only needs one record to match; every other record must carry
	// the same signature before it may touch state.
	if !parser.Matches(raw) {
		return false, errors.NewCallbackParseError(fmt.Sprintf("record is not a %s event", parser.Name()))
	}
	rec, err := parser.Parse(raw)
	if err != nil {
		return false, errors.NewCallbackParseError(err.Error())
	}

	switch rec.Action {
	case parsers.ActionOutcome:
		return t.applyOutcome(ctx, parser.Name(), rec)

	case parsers.ActionOpen:
		ok, err := t.messages.MarkReceived(ctx, rec.Outcome.ProviderMessageID, rec.Outcome.At)
		if err != nil {
			return false, errors.NewStoreUnavailableError("mark received", err)
		}
		if ok {
			t.record(ctx, parser.Name(), rec, nil)
		}
		return ok, nil

	case parsers.ActionConfirmSubscription:
		if t.confirmer == nil {
			t.logger.Warn("subscription confirmation received but confirmations are disabled", map[string]interface{}{"parser": parser.Name()})
			return false, nil
		}
		if err := t.confirmer.Confirm(ctx, rec.SubscribeURL); err != nil {
			return false, fmt.Errorf("confirm subscription: %w", err)
		}
		t.logger.Info("confirmed sns subscription", map[string]interface{}{"parser": parser.Name()})
		return true, nil

	default:
		return false, nil
	}
}

func (t *Tracker) applyOutcome(ctx context.Context, parserName string, rec *parsers.Record) (bool, error) {
	if rec.Blacklist && rec.Recipient != "" && t.blacklist != nil {
		if err := t.blacklist.Add(ctx, rec.Recipient, rec.Outcome.ErrorCode); err != nil {
			return false, errors.NewStoreUnavailableError("blacklist", err)
		}
	}

	msg, applied, err := t.messages.ApplyOutcome(ctx, rec.Outcome)
	if err != nil {
		return false, errors.NewStoreUnavailableError("apply outcome", err)
	}
	if !applied {
		t.logger.Debug("callback outcome not applied", map[string]interface{}{
			"providerMessageId": rec.Outcome.ProviderMessageID,
			"status":            string(rec.Outcome.Status),
		})
		return false, nil
	}
	t.record(ctx, parserName, rec, msg)
	return true, nil
}

func (t *Tracker) record(ctx context.Context, parserName string, rec *parsers.Record, msg *models.Message) {
	if t.audit == nil {
		return
	}
	ev := AuditEvent{
		Parser:            parserName,
		Event:             rec.Event,
		ProviderMessageID: rec.Outcome.ProviderMessageID,
		Status:            rec.Outcome.Status,
		ErrorCode:         rec.Outcome.ErrorCode,
		At:                rec.Outcome.At,
	}
	if msg != nil {
		ev.CampaignID = msg.CampaignID
	}
	if err := t.audit.Record(ctx, ev); err != nil {
		t.logger.Warn("failed to record audit event", map[string]interface{}{"error": err, "providerMessageId": ev.ProviderMessageID})
	}
}
