package parsers

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisnaDGC/postmangovsg/internal/models"
)

func sesRecord(t *testing.T, notification map[string]interface{}) string {
	t.Helper()
	msg, err := json.Marshal(notification)
	require.NoError(t, err)
	env, err := json.Marshal(map[string]string{
		"Type":      "Notification",
		"MessageId": "sns-1",
		"TopicArn":  "arn:aws:sns:ap-southeast-1:123456789012:ses-events",
		"Message":   string(msg),
		"Timestamp": "2026-03-01T10:00:05.000Z",
	})
	require.NoError(t, err)
	return string(env)
}

func TestSplit(t *testing.T) {
	records, err := Split([]byte(` {"a":1} `))
	require.NoError(t, err)
	assert.Len(t, records, 1)

	records, err = Split([]byte(`[{"a":1},{"b":2},"x"]`))
	require.NoError(t, err)
	assert.Len(t, records, 3)

	for _, bad := range []string{"", "[]", "42", "{", "[{]"} {
		_, err := Split([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestDetect(t *testing.T) {
	sg := json.RawMessage(`{"event":"delivered","sg_event_id":"e1","message_id":"m1"}`)
	sms := json.RawMessage(`{"notification":{"messageId":"m"},"delivery":{},"status":"SUCCESS"}`)
	junk := json.RawMessage(`{"hello":"world"}`)

	p, err := Detect([]json.RawMessage{junk, sg}, Default())
	require.NoError(t, err)
	assert.Equal(t, "sendgrid", p.Name())

	_, err = Detect([]json.RawMessage{junk}, Default())
	assert.Error(t, err)

	_, err = Detect([]json.RawMessage{sg, sms}, Default())
	assert.Error(t, err, "mixed providers are ambiguous")
}

func TestSES_Parse(t *testing.T) {
	tests := []struct {
		name         string
		notification map[string]interface{}
		wantAction   Action
		wantStatus   models.MessageStatus
		wantCode     string
		blacklist    bool
	}{
		{
			name: "delivery",
			notification: map[string]interface{}{
				"notificationType": "Delivery",
				"mail":             map[string]interface{}{"messageId": "ses-1", "destination": []string{"a@example.com"}},
				"delivery":         map[string]interface{}{"timestamp": "2026-03-01T10:00:01.000Z"},
			},
			wantAction: ActionOutcome,
			wantStatus: models.StatusSuccess,
		},
		{
			name: "permanent bounce",
			notification: map[string]interface{}{
				"notificationType": "Bounce",
				"mail":             map[string]interface{}{"messageId": "ses-1"},
				"bounce": map[string]interface{}{
					"bounceType":        "Permanent",
					"bouncedRecipients": []map[string]string{{"emailAddress": "gone@example.com"}},
				},
			},
			wantAction: ActionOutcome,
			wantStatus: models.StatusInvalidRecipient,
			wantCode:   "Hard bounce",
			blacklist:  true,
		},
		{
			name: "transient bounce",
			notification: map[string]interface{}{
				"eventType": "Bounce",
				"mail":      map[string]interface{}{"messageId": "ses-1"},
				"bounce":    map[string]interface{}{"bounceType": "Transient"},
			},
			wantAction: ActionOutcome,
			wantStatus: models.StatusError,
			wantCode:   "Soft bounce",
		},
		{
			name: "complaint",
			notification: map[string]interface{}{
				"notificationType": "Complaint",
				"mail":             map[string]interface{}{"messageId": "ses-1"},
				"complaint":        map[string]interface{}{"complainedRecipients": []map[string]string{{"emailAddress": "angry@example.com"}}},
			},
			wantAction: ActionOutcome,
			wantStatus: models.StatusError,
			wantCode:   "Complaint",
			blacklist:  true,
		},
		{
			name: "open",
			notification: map[string]interface{}{
				"eventType": "Open",
				"mail":      map[string]interface{}{"messageId": "ses-1"},
				"open":      map[string]interface{}{"timestamp": "2026-03-01T11:00:00.000Z"},
			},
			wantAction: ActionOpen,
		},
		{
			name: "send is ignored",
			notification: map[string]interface{}{
				"eventType": "Send",
				"mail":      map[string]interface{}{"messageId": "ses-1"},
			},
			wantAction: ActionIgnore,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := json.RawMessage(sesRecord(t, tt.notification))
			require.True(t, SES{}.Matches(raw))

			rec, err := SES{}.Parse(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, rec.Action)
			assert.Equal(t, tt.wantStatus, rec.Outcome.Status)
			assert.Equal(t, tt.wantCode, rec.Outcome.ErrorCode)
			assert.Equal(t, tt.blacklist, rec.Blacklist)
			if tt.wantAction != ActionIgnore {
				assert.Equal(t, "ses-1", rec.Outcome.ProviderMessageID)
				assert.False(t, rec.Outcome.At.IsZero())
			}
		})
	}
}

func TestSES_ParseDeliveryTimestamp(t *testing.T) {
	raw := json.RawMessage(sesRecord(t, map[string]interface{}{
		"notificationType": "Delivery",
		"mail":             map[string]interface{}{"messageId": "ses-1"},
		"delivery":         map[string]interface{}{"timestamp": "2026-03-01T10:00:01.000Z"},
	}))
	rec, err := SES{}.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC), rec.Outcome.At)
}

func TestSES_ParseSubscriptionAndErrors(t *testing.T) {
	rec, err := SES{}.Parse(json.RawMessage(`{"Type":"SubscriptionConfirmation","TopicArn":"arn","Message":"confirm","SubscribeURL":"https://sns.ap-southeast-1.amazonaws.com/?Action=ConfirmSubscription"}`))
	require.NoError(t, err)
	assert.Equal(t, ActionConfirmSubscription, rec.Action)
	assert.Contains(t, rec.SubscribeURL, "ConfirmSubscription")

	_, err = SES{}.Parse(json.RawMessage(`{"Type":"Notification","TopicArn":"arn","Message":"not json"}`))
	assert.Error(t, err)

	_, err = SES{}.Parse(json.RawMessage(`{"Type":"Notification","TopicArn":"arn","Message":"{\"notificationType\":\"Delivery\",\"mail\":{}}"}`))
	assert.Error(t, err)

	rec, err = SES{}.Parse(json.RawMessage(`{"Type":"UnsubscribeConfirmation","TopicArn":"arn","Message":"bye"}`))
	require.NoError(t, err)
	assert.Equal(t, ActionIgnore, rec.Action)
}

func TestSES_ParseRejectsIncompleteEnvelope(t *testing.T) {
	for _, raw := range []string{
		`{"TopicArn":"arn","Message":"{}"}`,
		`{"Type":"","TopicArn":"arn","Message":"{}"}`,
		`{"Type":"Notification","Message":"{}"}`,
		`{"Type":"Notification","TopicArn":"arn"}`,
		`{"Type":"Mystery","TopicArn":"arn","Message":"{}"}`,
		`{"garbage":true}`,
	} {
		_, err := SES{}.Parse(json.RawMessage(raw))
		assert.Error(t, err, raw)
	}
}

func TestSendGrid_Parse(t *testing.T) {
	tests := []struct {
		event      string
		extra      string
		wantAction Action
		wantStatus models.MessageStatus
		blacklist  bool
	}{
		{"delivered", "", ActionOutcome, models.StatusSuccess, false},
		{"bounce", `,"type":"bounce"`, ActionOutcome, models.StatusInvalidRecipient, true},
		{"bounce", `,"type":"blocked"`, ActionOutcome, models.StatusError, false},
		{"dropped", "", ActionOutcome, models.StatusError, false},
		{"spamreport", "", ActionOutcome, models.StatusError, true},
		{"open", "", ActionOpen, "", false},
		{"processed", "", ActionIgnore, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.event+tt.extra, func(t *testing.T) {
			raw := json.RawMessage(fmt.Sprintf(`{"email":"a@example.com","timestamp":1772359200,"event":%q,"sg_event_id":"e1","message_id":"m-1"%s}`, tt.event, tt.extra))
			require.True(t, SendGrid{}.Matches(raw))

			rec, err := SendGrid{}.Parse(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, rec.Action)
			assert.Equal(t, tt.wantStatus, rec.Outcome.Status)
			assert.Equal(t, tt.blacklist, rec.Blacklist)
			if tt.wantAction != ActionIgnore {
				assert.Equal(t, "m-1", rec.Outcome.ProviderMessageID)
				assert.Equal(t, time.Unix(1772359200, 0).UTC(), rec.Outcome.At)
			}
		})
	}

	_, err := SendGrid{}.Parse(json.RawMessage(`{"event":"delivered","sg_event_id":"e1"}`))
	assert.Error(t, err, "message_id is required")
}

func TestSNSSMS_Parse(t *testing.T) {
	ok := json.RawMessage(`{"notification":{"messageId":"sms-1","timestamp":"2026-03-01 10:00:00.123"},"delivery":{"destination":"+6591234567","providerResponse":"Message has been accepted by phone carrier"},"status":"SUCCESS"}`)
	rec, err := SNSSMS{}.Parse(ok)
	require.NoError(t, err)
	assert.Equal(t, ActionOutcome, rec.Action)
	assert.Equal(t, models.StatusSuccess, rec.Outcome.Status)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 123000000, time.UTC), rec.Outcome.At)

	invalid := json.RawMessage(`{"notification":{"messageId":"sms-2"},"delivery":{"providerResponse":"Invalid phone number"},"status":"FAILURE"}`)
	rec, err = SNSSMS{}.Parse(invalid)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInvalidRecipient, rec.Outcome.Status)
	assert.Equal(t, "Invalid phone number", rec.Outcome.ErrorCode)

	failed := json.RawMessage(`{"notification":{"messageId":"sms-3"},"delivery":{"providerResponse":"Unknown error attempting to reach phone"},"status":"FAILURE"}`)
	rec, err = SNSSMS{}.Parse(failed)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, rec.Outcome.Status)

	_, err = SNSSMS{}.Parse(json.RawMessage(`{"notification":{},"delivery":{},"status":"SUCCESS"}`))
	assert.Error(t, err)
}

func resendRecord(eventType, emailID, extra string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"type":%q,"created_at":"2026-03-01T10:00:02.000Z","data":{"email_id":%q,"from":"Agency <noreply@agency.gov.sg>","to":["a@example.com"],"subject":"Hello"%s}}`, eventType, emailID, extra))
}

func TestResend_Parse(t *testing.T) {
	tests := []struct {
		eventType  string
		extra      string
		wantAction Action
		wantStatus models.MessageStatus
		wantCode   string
		blacklist  bool
	}{
		{"email.delivered", "", ActionOutcome, models.StatusSuccess, "", false},
		{"email.bounced", `,"bounce":{"type":"Permanent","subType":"General","message":"mailbox does not exist"}`, ActionOutcome, models.StatusInvalidRecipient, "Hard bounce", true},
		{"email.bounced", `,"bounce":{"type":"Transient","subType":"MailboxFull"}`, ActionOutcome, models.StatusError, "Soft bounce", false},
		{"email.complained", "", ActionOutcome, models.StatusError, "Complaint", true},
		{"email.opened", "", ActionOpen, "", "", false},
		{"email.sent", "", ActionIgnore, "", "", false},
		{"email.delivery_delayed", "", ActionIgnore, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.eventType+tt.extra, func(t *testing.T) {
			raw := resendRecord(tt.eventType, "re-1", tt.extra)
			require.True(t, Resend{}.Matches(raw))

			rec, err := Resend{}.Parse(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, rec.Action)
			assert.Equal(t, tt.wantStatus, rec.Outcome.Status)
			assert.Equal(t, tt.wantCode, rec.Outcome.ErrorCode)
			assert.Equal(t, tt.blacklist, rec.Blacklist)
			if tt.wantAction != ActionIgnore {
				assert.Equal(t, "re-1", rec.Outcome.ProviderMessageID)
				assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 2, 0, time.UTC), rec.Outcome.At)
			}
			if tt.blacklist {
				assert.Equal(t, "a@example.com", rec.Recipient)
			}
		})
	}

	_, err := Resend{}.Parse(resendRecord("email.delivered", "", ""))
	assert.Error(t, err, "email_id is required")
}

func TestResend_DetectedAlongsideOtherProviders(t *testing.T) {
	resend := resendRecord("email.delivered", "re-1", "")
	sg := json.RawMessage(`{"event":"bounce","type":"bounce","sg_event_id":"e1","message_id":"m1"}`)

	assert.False(t, Resend{}.Matches(json.RawMessage(`{"type":"email.delivered","data":{}}`)))
	assert.False(t, Resend{}.Matches(sg))
	assert.False(t, SendGrid{}.Matches(resend))
	assert.False(t, SES{}.Matches(resend))

	p, err := Detect([]json.RawMessage{resend}, Default())
	require.NoError(t, err)
	assert.Equal(t, "resend", p.Name())
}
