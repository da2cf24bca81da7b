package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"

	"github.com/google/uuid"

	"github.com/krisnaDGC/postmangovsg/internal/common/errors"
	"github.com/krisnaDGC/postmangovsg/internal/common/logger"
)

type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	UseTLS      bool
	DefaultFrom string
}

// SMTPProvider relays email over SMTP. The generated message id travels in
// SendGrid's X-SMTPAPI unique args so event webhooks can refer back to it.
type SMTPProvider struct {
	cfg    SMTPConfig
	logger logger.Logger
}

func NewSMTPProvider(cfg SMTPConfig, log logger.Logger) *SMTPProvider {
	return &SMTPProvider{cfg: cfg, logger: log}
}

func (p *SMTPProvider) Name() string { return "smtp" }

func (p *SMTPProvider) Send(ctx context.Context, msg *Outbound) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context cancelled before sending email: %w", err)
	}

	from := msg.From
	if from == "" {
		from = p.cfg.DefaultFrom
	}
	if err := checkAddress("From", from); err != nil {
		return "", err
	}
	if msg.ReplyTo != "" {
		if err := checkAddress("Reply-To", msg.ReplyTo); err != nil {
			return "", err
		}
	}
	messageID := uuid.NewString()

	body, err := p.buildMessage(msg, from, messageID)
	if err != nil {
		return "", fmt.Errorf("build message: %w", err)
	}
	if err := p.deliver(ctx, from, msg.Recipient, body); err != nil {
		return "", err
	}
	return messageID, nil
}

func (p *SMTPProvider) buildMessage(msg *Outbound, from, messageID string) ([]byte, error) {
	smtpAPI, err := json.Marshal(map[string]interface{}{
		"unique_args": map[string]string{
			"message_id":  messageID,
			"campaign_id": strconv.FormatInt(msg.CampaignID, 10),
		},
	})
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := textproto.MIMEHeader{}
	header.Set("From", from)
	header.Set("To", msg.Recipient)
	if msg.ReplyTo != "" {
		header.Set("Reply-To", msg.ReplyTo)
	}
	header.Set("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header.Set("Message-ID", fmt.Sprintf("<%s@%s>", messageID, p.cfg.Host))
	header.Set("MIME-Version", "1.0")
	header.Set("X-SMTPAPI", string(smtpAPI))
	header.Set("Content-Type", "multipart/alternative; boundary="+mw.Boundary())

	var head bytes.Buffer
	for k, vs := range header {
		for _, v := range vs {
			fmt.Fprintf(&head, "%s: %s\r\n", k, v)
		}
	}
	head.WriteString("\r\n")

	for _, part := range []struct{ contentType, content string }{
		{"text/plain; charset=UTF-8", msg.Text},
		{"text/html; charset=UTF-8", msg.Body},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {part.contentType}})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(part.content)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	return append(head.Bytes(), buf.Bytes()...), nil
}

func (p *SMTPProvider) deliver(ctx context.Context, from, to string, message []byte) error {
	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, p.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if p.cfg.UseTLS {
		if err := client.StartTLS(&tls.Config{ServerName: p.cfg.Host}); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	if p.cfg.Username != "" && p.cfg.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to open data writer: %w", err)
	}
	if _, err := w.Write(message); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	// The server has queued the message once DATA is accepted.
	if err := client.Quit(); err != nil {
		p.logger.Warn("smtp quit failed after message was accepted", map[string]interface{}{
			"host":  p.cfg.Host,
			"error": err.Error(),
		})
	}
	return nil
}

// checkAddress rejects header values that are not a single mailbox, which
// also keeps CR and LF out of the generated headers.
func checkAddress(field, value string) error {
	if _, err := mail.ParseAddress(value); err != nil {
		return errors.NewTerminalProviderError("smtp", string(errors.ErrCodeProviderTerminal), false,
			fmt.Errorf("invalid %s address %q: %w", field, value, err))
	}
	return nil
}
