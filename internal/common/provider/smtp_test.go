package provider

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisnaDGC/postmangovsg/internal/common/errors"
	"github.com/krisnaDGC/postmangovsg/internal/common/logger"
)

// fakeSMTPServer speaks just enough SMTP for net/smtp to deliver one message.
type fakeSMTPServer struct {
	ln       net.Listener
	rcptCode string
	// dropOnQuit closes the connection instead of answering QUIT.
	dropOnQuit bool

	mu        sync.Mutex
	data      string
	delivered int
}

func newFakeSMTPServer(t *testing.T, rcptReply string, opts ...func(*fakeSMTPServer)) *fakeSMTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeSMTPServer{ln: ln, rcptCode: rcptReply}
	for _, opt := range opts {
		opt(s)
	}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *fakeSMTPServer) port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *fakeSMTPServer) received() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

func (s *fakeSMTPServer) deliveries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

func (s *fakeSMTPServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeSMTPServer) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(line string) { _, _ = conn.Write([]byte(line + "\r\n")) }

	reply("220 fake.local ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250 fake.local")
		case strings.HasPrefix(cmd, "MAIL FROM"):
			reply("250 OK")
		case strings.HasPrefix(cmd, "RCPT TO"):
			reply(s.rcptCode)
		case cmd == "DATA":
			reply("354 go ahead")
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			s.mu.Lock()
			s.data = b.String()
			s.delivered++
			s.mu.Unlock()
			reply("250 queued")
		case cmd == "QUIT":
			if !s.dropOnQuit {
				reply("221 bye")
			}
			return
		default:
			reply("250 OK")
		}
	}
}

func TestSMTPProvider_Send(t *testing.T) {
	srv := newFakeSMTPServer(t, "250 OK")
	p := NewSMTPProvider(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), DefaultFrom: "noreply@example.gov.sg"}, logger.NewTestLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id, err := p.Send(ctx, emailOutbound())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	data := srv.received()
	assert.Contains(t, data, "From: noreply@example.gov.sg")
	assert.Contains(t, data, "To: user@example.com")
	assert.Contains(t, data, `"message_id":"`+id+`"`)
	assert.Contains(t, data, `"campaign_id":"42"`)
	assert.Contains(t, data, "text/html")
	assert.Contains(t, data, "<p>Hi</p>")
}

func TestSMTPProvider_RejectedRecipients(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		retryable bool
		invalid   bool
	}{
		{"mailbox unavailable", "550 5.1.1 no such user", false, true},
		{"greylisted", "451 4.7.1 try again later", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeSMTPServer(t, tt.reply)
			p := NewSMTPProvider(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), DefaultFrom: "noreply@example.gov.sg"}, logger.NewTestLogger(t))

			_, err := p.Send(context.Background(), emailOutbound())
			require.Error(t, err)

			pe := Classify(p.Name(), err)
			assert.Equal(t, tt.retryable, errors.IsRetryable(pe))
			assert.Equal(t, tt.invalid, pe.InvalidRecipient)
		})
	}
}

func TestSMTPProvider_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSMTPProvider(SMTPConfig{Host: "127.0.0.1", Port: 1}, logger.NewTestLogger(t)).Send(ctx, emailOutbound())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSMTPProvider_QuitFailureAfterAcceptedData(t *testing.T) {
	srv := newFakeSMTPServer(t, "250 OK", func(s *fakeSMTPServer) { s.dropOnQuit = true })
	p := NewSMTPProvider(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), DefaultFrom: "noreply@example.gov.sg"}, logger.NewTestLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id, err := p.Send(ctx, emailOutbound())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, srv.deliveries())
}

func TestSMTPProvider_RejectsHeaderInjection(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		replyTo string
	}{
		{"CRLF in from", "noreply@example.gov.sg\r\nBcc: victim@example.com", ""},
		{"LF in reply-to", "", "reply@example.gov.sg\nBcc: victim@example.com"},
		{"not an address", "postman", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeSMTPServer(t, "250 OK")
			p := NewSMTPProvider(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), DefaultFrom: "noreply@example.gov.sg"}, logger.NewTestLogger(t))

			msg := emailOutbound()
			msg.From = tt.from
			msg.ReplyTo = tt.replyTo
			_, err := p.Send(context.Background(), msg)
			require.Error(t, err)

			pe := Classify(p.Name(), err)
			assert.False(t, errors.IsRetryable(pe))
			assert.False(t, pe.InvalidRecipient)
			assert.Zero(t, srv.deliveries())
		})
	}
}
