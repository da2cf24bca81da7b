package provider

import (
	"context"
	"fmt"
	"strconv"

	"github.com/resend/resend-go/v3"
)

// ResendAPI is the emails service of the Resend client.
type ResendAPI interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

type ResendProvider struct {
	emails      ResendAPI
	senderEmail string
	senderName  string
}

func NewResendProvider(apiKey, senderEmail, senderName string) *ResendProvider {
	return NewResendProviderWithClient(resend.NewClient(apiKey).Emails, senderEmail, senderName)
}

func NewResendProviderWithClient(emails ResendAPI, senderEmail, senderName string) *ResendProvider {
	return &ResendProvider{emails: emails, senderEmail: senderEmail, senderName: senderName}
}

func (p *ResendProvider) Name() string { return "resend" }

func (p *ResendProvider) Send(ctx context.Context, msg *Outbound) (string, error) {
	from := msg.From
	if from == "" {
		from = p.senderEmail
		if p.senderName != "" {
			from = fmt.Sprintf("%s <%s>", p.senderName, p.senderEmail)
		}
	}

	req := &resend.SendEmailRequest{
		From:    from,
		To:      []string{msg.Recipient},
		Subject: msg.Subject,
		Html:    msg.Body,
		Text:    msg.Text,
		ReplyTo: msg.ReplyTo,
		Tags: []resend.Tag{
			{Name: "campaign_id", Value: strconv.FormatInt(msg.CampaignID, 10)},
		},
	}

	sent, err := p.emails.SendWithContext(ctx, req)
	if err != nil {
		return "", classifyMessage(p.Name(), err)
	}
	if sent == nil || sent.Id == "" {
		return "", fmt.Errorf("resend returned no message id")
	}
	return sent.Id, nil
}
