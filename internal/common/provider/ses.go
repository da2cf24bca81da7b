package provider

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SESAPI is the slice of the SES client the provider needs.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESProvider struct {
	client           SESAPI
	from             string
	configurationSet string
}

// NewSESProvider sends email through SES. configurationSet routes SES
// delivery notifications to the callback endpoint and may be empty.
func NewSESProvider(client SESAPI, from, configurationSet string) *SESProvider {
	return &SESProvider{client: client, from: from, configurationSet: configurationSet}
}

func (p *SESProvider) Name() string { return "ses" }

func (p *SESProvider) Send(ctx context.Context, msg *Outbound) (string, error) {
	from := msg.From
	if from == "" {
		from = p.from
	}

	input := &ses.SendEmailInput{
		Source: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.Recipient},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
			Body: &types.Body{
				Html: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
				Text: &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")},
			},
		},
		Tags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(strconv.FormatInt(msg.CampaignID, 10))},
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if p.configurationSet != "" {
		input.ConfigurationSetName = aws.String(p.configurationSet)
	}

	out, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return "", err
	}
	if out == nil || out.MessageId == nil {
		return "", fmt.Errorf("ses returned no message id")
	}
	return aws.ToString(out.MessageId), nil
}
