package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSProvider sends SMS by publishing straight to a phone number.
type SNSProvider struct {
	client   SNSAPI
	senderID string
	smsType  string
}

func NewSNSProvider(client SNSAPI, senderID, smsType string) *SNSProvider {
	if smsType == "" {
		smsType = "Transactional"
	}
	return &SNSProvider{client: client, senderID: senderID, smsType: smsType}
}

func (p *SNSProvider) Name() string { return "sns" }

func (p *SNSProvider) Send(ctx context.Context, msg *Outbound) (string, error) {
	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String(p.smsType)},
	}
	if p.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(p.senderID)}
	}

	out, err := p.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(msg.Recipient),
		Message:           aws.String(msg.Body),
		MessageAttributes: attrs,
	})
	if err != nil {
		return "", err
	}
	if out == nil || out.MessageId == nil {
		return "", fmt.Errorf("sns returned no message id")
	}
	return aws.ToString(out.MessageId), nil
}
