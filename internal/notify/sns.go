package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes each message as JSON to one topic. Subscribers render
// and send the mail.
type SNSNotifier struct {
	client   snsAPI
	topicARN string
}

// NewSNSNotifier loads the default AWS configuration. A non-empty endpoint
// points the client elsewhere, e.g. at LocalStack.
func NewSNSNotifier(ctx context.Context, topicARN string, endpoint string) (*SNSNotifier, error) {
	if topicARN == "" {
		return nil, fmt.Errorf("sns topic arn is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &SNSNotifier{client: client, topicARN: topicARN}, nil
}

func (n *SNSNotifier) Notify(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"template": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Template),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sns publish failed for topic %s: %w", n.topicARN, err)
	}
	return nil
}
