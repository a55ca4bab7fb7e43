package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of the SQS client used by SQSGateway.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSConfig maps logical queues to SQS URLs and sets lease parameters.
type SQSConfig struct {
	URLs              map[ID]string
	WaitTimeSeconds   int32
	VisibilityTimeout int32
}

// SQSGateway implements Gateway on Amazon SQS.
type SQSGateway struct {
	client SQSAPI
	cfg    SQSConfig
	now    func() time.Time
}

// NewSQSGateway creates a gateway. A zero WaitTimeSeconds defaults to 20.
func NewSQSGateway(client SQSAPI, cfg SQSConfig) *SQSGateway {
	if cfg.WaitTimeSeconds <= 0 {
		cfg.WaitTimeSeconds = 20
	}
	return &SQSGateway{client: client, cfg: cfg, now: time.Now}
}

func (g *SQSGateway) url(q ID) (string, error) {
	u, ok := g.cfg.URLs[q]
	if !ok || u == "" {
		return "", fmt.Errorf("%w: no url configured for queue %q", ErrQueue, q)
	}
	return u, nil
}

// Enqueue sends payload as a JSON body tagged with its MessageType.
func (g *SQSGateway) Enqueue(ctx context.Context, q ID, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal %s message: %v", ErrQueue, q, err)
	}
	return g.send(ctx, q, body)
}

func (g *SQSGateway) send(ctx context.Context, q ID, body []byte) error {
	u, err := g.url(q)
	if err != nil {
		return err
	}
	_, err = g.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(u),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"MessageType": {DataType: aws.String("String"), StringValue: aws.String(messageType(q))},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: send to %s: %v", ErrQueue, q, err)
	}
	return nil
}

// Receive long-polls q for up to max messages (capped at 10 by SQS).
func (g *SQSGateway) Receive(ctx context.Context, q ID, max int) ([]Message, error) {
	u, err := g.url(q)
	if err != nil {
		return nil, err
	}
	if max <= 0 || max > 10 {
		max = 10
	}
	in := &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(u),
		MaxNumberOfMessages:         int32(max),
		WaitTimeSeconds:             g.cfg.WaitTimeSeconds,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	}
	if g.cfg.VisibilityTimeout > 0 {
		in.VisibilityTimeout = g.cfg.VisibilityTimeout
	}
	out, err := g.client.ReceiveMessage(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("%w: receive from %s: %v", ErrQueue, q, err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		count, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		msgs = append(msgs, Message{
			ID:           aws.ToString(m.MessageId),
			Body:         []byte(aws.ToString(m.Body)),
			Receipt:      aws.ToString(m.ReceiptHandle),
			ReceiveCount: count,
		})
	}
	return msgs, nil
}

// Acknowledge deletes the leased message. A receipt SQS no longer
// recognizes means the message is already gone and counts as acknowledged.
func (g *SQSGateway) Acknowledge(ctx context.Context, q ID, receipt string) error {
	u, err := g.url(q)
	if err != nil {
		return err
	}
	_, err = g.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(u),
		ReceiptHandle: aws.String(receipt),
	})
	var invalid *types.ReceiptHandleIsInvalid
	if errors.As(err, &invalid) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: delete from %s: %v", ErrQueue, q, err)
	}
	return nil
}

// DeadLetter sends payload to the dead-letter queue.
func (g *SQSGateway) DeadLetter(ctx context.Context, payload interface{}, reason string) error {
	body, err := deadLetterBody(payload, reason, g.now())
	if err != nil {
		return err
	}
	return g.send(ctx, DeadLetters, body)
}

// Ping checks that every configured queue is reachable.
func (g *SQSGateway) Ping(ctx context.Context) error {
	for q, u := range g.cfg.URLs {
		if u == "" {
			continue
		}
		_, err := g.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl:       aws.String(u),
			AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
		})
		if err != nil {
			return fmt.Errorf("%w: %s unreachable: %v", ErrQueue, q, err)
		}
	}
	return nil
}
