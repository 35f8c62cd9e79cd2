package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevent"
)

// SQSName is the backend name reported by SQS.
const SQSName = "sqs"

// Message attribute names set on every envelope.
const (
	AttrKind   = "kind"
	AttrScope  = "scope"
	AttrReason = "deadLetterReason"
)

const (
	// sqsMaxBatch is the largest ReceiveMessage batch SQS allows.
	sqsMaxBatch = 10
	// sqsMaxWait is the longest long-poll SQS allows.
	sqsMaxWait = 20 * time.Second
)

// SQSAPI abstracts the SQS operations the queue uses, for dependency inversion.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Lane names the SQS queue backing a queue type and its dead-letter queue.
type Lane struct {
	URL           string
	DeadLetterURL string
}

// SQS is a Queue backed by one SQS queue per lane. Completion cannot be signalled
// across processes, so tracking is not supported.
type SQS struct {
	client SQSAPI
	lanes  map[asyncevent.QueueType]Lane
}

// NewSQS creates an SQS queue. Lanes without a URL are treated as unknown.
func NewSQS(client SQSAPI, lanes map[asyncevent.QueueType]Lane) *SQS {
	configured := make(map[asyncevent.QueueType]Lane, len(lanes))
	for qt, lane := range lanes {
		if lane.URL != "" {
			configured[qt] = lane
		}
	}
	return &SQS{
		client: client,
		lanes:  configured,
	}
}

// Name implements Queue.
func (q *SQS) Name() string {
	return SQSName
}

// Capabilities implements Queue.
func (q *SQS) Capabilities() asyncevent.Capabilities {
	return asyncevent.Capabilities{}
}

// Lanes returns the configured queue types.
func (q *SQS) Lanes() []asyncevent.QueueType {
	var out []asyncevent.QueueType
	for _, qt := range asyncevent.QueueTypes {
		if _, ok := q.lanes[qt]; ok {
			out = append(out, qt)
		}
	}
	return out
}

func (q *SQS) lane(queueType asyncevent.QueueType) (Lane, error) {
	lane, ok := q.lanes[queueType]
	if !ok {
		return Lane{}, fmt.Errorf("%w: %q", ErrUnknownQueue, queueType)
	}
	return lane, nil
}

// Send implements Queue.
func (q *SQS) Send(ctx context.Context, env asyncevent.Envelope) error {
	lane, err := q.lane(env.Queue)
	if err != nil {
		return err
	}

	body, err := asyncevent.Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(lane.URL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			AttrKind:  stringAttr(string(env.Kind)),
			AttrScope: stringAttr(env.Scope.Key()),
		},
	})
	if err != nil {
		return fmt.Errorf("send envelope %s: %w", env.ID, err)
	}
	return nil
}

// Receive implements Queue using SQS long polling. Messages that do not decode
// into a valid envelope are moved to the dead-letter queue and not returned.
func (q *SQS) Receive(ctx context.Context, queueType asyncevent.QueueType, limit int, wait time.Duration) ([]Delivery, error) {
	lane, err := q.lane(queueType)
	if err != nil {
		return nil, err
	}

	limit = min(max(limit, 1), sqsMaxBatch)
	wait = min(max(wait, 0), sqsMaxWait)

	output, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(lane.URL),
		MaxNumberOfMessages: int32(limit),
		WaitTimeSeconds:     int32(wait / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", queueType, err)
	}

	deliveries := make([]Delivery, 0, len(output.Messages))
	for _, msg := range output.Messages {
		receipt := aws.ToString(msg.ReceiptHandle)
		body := aws.ToString(msg.Body)

		env, err := asyncevent.Decode([]byte(body))
		if err != nil {
			if dlErr := q.DeadLetterRaw(ctx, queueType, receipt, body, err.Error()); dlErr != nil {
				return deliveries, dlErr
			}
			continue
		}

		deliveries = append(deliveries, Delivery{
			Receipt:      receipt,
			Envelope:     env,
			ReceiveCount: ReceiveCount(msg.Attributes),
		})
	}
	return deliveries, nil
}

// ReceiveCount parses the ApproximateReceiveCount system attribute.
func ReceiveCount(attrs map[string]string) int {
	n, err := strconv.Atoi(attrs[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil {
		return 0
	}
	return n
}

// Ack implements Queue.
func (q *SQS) Ack(ctx context.Context, queueType asyncevent.QueueType, receipt string) error {
	lane, err := q.lane(queueType)
	if err != nil {
		return err
	}
	_, err = q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(lane.URL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// Release implements Queue by resetting the message's visibility timeout.
func (q *SQS) Release(ctx context.Context, queueType asyncevent.QueueType, receipt string) error {
	lane, err := q.lane(queueType)
	if err != nil {
		return err
	}
	_, err = q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(lane.URL),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("release message: %w", err)
	}
	return nil
}

// DeadLetter implements Queue: the envelope is copied to the lane's dead-letter
// queue with the reason attached, then deleted from the source queue.
func (q *SQS) DeadLetter(ctx context.Context, queueType asyncevent.QueueType, d Delivery, reason string) error {
	body, err := asyncevent.Encode(d.Envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return q.DeadLetterRaw(ctx, queueType, d.Receipt, string(body), reason)
}

// DeadLetterRaw moves a message body that may not be a valid envelope to the
// dead-letter queue.
func (q *SQS) DeadLetterRaw(ctx context.Context, queueType asyncevent.QueueType, receipt, body, reason string) error {
	lane, err := q.lane(queueType)
	if err != nil {
		return err
	}
	if lane.DeadLetterURL == "" {
		return fmt.Errorf("no dead-letter queue configured for %s", queueType)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(lane.DeadLetterURL),
		MessageBody: aws.String(body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			AttrReason: stringAttr(truncate(reason, 1024)),
		},
	})
	if err != nil {
		return fmt.Errorf("send to dead-letter queue: %w", err)
	}

	return q.Ack(ctx, queueType, receipt)
}

// Depth implements Queue using the approximate counters SQS maintains.
func (q *SQS) Depth(ctx context.Context, queueType asyncevent.QueueType) (int64, error) {
	lane, err := q.lane(queueType)
	if err != nil {
		return 0, err
	}

	output, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(lane.URL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("get queue attributes: %w", err)
	}

	var total int64
	for _, name := range []types.QueueAttributeName{
		types.QueueAttributeNameApproximateNumberOfMessages,
		types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
	} {
		if v, ok := output.Attributes[string(name)]; ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse %s: %w", name, err)
			}
			total += n
		}
	}
	return total, nil
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
