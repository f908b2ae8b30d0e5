package events

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	log "github.com/sirupsen/logrus"
)

const (
	sqsMaxMessages       = 5
	sqsWaitSeconds       = 20
	sqsVisibilitySeconds = 180
	sqsErrBackoff        = 5 * time.Second
)

// sqsAPI is the subset of the SQS client used by the bus.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSBus carries events on an SQS queue. Unacknowledged messages reappear after the visibility timeout.
type SQSBus struct {
	client   sqsAPI
	queueURL string
	wait     int32
}

// NewSQSBus creates a bus on queueURL.
func NewSQSBus(client sqsAPI, queueURL string) *SQSBus {
	return &SQSBus{client: client, queueURL: queueURL, wait: sqsWaitSeconds}
}

// Publish sends evt as the message body.
func (b *SQSBus) Publish(ctx context.Context, evt Event) error {
	raw, errEncode := encode(evt)
	if errEncode != nil {
		return errEncode
	}
	_, errSend := b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(b.queueURL),
		MessageBody: aws.String(string(raw)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_name": {DataType: aws.String("String"), StringValue: aws.String(evt.Name)},
		},
	})
	if errSend != nil {
		return fmt.Errorf("events: sqs send: %w", errSend)
	}
	return nil
}

// Consume long-polls the queue and deletes each message after h returns nil.
func (b *SQSBus) Consume(ctx context.Context, consumer string, h Handler) error {
	for ctx.Err() == nil {
		resp, errRecv := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(b.queueURL),
			MaxNumberOfMessages: sqsMaxMessages,
			WaitTimeSeconds:     b.wait,
			VisibilityTimeout:   sqsVisibilitySeconds,
		})
		if errRecv != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(errRecv).WithField("consumer", consumer).Warn("events: sqs receive failed")
			sleepCtx(ctx, sqsErrBackoff)
			continue
		}
		for _, msg := range resp.Messages {
			b.handle(ctx, consumer, msg, h)
		}
	}
	return nil
}

func (b *SQSBus) handle(ctx context.Context, consumer string, msg sqstypes.Message, h Handler) {
	fields := log.Fields{"consumer": consumer, "message_id": aws.ToString(msg.MessageId)}
	evt, errDecode := decode([]byte(aws.ToString(msg.Body)))
	if errDecode != nil {
		log.WithError(errDecode).WithFields(fields).Error("events: dropping malformed message")
		b.delete(ctx, msg)
		return
	}
	if errHandle := h(ctx, evt); errHandle != nil {
		log.WithError(errHandle).WithFields(fields).WithField("event", evt.Name).Warn("events: handler failed, message will become visible again")
		return
	}
	b.delete(ctx, msg)
}

func (b *SQSBus) delete(ctx context.Context, msg sqstypes.Message) {
	if msg.ReceiptHandle == nil {
		return
	}
	_, errDelete := b.client.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(b.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if errDelete != nil {
		log.WithError(errDelete).WithField("message_id", aws.ToString(msg.MessageId)).Warn("events: sqs delete failed")
	}
}

// Close is a no-op; the SQS client holds no connection.
func (b *SQSBus) Close() error {
	return nil
}
