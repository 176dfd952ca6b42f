// Package queue provides the SQS-based execution queue producer. The
// scheduler emits every fired execution through it after the trigger
// record has been persisted; downstream executors consume the queue.
package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/klauspost/compress/zstd"
	"github.com/sony/gobreaker/v2"

	"flowmill/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// compressThreshold is the body size above which payloads are
// zstd-compressed before sending. SQS caps messages at 256 KiB; large
// trigger payloads (polled file listings, API pages) can approach it.
const compressThreshold = 48 * 1024

// encodingAttribute marks compressed message bodies so consumers know to
// decode base64+zstd before unmarshalling.
const encodingAttribute = "content_encoding"

// ExecutionQueue emits executions to a single SQS queue. Sends run
// through a circuit breaker: when SQS misbehaves the breaker opens and
// emits fail fast, which the scheduler surfaces as evaluation failures
// and retries on its own cadence.
type ExecutionQueue struct {
	client   SQSSender
	queueURL string
	breaker  *gobreaker.CircuitBreaker[*sqs.SendMessageOutput]
	encoder  *zstd.Encoder
	logger   *slog.Logger
	closed   atomic.Bool
}

// NewExecutionQueue creates the producer for the given queue URL.
func NewExecutionQueue(client SQSSender, queueURL string, logger *slog.Logger) *ExecutionQueue {
	if logger == nil {
		logger = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker[*sqs.SendMessageOutput](gobreaker.Settings{
		Name:        "execution-queue",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	// EncodeAll with a nil writer is safe for concurrent use.
	encoder, _ := zstd.NewWriter(nil)

	return &ExecutionQueue{
		client:   client,
		queueURL: queueURL,
		breaker:  cb,
		encoder:  encoder,
		logger:   logger,
	}
}

// Emit serializes the execution and sends it to the queue. It returns
// types.ErrQueueClosed after Close; result handlers surface that as an
// emit failure.
func (q *ExecutionQueue) Emit(ctx context.Context, exec types.Execution) error {
	if q.closed.Load() {
		return types.ErrQueueClosed
	}

	raw, err := json.Marshal(exec)
	if err != nil {
		return types.NewAppError(types.ErrCodeQueueEmit, "failed to marshal execution", err)
	}

	body := string(raw)
	attrs := map[string]sqsTypes.MessageAttributeValue{
		"namespace": {DataType: aws.String("String"), StringValue: aws.String(exec.Namespace)},
		"flow_id":   {DataType: aws.String("String"), StringValue: aws.String(exec.FlowID)},
	}

	if len(raw) > compressThreshold {
		compressed := q.encoder.EncodeAll(raw, nil)
		body = base64.StdEncoding.EncodeToString(compressed)
		attrs[encodingAttribute] = sqsTypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String("zstd+base64"),
		}
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(q.queueURL),
		MessageBody:       aws.String(body),
		MessageAttributes: attrs,
	}

	_, err = q.breaker.Execute(func() (*sqs.SendMessageOutput, error) {
		return q.client.SendMessage(ctx, input)
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeQueueEmit,
			fmt.Sprintf("failed to send execution %s to %s", exec.ID, q.queueURL), err)
	}

	q.logger.InfoContext(ctx, "execution emitted",
		"execution_id", exec.ID,
		"namespace", exec.Namespace,
		"flow_id", exec.FlowID,
		"queue_url", q.queueURL,
	)

	return nil
}

// Close marks the queue closed. Subsequent emits fail with
// types.ErrQueueClosed; in-flight sends are not interrupted.
func (q *ExecutionQueue) Close() {
	q.closed.Store(true)
}
