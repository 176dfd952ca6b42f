package queue

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/klauspost/compress/zstd"

	"flowmill/internal/types"
)

// --- Mock SQS Client ---

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	calls []*sqs.SendMessageInput
	err   error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789/executions"

func testExecution() types.Execution {
	return types.Execution{
		ID:        "exec-1",
		Namespace: "company.team",
		FlowID:    "daily-report",
		State:     types.StateCreated,
		CreatedAt: time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC),
	}
}

// --- Tests ---

func TestEmit_SendsExecutionJSON(t *testing.T) {
	mock := &mockSQSSender{}
	q := NewExecutionQueue(mock, testQueueURL, slog.Default())

	err := q.Emit(context.Background(), testExecution())
	if err != nil {
		t.Fatalf("Emit returned unexpected error: %v", err)
	}

	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(mock.calls))
	}

	call := mock.calls[0]
	if *call.QueueUrl != testQueueURL {
		t.Errorf("expected queue URL %q, got %q", testQueueURL, *call.QueueUrl)
	}

	var decoded types.Execution
	if err := json.Unmarshal([]byte(*call.MessageBody), &decoded); err != nil {
		t.Fatalf("failed to unmarshal message body: %v", err)
	}
	if decoded.ID != "exec-1" || decoded.FlowID != "daily-report" {
		t.Errorf("unexpected payload: %+v", decoded)
	}

	if attr, ok := call.MessageAttributes["namespace"]; !ok || *attr.StringValue != "company.team" {
		t.Errorf("missing or wrong namespace attribute: %+v", call.MessageAttributes)
	}
}

func TestEmit_CompressesLargePayloads(t *testing.T) {
	mock := &mockSQSSender{}
	q := NewExecutionQueue(mock, testQueueURL, slog.Default())

	exec := testExecution()
	exec.Variables = map[string]any{
		"payload": strings.Repeat("flowmill ", 16*1024),
	}

	if err := q.Emit(context.Background(), exec); err != nil {
		t.Fatalf("Emit returned unexpected error: %v", err)
	}

	call := mock.calls[0]
	attr, ok := call.MessageAttributes[encodingAttribute]
	if !ok || *attr.StringValue != "zstd+base64" {
		t.Fatalf("expected %s attribute on a large payload", encodingAttribute)
	}

	// The body must round-trip: base64 -> zstd -> JSON.
	compressed, err := base64.StdEncoding.DecodeString(*call.MessageBody)
	if err != nil {
		t.Fatalf("body is not valid base64: %v", err)
	}
	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatalf("creating zstd reader: %v", err)
	}
	defer dec.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(dec.IOReadCloser()); err != nil {
		t.Fatalf("decompressing body: %v", err)
	}

	var decoded types.Execution
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to unmarshal decompressed body: %v", err)
	}
	if decoded.ID != "exec-1" {
		t.Errorf("round-trip lost the execution id: %+v", decoded)
	}
}

func TestEmit_SmallPayloadsAreNotCompressed(t *testing.T) {
	mock := &mockSQSSender{}
	q := NewExecutionQueue(mock, testQueueURL, slog.Default())

	if err := q.Emit(context.Background(), testExecution()); err != nil {
		t.Fatal(err)
	}

	if _, ok := mock.calls[0].MessageAttributes[encodingAttribute]; ok {
		t.Error("small payload must not carry the encoding attribute")
	}
}

func TestEmit_WrapsTransportErrors(t *testing.T) {
	mock := &mockSQSSender{err: errors.New("sqs unavailable")}
	q := NewExecutionQueue(mock, testQueueURL, slog.Default())

	err := q.Emit(context.Background(), testExecution())
	if err == nil {
		t.Fatal("expected error when SendMessage fails")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeQueueEmit {
		t.Errorf("expected queue_emit_failed AppError, got %v", err)
	}
}

func TestEmit_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	mock := &mockSQSSender{err: errors.New("sqs unavailable")}
	q := NewExecutionQueue(mock, testQueueURL, slog.Default())

	// Five consecutive transport failures trip the breaker.
	for i := 0; i < 5; i++ {
		if err := q.Emit(context.Background(), testExecution()); err == nil {
			t.Fatal("expected error")
		}
	}
	callsSoFar := len(mock.calls)

	// The breaker is open: emits fail fast without reaching SQS.
	if err := q.Emit(context.Background(), testExecution()); err == nil {
		t.Fatal("expected error while breaker open")
	}
	if len(mock.calls) != callsSoFar {
		t.Errorf("expected no SQS call while breaker open, got %d extra", len(mock.calls)-callsSoFar)
	}
}

func TestEmit_AfterCloseFailsWithSentinel(t *testing.T) {
	mock := &mockSQSSender{}
	q := NewExecutionQueue(mock, testQueueURL, slog.Default())
	q.Close()

	err := q.Emit(context.Background(), testExecution())
	if !errors.Is(err, types.ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}
	if len(mock.calls) != 0 {
		t.Errorf("expected no SQS call after close, got %d", len(mock.calls))
	}
}
