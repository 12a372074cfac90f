// Package repository records finished executions outside the process.
package repository

import (
	"context"
	"encoding/json"
	"time"

	"runbox/internal/common/mq"
	"runbox/internal/sandbox/result"
	appErr "runbox/pkg/errors"
)

const maxEventMessageBytes = 2048

// ExecutionEvent is the audit record of one run_code request.
type ExecutionEvent struct {
	ExecutionID string        `json:"execution_id"`
	SessionID   string        `json:"session_id"`
	Language    string        `json:"language"`
	RemoteAddr  string        `json:"remote_addr,omitempty"`
	CodeBytes   int           `json:"code_bytes"`
	State       result.State  `json:"state"`
	Reason      result.Reason `json:"reason,omitempty"`
	ExitCode    int           `json:"exit_code"`
	Message     string        `json:"message,omitempty"`
	OutputLines int           `json:"output_lines"`
	QueuedMs    int64         `json:"queued_ms"`
	CompileMs   int64         `json:"compile_ms"`
	RunMs       int64         `json:"run_ms"`
	FinishedAt  int64         `json:"finished_at"`
}

// ExecutionEventPublisher publishes execution audit events.
type ExecutionEventPublisher interface {
	PublishExecution(ctx context.Context, event ExecutionEvent) error
}

// MQExecutionEventPublisher publishes execution events to a message queue.
type MQExecutionEventPublisher struct {
	producer mq.Producer
	topic    string
}

func NewMQExecutionEventPublisher(producer mq.Producer, topic string) *MQExecutionEventPublisher {
	return &MQExecutionEventPublisher{producer: producer, topic: topic}
}

// PublishExecution publishes one event keyed by execution id.
func (p *MQExecutionEventPublisher) PublishExecution(ctx context.Context, event ExecutionEvent) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("execution publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("execution topic is required")
	}
	if event.ExecutionID == "" {
		return appErr.ValidationError("execution_id", "required")
	}
	if event.FinishedAt == 0 {
		event.FinishedAt = time.Now().UnixMilli()
	}
	if len(event.Message) > maxEventMessageBytes {
		event.Message = event.Message[:maxEventMessageBytes]
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "marshal execution event failed")
	}
	msg := mq.NewMessage(event.ExecutionID, payload)
	msg.SetHeader("session_id", event.SessionID)
	msg.SetHeader("state", string(event.State))
	if err := p.producer.Publish(ctx, p.topic, msg); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish execution event failed")
	}
	return nil
}

// NoopExecutionEventPublisher drops events; used when no broker is configured.
type NoopExecutionEventPublisher struct{}

func (NoopExecutionEventPublisher) PublishExecution(context.Context, ExecutionEvent) error {
	return nil
}
