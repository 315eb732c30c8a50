package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config configures the audit logger.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Output is "stdout", "stderr", or "file:<path>".
	Output string `yaml:"output"`

	// HashInputs replaces tool inputs with a SHA-256 digest in the log.
	HashInputs bool `yaml:"hash_inputs"`

	// MaxFieldSize truncates output/error fields (default 1024 bytes).
	MaxFieldSize int `yaml:"max_field_size"`

	// BufferSize is the async event buffer size (default 1000).
	BufferSize int `yaml:"buffer_size"`
}

// Logger writes audit events as JSON lines through slog. Writes are
// buffered and flushed by a background goroutine so hot paths never block
// on the audit sink.
type Logger struct {
	config  Config
	output  io.WriteCloser
	slogger *slog.Logger
	buffer  chan *Event
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewLogger creates an audit logger. A disabled logger accepts and drops
// all events.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}

	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.MaxFieldSize == 0 {
		config.MaxFieldSize = 1024
	}

	var output io.WriteCloser
	switch {
	case config.Output == "stdout" || config.Output == "":
		output = os.Stdout
	case config.Output == "stderr":
		output = os.Stderr
	case strings.HasPrefix(config.Output, "file:"):
		path := strings.TrimPrefix(config.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		output = f
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", config.Output)
	}

	l := &Logger{
		config:  config,
		output:  output,
		slogger: slog.New(slog.NewJSONHandler(output, nil)),
		buffer:  make(chan *Event, config.BufferSize),
		done:    make(chan struct{}),
	}

	l.wg.Add(1)
	go l.drain()

	return l, nil
}

// Log records an audit event. Never blocks; events are dropped if the
// buffer is full (the drop is surfaced through slog).
func (l *Logger) Log(ctx context.Context, event *Event) {
	if !l.config.Enabled || event == nil {
		return
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if l.config.HashInputs && len(event.Input) > 0 {
		sum := sha256.Sum256(event.Input)
		event.InputHash = hex.EncodeToString(sum[:])
		event.Input = nil
	}
	event.Output = l.truncate(event.Output)
	event.Error = l.truncate(event.Error)

	select {
	case l.buffer <- event:
	default:
		slog.Warn("audit buffer full, event dropped", "type", event.Type, "execution_id", event.ExecutionID)
	}
}

// ToolInvocation logs a started tool call.
func (l *Logger) ToolInvocation(ctx context.Context, executionID, agentID, tool string, input json.RawMessage) {
	l.Log(ctx, &Event{
		Type:        EventToolInvocation,
		ExecutionID: executionID,
		AgentID:     agentID,
		Tool:        tool,
		Input:       input,
	})
}

// ToolCompletion logs the outcome of a tool call, successful or not.
func (l *Logger) ToolCompletion(ctx context.Context, executionID, agentID, tool string, input json.RawMessage, output, errMsg string, duration time.Duration) {
	l.Log(ctx, &Event{
		Type:        EventToolCompletion,
		ExecutionID: executionID,
		AgentID:     agentID,
		Tool:        tool,
		Input:       input,
		Output:      output,
		Error:       errMsg,
		Duration:    duration.Milliseconds(),
	})
}

// ToolDenied logs a policy or approval denial.
func (l *Logger) ToolDenied(ctx context.Context, executionID, agentID, tool, reason string) {
	l.Log(ctx, &Event{
		Type:        EventToolDenied,
		ExecutionID: executionID,
		AgentID:     agentID,
		Tool:        tool,
		Reason:      reason,
	})
}

// Close flushes buffered events and releases the output.
func (l *Logger) Close() error {
	if !l.config.Enabled {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	if l.output != os.Stdout && l.output != os.Stderr {
		return l.output.Close()
	}
	return nil
}

func (l *Logger) drain() {
	defer l.wg.Done()
	for {
		select {
		case event := <-l.buffer:
			l.write(event)
		case <-l.done:
			for {
				select {
				case event := <-l.buffer:
					l.write(event)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(event *Event) {
	attrs := []any{
		"audit_id", event.ID,
		"type", string(event.Type),
	}
	if event.ExecutionID != "" {
		attrs = append(attrs, "execution_id", event.ExecutionID)
	}
	if event.AgentID != "" {
		attrs = append(attrs, "agent_id", event.AgentID)
	}
	if event.Tool != "" {
		attrs = append(attrs, "tool", event.Tool)
	}
	if len(event.Input) > 0 {
		attrs = append(attrs, "input", string(event.Input))
	}
	if event.InputHash != "" {
		attrs = append(attrs, "input_hash", event.InputHash)
	}
	if event.Output != "" {
		attrs = append(attrs, "output", event.Output)
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}
	if event.Reason != "" {
		attrs = append(attrs, "reason", event.Reason)
	}
	if event.Risk != "" {
		attrs = append(attrs, "risk", event.Risk)
	}
	if event.Status != "" {
		attrs = append(attrs, "status", event.Status)
	}
	if event.Duration > 0 {
		attrs = append(attrs, "duration_ms", event.Duration)
	}
	l.slogger.Info("audit", attrs...)
}

func (l *Logger) truncate(s string) string {
	if l.config.MaxFieldSize > 0 && len(s) > l.config.MaxFieldSize {
		return s[:l.config.MaxFieldSize] + "...[truncated]"
	}
	return s
}
