package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/aurora/internal/resilience"
)

// MeetingConfirmation is the result text returned for a booked meeting.
const MeetingConfirmation = "Appointment confirmed and added to calendar."

// Handler executes a typed tool call and returns the result payload sent back
// to the backend. Implementations must be safe for concurrent use and must
// respect context cancellation.
type Handler interface {
	Handle(ctx context.Context, call Call) (map[string]any, error)
}

// HandlerFunc adapts an ordinary function to [Handler].
type HandlerFunc func(ctx context.Context, call Call) (map[string]any, error)

// Handle calls f(ctx, call).
func (f HandlerFunc) Handle(ctx context.Context, call Call) (map[string]any, error) {
	return f(ctx, call)
}

// Action is a receptionist action taken on behalf of a caller.
type Action struct {
	SessionID string    `json:"session_id,omitempty"`
	Tool      string    `json:"tool"`
	Call      Call      `json:"args"`
	At        time.Time `json:"at"`
}

// Notifier delivers actions to the surrounding business systems.
type Notifier interface {
	Notify(ctx context.Context, a Action) error
}

// ── Actions ────────────────────────────────────────────────────────────────────

// Actions is the default [Handler]. It forwards every call to a [Notifier]
// and answers with a short confirmation the agent can read back.
type Actions struct {
	notifier  Notifier
	sessionID string
	now       func() time.Time
}

// ActionsOption configures [Actions].
type ActionsOption func(*Actions)

// WithSessionID tags every action with id.
func WithSessionID(id string) ActionsOption {
	return func(a *Actions) { a.sessionID = id }
}

// WithClock overrides the clock used to timestamp actions.
func WithClock(now func() time.Time) ActionsOption {
	return func(a *Actions) { a.now = now }
}

// NewActions returns an [Actions] handler delivering to n.
func NewActions(n Notifier, opts ...ActionsOption) *Actions {
	a := &Actions{notifier: n, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

var _ Handler = (*Actions)(nil)

// Handle notifies and confirms.
func (a *Actions) Handle(ctx context.Context, call Call) (map[string]any, error) {
	err := a.notifier.Notify(ctx, Action{
		SessionID: a.sessionID,
		Tool:      call.Tool(),
		Call:      call,
		At:        a.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("tools: %s: %w", call.Tool(), err)
	}

	var status string
	switch c := call.(type) {
	case ScheduleMeeting:
		status = MeetingConfirmation
	case SendEmailFollowup:
		status = fmt.Sprintf("Follow-up email to %s queued.", c.To)
	case SendSMSFollowup:
		status = fmt.Sprintf("Follow-up text message to %s queued.", c.To)
	default:
		status = "ok"
	}
	return map[string]any{"status": status}, nil
}

// ── Notifiers ──────────────────────────────────────────────────────────────────

// LogNotifier writes actions to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs a at info level.
func (n LogNotifier) Notify(ctx context.Context, a Action) error {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "receptionist action", "tool", a.Tool, "args", a.Call, "session_id", a.SessionID)
	return nil
}

// WebhookNotifier posts each action as JSON to an HTTP endpoint. Repeated
// delivery failures open a circuit breaker so a dead endpoint does not stall
// every tool call for the full client timeout.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	breaker *resilience.CircuitBreaker
}

// NewWebhookNotifier returns a notifier posting to url. A nil client uses a
// client with a 10 s timeout.
func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{
		url:    url,
		client: client,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:        "tool-webhook",
			MaxFailures: 3,
		}),
	}
}

// Notify posts a and fails on any non-2xx response.
func (n *WebhookNotifier) Notify(ctx context.Context, a Action) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}
	return n.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook: post: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
		}
		return nil
	})
}

// MultiNotifier fans an action out to every notifier and joins their errors.
type MultiNotifier []Notifier

// Notify delivers a to each notifier in order.
func (m MultiNotifier) Notify(ctx context.Context, a Action) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
