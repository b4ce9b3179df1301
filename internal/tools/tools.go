// Package tools implements the tool-call dispatcher for Aurora sessions.
//
// The backend may only call a closed vocabulary of receptionist actions:
//   - "schedule_meeting"    books a meeting with the caller.
//   - "send_email_followup" queues a follow-up email.
//   - "send_sms_followup"   queues a follow-up text message.
//
// [Declarations] produces the handshake schema for that vocabulary, [Parse]
// turns an inbound request into a typed [Call], and [Dispatcher] runs the
// matching [Handler] off the message pump, answering every request exactly
// once.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/aurora/pkg/provider/s2s"
)

var (
	// ErrUnrecognizedTool is reported when the backend calls a tool outside
	// the declared vocabulary.
	ErrUnrecognizedTool = errors.New("tools: unrecognized tool")

	// ErrInvalidArguments is reported when required arguments are missing or
	// have the wrong type.
	ErrInvalidArguments = errors.New("tools: invalid arguments")

	// ErrHandlerFailure is reported when a handler returns an error or panics.
	ErrHandlerFailure = errors.New("tools: handler failure")
)

// Wire names of the declared tools.
const (
	NameScheduleMeeting   = "schedule_meeting"
	NameSendEmailFollowup = "send_email_followup"
	NameSendSMSFollowup   = "send_sms_followup"

	// legacyBookMeeting is the name older prompts still use for scheduling.
	legacyBookMeeting = "bookMeeting"
)

// Call is one typed tool invocation. The set of implementations is closed.
type Call interface {
	// Tool returns the wire name of the tool.
	Tool() string

	isCall()
}

// ScheduleMeeting books a meeting or call with the prospect.
type ScheduleMeeting struct {
	Date    string `json:"date"`
	Time    string `json:"time"`
	Purpose string `json:"purpose"`
}

// SendEmailFollowup queues an email to the caller.
type SendEmailFollowup struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SendSMSFollowup queues a text message to the caller.
type SendSMSFollowup struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (ScheduleMeeting) Tool() string   { return NameScheduleMeeting }
func (SendEmailFollowup) Tool() string { return NameSendEmailFollowup }
func (SendSMSFollowup) Tool() string   { return NameSendSMSFollowup }

func (ScheduleMeeting) isCall()   {}
func (SendEmailFollowup) isCall() {}
func (SendSMSFollowup) isCall()   {}

// ── Schema ─────────────────────────────────────────────────────────────────────

type param struct {
	name        string
	description string
}

type toolSpec struct {
	name        string
	description string
	params      []param
	decode      func(args map[string]any) (Call, error)
}

var specs = []toolSpec{
	{
		name:        NameScheduleMeeting,
		description: "Schedules a meeting or call with the prospect.",
		params: []param{
			{"date", "The date of the meeting (e.g. 2024-05-20)"},
			{"time", "The time of the meeting (e.g. 14:30)"},
			{"purpose", "The primary goal of the meeting."},
		},
		decode: decodeAs[ScheduleMeeting],
	},
	{
		name:        NameSendEmailFollowup,
		description: "Sends a follow-up email to the caller after the conversation.",
		params: []param{
			{"to", "The recipient email address."},
			{"subject", "The email subject line."},
			{"body", "The plain-text email body."},
		},
		decode: decodeAs[SendEmailFollowup],
	},
	{
		name:        NameSendSMSFollowup,
		description: "Sends a follow-up text message to the caller.",
		params: []param{
			{"to", "The recipient phone number in international format."},
			{"message", "The message text."},
		},
		decode: decodeAs[SendSMSFollowup],
	},
}

func lookup(name string) (toolSpec, bool) {
	if name == legacyBookMeeting {
		name = NameScheduleMeeting
	}
	for _, s := range specs {
		if s.name == name {
			return s, true
		}
	}
	return toolSpec{}, false
}

// Declarations returns the handshake schema of every declared tool. All
// parameters are strings and all are required.
func Declarations() []s2s.ToolDeclaration {
	out := make([]s2s.ToolDeclaration, 0, len(specs))
	for _, s := range specs {
		props := make(map[string]any, len(s.params))
		required := make([]string, 0, len(s.params))
		for _, p := range s.params {
			props[p.name] = map[string]any{"type": "STRING", "description": p.description}
			required = append(required, p.name)
		}
		out = append(out, s2s.ToolDeclaration{
			Name:        s.name,
			Description: s.description,
			Parameters: map[string]any{
				"type":       "OBJECT",
				"properties": props,
				"required":   required,
			},
		})
	}
	return out
}

// Parse validates req against the declared vocabulary and returns the typed
// call. Unknown names wrap [ErrUnrecognizedTool]; missing or mistyped
// arguments wrap [ErrInvalidArguments].
func Parse(req s2s.ToolCallRequest) (Call, error) {
	s, ok := lookup(req.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnrecognizedTool, req.Name)
	}

	var missing []string
	for _, p := range s.params {
		v, ok := req.Args[p.name].(string)
		if !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, p.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s: missing %s", ErrInvalidArguments, s.name, strings.Join(missing, ", "))
	}
	return s.decode(req.Args)
}

// decodeAs converts loosely typed arguments into T through JSON.
func decodeAs[T Call](args map[string]any) (Call, error) {
	var out T
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, out.Tool(), err)
	}
	return out, nil
}
