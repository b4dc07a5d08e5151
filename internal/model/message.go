package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message roles.
const (
	RoleHuman  = "human"
	RoleAI     = "ai"
	RoleSystem = "system"
	RoleTool   = "tool"
)

// Message is one entry of a conversation. The concrete types are
// HumanMessage, AIMessage, SystemMessage and ToolMessage; each carries only
// the fields that are valid for its role.
type Message interface {
	Role() string
	Text() string
	Time() time.Time
	isMessage()
}

// HumanMessage is a request typed by the requester.
type HumanMessage struct {
	Content string
	SentAt  time.Time
}

// AIMessage is a turn produced by a worker. ToolCalls lists the tool
// invocations the worker requested during this turn.
type AIMessage struct {
	Content   string
	WorkerID  string
	ToolCalls []ToolCall
	SentAt    time.Time
}

// SystemMessage carries engine-authored context such as handoff notes or
// compacted tool breadcrumbs.
type SystemMessage struct {
	Content string
	SentAt  time.Time
}

// ToolMessage is the result of a tool invocation, addressed to the AI turn
// that requested it by CallID.
type ToolMessage struct {
	CallID   string
	ToolName string
	Content  string
	IsError  bool
	SentAt   time.Time
}

func (m HumanMessage) Role() string     { return RoleHuman }
func (m HumanMessage) Text() string     { return m.Content }
func (m HumanMessage) Time() time.Time  { return m.SentAt }
func (HumanMessage) isMessage()         {}
func (m AIMessage) Role() string        { return RoleAI }
func (m AIMessage) Text() string        { return m.Content }
func (m AIMessage) Time() time.Time     { return m.SentAt }
func (AIMessage) isMessage()            {}
func (m SystemMessage) Role() string    { return RoleSystem }
func (m SystemMessage) Text() string    { return m.Content }
func (m SystemMessage) Time() time.Time { return m.SentAt }
func (SystemMessage) isMessage()        {}
func (m ToolMessage) Role() string      { return RoleTool }
func (m ToolMessage) Text() string      { return m.Content }
func (m ToolMessage) Time() time.Time   { return m.SentAt }
func (ToolMessage) isMessage()          {}

// ToolCall records one tool invocation requested by an AI turn.
type ToolCall struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
	Result string         `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Messages is an ordered conversation. It marshals to a flat JSON array with
// a role discriminator.
type Messages []Message

// wireMessage is the JSON shape of a Message.
type wireMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
	WorkerID  string     `json:"sender_worker_id,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	CallID    string     `json:"tool_call_id,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
	IsError   bool       `json:"is_error,omitempty"`
}

func toWire(m Message) wireMessage {
	w := wireMessage{Role: m.Role(), Content: m.Text(), Timestamp: m.Time()}
	switch v := m.(type) {
	case AIMessage:
		w.WorkerID = v.WorkerID
		w.ToolCalls = v.ToolCalls
	case ToolMessage:
		w.CallID = v.CallID
		w.ToolName = v.ToolName
		w.IsError = v.IsError
	}
	return w
}

func fromWire(w wireMessage) (Message, error) {
	switch w.Role {
	case RoleHuman:
		return HumanMessage{Content: w.Content, SentAt: w.Timestamp}, nil
	case RoleAI:
		return AIMessage{Content: w.Content, WorkerID: w.WorkerID, ToolCalls: w.ToolCalls, SentAt: w.Timestamp}, nil
	case RoleSystem:
		return SystemMessage{Content: w.Content, SentAt: w.Timestamp}, nil
	case RoleTool:
		return ToolMessage{CallID: w.CallID, ToolName: w.ToolName, Content: w.Content, IsError: w.IsError, SentAt: w.Timestamp}, nil
	default:
		return nil, fmt.Errorf("unknown message role %q", w.Role)
	}
}

// MarshalJSON implements json.Marshaler.
func (ms Messages) MarshalJSON() ([]byte, error) {
	out := make([]wireMessage, len(ms))
	for i, m := range ms {
		out[i] = toWire(m)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (ms *Messages) UnmarshalJSON(data []byte) error {
	var in []wireMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	out := make(Messages, 0, len(in))
	for _, w := range in {
		m, err := fromWire(w)
		if err != nil {
			return err
		}
		out = append(out, m)
	}
	*ms = out
	return nil
}

// Clone copies the slice and any tool call slices inside AI messages.
func (ms Messages) Clone() Messages {
	if ms == nil {
		return nil
	}
	out := make(Messages, len(ms))
	for i, m := range ms {
		if ai, ok := m.(AIMessage); ok && ai.ToolCalls != nil {
			ai.ToolCalls = append([]ToolCall(nil), ai.ToolCalls...)
			m = ai
		}
		out[i] = m
	}
	return out
}

// LastAI returns the content of the most recent non-empty AI message.
func (ms Messages) LastAI() (string, bool) {
	for i := len(ms) - 1; i >= 0; i-- {
		if ai, ok := ms[i].(AIMessage); ok && ai.Content != "" {
			return ai.Content, true
		}
	}
	return "", false
}
