// Package bot implements the conversational state machine that drives prescription
// creation, dispensing and user administration.
package bot

import (
	"context"
	"errors"
	"sync"
)

// ErrInvalidAction is returned for actions without a caller identity.
var ErrInvalidAction = errors.New("action has no caller identity")

// Caller is the platform identity attached to an inbound action.
type Caller struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Handle      string `json:"handle,omitempty"`
}

// ReplyTarget addresses the conversation and, for edits, the message to replace.
type ReplyTarget struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id,omitempty"`
}

// Action is one inbound user interaction: free text or a selected option token.
type Action struct {
	UpdateID string      `json:"update_id,omitempty"`
	Caller   Caller      `json:"caller"`
	Text     string      `json:"text,omitempty"`
	Token    string      `json:"token,omitempty"`
	Reply    ReplyTarget `json:"reply"`
}

// Validate checks the fields the engine relies on.
func (a Action) Validate() error {
	if a.Caller.ID <= 0 {
		return ErrInvalidAction
	}
	return nil
}

// Format selects how the transport interprets message text.
type Format string

const (
	FormatPlain Format = ""
	FormatHTML  Format = "html"
)

// Option is a selectable choice attached to a message.
type Option struct {
	Label string `json:"label"`
	Token string `json:"token"`
}

// Message is outbound text with optional choices.
type Message struct {
	Text    string   `json:"text"`
	Format  Format   `json:"format,omitempty"`
	Options []Option `json:"options,omitempty"`
}

// Messenger delivers replies to the chat transport.
type Messenger interface {
	Send(ctx context.Context, to ReplyTarget, msg Message) error
	Edit(ctx context.Context, to ReplyTarget, msg Message) error
}

// ReplyKind distinguishes new messages from in-place edits.
type ReplyKind string

const (
	ReplySend ReplyKind = "send"
	ReplyEdit ReplyKind = "edit"
)

// Reply is one delivery operation produced by the engine.
type Reply struct {
	Kind    ReplyKind   `json:"kind"`
	Target  ReplyTarget `json:"target"`
	Message Message     `json:"message"`
}

// Recorder is a Messenger that keeps replies in memory.
type Recorder struct {
	mu      sync.Mutex
	replies []Reply
}

// Send records a new message.
func (r *Recorder) Send(_ context.Context, to ReplyTarget, msg Message) error {
	r.record(Reply{Kind: ReplySend, Target: to, Message: msg})
	return nil
}

// Edit records an in-place edit.
func (r *Recorder) Edit(_ context.Context, to ReplyTarget, msg Message) error {
	r.record(Reply{Kind: ReplyEdit, Target: to, Message: msg})
	return nil
}

func (r *Recorder) record(rep Reply) {
	r.mu.Lock()
	r.replies = append(r.replies, rep)
	r.mu.Unlock()
}

// Replies returns a copy of everything recorded so far.
func (r *Recorder) Replies() []Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Reply, len(r.replies))
	copy(out, r.replies)
	return out
}

// Last returns the most recent reply, or the zero Reply.
func (r *Recorder) Last() Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) == 0 {
		return Reply{}
	}
	return r.replies[len(r.replies)-1]
}

// Reset forgets recorded replies.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.replies = nil
	r.mu.Unlock()
}
