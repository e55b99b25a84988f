package protocol

import (
	"encoding/json"
	"strings"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/domain"
)

// Client to server event names.
const (
	TypeJoin           = "chat:join"
	TypeSend           = "message:send"
	TypeRead           = "message:read"
	TypeMarkRead       = "chat:mark_read"
	TypeTypingStart    = "typing:start"
	TypeTypingStop     = "typing:stop"
	TypeReact          = "message:react"
	TypeSearch         = "chat:search"
	TypeGetUnreadCount = "chat:get_unread_count"
)

const MaxQueryLength = 200

// Frame is the wire envelope in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound is implemented by every client event. The set is closed: Decode
// only ever returns the types declared in this file.
type Inbound interface {
	Type() string
	Validate() error
}

type Join struct {
	ConversationID string `json:"conversationId"`
}

type FileMeta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

type Send struct {
	ConversationID string             `json:"conversationId"`
	Content        string             `json:"content"`
	Kind           domain.ContentKind `json:"kind"`
	FileMeta       *FileMeta          `json:"fileMeta,omitempty"`
	// ClientRef is echoed back on the acknowledgement.
	ClientRef string `json:"clientRef,omitempty"`
}

type Read struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type MarkRead struct {
	ConversationID string `json:"conversationId"`
}

type TypingStart struct {
	ConversationID string `json:"conversationId"`
}

type TypingStop struct {
	ConversationID string `json:"conversationId"`
}

type React struct {
	MessageID string `json:"messageId"`
	Token     string `json:"token"`
}

type Search struct {
	ConversationID string `json:"conversationId"`
	Query          string `json:"query"`
}

type GetUnreadCount struct{}

func (Join) Type() string           { return TypeJoin }
func (Send) Type() string           { return TypeSend }
func (Read) Type() string           { return TypeRead }
func (MarkRead) Type() string       { return TypeMarkRead }
func (TypingStart) Type() string    { return TypeTypingStart }
func (TypingStop) Type() string     { return TypeTypingStop }
func (React) Type() string          { return TypeReact }
func (Search) Type() string         { return TypeSearch }
func (GetUnreadCount) Type() string { return TypeGetUnreadCount }

func required(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return apperr.Validation("%s is required", name)
	}
	return nil
}

func (j Join) Validate() error        { return required("conversationId", j.ConversationID) }
func (m MarkRead) Validate() error    { return required("conversationId", m.ConversationID) }
func (t TypingStart) Validate() error { return required("conversationId", t.ConversationID) }
func (t TypingStop) Validate() error  { return required("conversationId", t.ConversationID) }
func (GetUnreadCount) Validate() error {
	return nil
}

func (r Read) Validate() error {
	if err := required("messageId", r.MessageID); err != nil {
		return err
	}
	return required("conversationId", r.ConversationID)
}

func (r React) Validate() error {
	if err := required("messageId", r.MessageID); err != nil {
		return err
	}
	if err := required("token", r.Token); err != nil {
		return err
	}
	if len(r.Token) > domain.MaxTokenLength {
		return apperr.Validation("token exceeds %d bytes", domain.MaxTokenLength)
	}
	return nil
}

func (s Search) Validate() error {
	if err := required("conversationId", s.ConversationID); err != nil {
		return err
	}
	if err := required("query", s.Query); err != nil {
		return err
	}
	if len(s.Query) > MaxQueryLength {
		return apperr.Validation("query exceeds %d bytes", MaxQueryLength)
	}
	return nil
}

// ToContent maps the send payload onto message content. An empty kind means
// text.
func (s Send) ToContent() domain.Content {
	c := domain.Content{Kind: s.Kind, Text: s.Content}
	if c.Kind == "" {
		c.Kind = domain.KindText
	}
	if s.FileMeta != nil {
		c.FileName = s.FileMeta.Name
		c.FileSize = s.FileMeta.Size
		c.FileURL = s.FileMeta.URL
	}
	return c
}

func (s Send) Validate() error {
	if err := required("conversationId", s.ConversationID); err != nil {
		return err
	}
	return s.ToContent().Validate()
}

// Decode parses one client frame into its typed event and validates it.
// Unknown types and malformed payloads are validation errors.
func Decode(data []byte) (Inbound, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, apperr.Validation("malformed frame")
	}

	var ev Inbound
	switch f.Type {
	case TypeJoin:
		ev = &Join{}
	case TypeSend:
		ev = &Send{}
	case TypeRead:
		ev = &Read{}
	case TypeMarkRead:
		ev = &MarkRead{}
	case TypeTypingStart:
		ev = &TypingStart{}
	case TypeTypingStop:
		ev = &TypingStop{}
	case TypeReact:
		ev = &React{}
	case TypeSearch:
		ev = &Search{}
	case TypeGetUnreadCount:
		ev = &GetUnreadCount{}
	case "":
		return nil, apperr.Validation("frame type is required")
	default:
		return nil, apperr.Validation("unknown event %q", f.Type)
	}

	if len(f.Payload) > 0 && string(f.Payload) != "null" {
		if err := json.Unmarshal(f.Payload, ev); err != nil {
			return nil, apperr.Validation("malformed %s payload", f.Type)
		}
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}
