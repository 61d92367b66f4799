package telegram

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MaxLimit is the largest page getUpdates accepts.
const MaxLimit = 100

type Chat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	Date      int64  `json:"date,omitempty"`
	Chat      *Chat  `json:"chat,omitempty"`
	Text      string `json:"text,omitempty"`
}

// PayloadKind identifies which message-shaped field of an update is populated.
type PayloadKind int

const (
	PayloadNone PayloadKind = iota
	PayloadChannelPost
	PayloadEditedChannelPost
	PayloadMessage
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadChannelPost:
		return "channel_post"
	case PayloadEditedChannelPost:
		return "edited_channel_post"
	case PayloadMessage:
		return "message"
	}
	return "none"
}

// Payload is the single message an update carries.
type Payload struct {
	Kind    PayloadKind
	Message Message
}

type Update struct {
	UpdateID          int64    `json:"update_id"`
	ChannelPost       *Message `json:"channel_post,omitempty"`
	EditedChannelPost *Message `json:"edited_channel_post,omitempty"`
	Message           *Message `json:"message,omitempty"`
}

// Payload inspects channel_post, edited_channel_post and message, in that
// order, and returns the first one present.
func (u Update) Payload() Payload {
	switch {
	case u.ChannelPost != nil:
		return Payload{Kind: PayloadChannelPost, Message: *u.ChannelPost}
	case u.EditedChannelPost != nil:
		return Payload{Kind: PayloadEditedChannelPost, Message: *u.EditedChannelPost}
	case u.Message != nil:
		return Payload{Kind: PayloadMessage, Message: *u.Message}
	}
	return Payload{Kind: PayloadNone}
}

func (u Update) SequenceID() int64 {
	return u.UpdateID
}

func (u Update) EntryID() (int64, bool) {
	p := u.Payload()
	if p.Kind == PayloadNone {
		return 0, false
	}
	return p.Message.MessageID, true
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type responseParameters struct {
	RetryAfter int `json:"retry_after,omitempty"`
}

type apiResponse struct {
	OK          bool                `json:"ok"`
	Result      json.RawMessage     `json:"result"`
	ErrorCode   int                 `json:"error_code,omitempty"`
	Description string              `json:"description,omitempty"`
	Parameters  *responseParameters `json:"parameters,omitempty"`
}

type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Timeout() {
		return fmt.Sprintf("telegram %s: request timed out: %v", e.Method, e.Err)
	}
	return fmt.Sprintf("telegram %s: network error: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Timeout() bool {
	var t interface{ Timeout() bool }
	if errors.As(e.Err, &t) {
		return t.Timeout()
	}
	return false
}

type StatusError struct {
	Method     string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("telegram %s: HTTP %d: %s", e.Method, e.StatusCode, e.Status)
}

type APIError struct {
	Method      string
	ErrorCode   int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	if e.ErrorCode != 0 {
		return fmt.Sprintf("telegram %s: error %d: %s", e.Method, e.ErrorCode, e.Description)
	}
	return fmt.Sprintf("telegram %s: %s", e.Method, e.Description)
}

type DecodeError struct {
	Method string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("telegram %s: invalid response: %v", e.Method, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
