package model

import (
	"time"
)

// Origin represents who produced a message.
type Origin string

const (
	OriginSubject   Origin = "subject"
	OriginAssistant Origin = "assistant"
	OriginAgent     Origin = "agent"
	OriginTemplated Origin = "templated"
)

// Attachment is a media reference on a message.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Message is a transient message notification. It is not retained beyond
// updating the owning conversation.
type Message struct {
	ID              string       `json:"id"`
	ConversationKey string       `json:"conversation_key"`
	Origin          Origin       `json:"origin"`
	Body            string       `json:"body"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Preview returns a short single-line preview of the message body.
func (m Message) Preview() string {
	const previewLimit = 120
	body := m.Body
	if body == "" && len(m.Attachments) > 0 {
		return "[attachment]"
	}
	r := []rune(body)
	if len(r) > previewLimit {
		return string(r[:previewLimit]) + "…"
	}
	return body
}

// Notification is the payload delivered to the notification sink.
type Notification struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	DisplayName    string    `json:"display_name"`
	Preview        string    `json:"preview"`
	ReceivedAt     time.Time `json:"received_at"`
}
