package types

import "time"

// Message is an inbound event delivered by the transport.
type Message struct {
	ID                string    `json:"id"`
	ChannelID         string    `json:"channel_id"`
	SenderIdentity    string    `json:"sender_identity"`
	SenderDisplayName string    `json:"sender_display_name"`
	Text              string    `json:"text"`
	Timestamp         time.Time `json:"timestamp"`
	FromAssistant     bool      `json:"from_assistant,omitempty"`
}
