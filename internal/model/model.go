// Package model holds the persistent data shapes of spec.md §3 and the
// wire schema of spec.md §6.2.
package model

import "time"

// Session is an immutable-after-creation authenticated identity on the
// chat platform (spec.md §3 "Session").
type Session struct {
	ID         int64
	Credential string
	APIID      string
	APISecret  string
	Phone      string
	ProxyURL   string
}

// Channel is a lazily-created entity row, keyed by platform-assigned
// external ID and the URL it was first resolved from.
type Channel struct {
	ID         int64
	ExternalID int64
	Name       string
	URL        string
}

// SessionChannelMapping is the sticky session<->channel binding (spec.md
// §3 "Session↔channel mapping").
type SessionChannelMapping struct {
	SessionID int64
	EntityID  int64
}

// CollectionRecord asserts that [FromDatetime, ToDatetime] (inclusive) of a
// channel's history has been ingested (spec.md §3 "Collection record").
type CollectionRecord struct {
	ID            int64
	EntityID      int64
	FromMessageID int64
	ToMessageID   int64
	FromDatetime  time.Time
	ToDatetime    time.Time
	MessageCount  int
}

// BackfillEnvelope is the body of the `new_channel` subject (spec.md §6.1).
type BackfillEnvelope struct {
	ChannelURL     string    `json:"channel_url"`
	DatetimeOffset time.Time `json:"datetime_offset"`
}

// IncrementalEnvelope is the body of the `schedule` subject (spec.md §6.1).
type IncrementalEnvelope struct {
	ChannelID     int64 `json:"channel_id"`
	LastMessageID int64 `json:"last_message_id"`
}

// Reaction is one projected reaction on an outbound message (spec.md §6.2).
type Reaction struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
}

// MessageEntity is one parsed formatting entity inside a message's text.
type MessageEntity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// OutboundMetadata carries the optional formatting-entity list (spec.md
// §6.2's "metadata" object).
type OutboundMetadata struct {
	Entities []MessageEntity `json:"entities,omitempty"`
}

// OutboundMessage is the JSON body published to the outbound subject
// (spec.md §6.2).
type OutboundMessage struct {
	MessageID        int64            `json:"message_id"`
	EntityID         int64            `json:"entity_id"`
	EntityName       string           `json:"entity_name"`
	SenderID         *int64           `json:"sender_id"`
	SenderName       *string          `json:"sender_name"`
	Date             time.Time        `json:"date"`
	Message          string           `json:"message"`
	Reactions        []Reaction       `json:"reactions"`
	Views            *int             `json:"views"`
	Forwards         *int             `json:"forwards"`
	Replies          *int             `json:"replies"`
	MediaType        *string          `json:"media_type"`
	MediaURL         *string          `json:"media_url"`
	ReplyToMessageID *int64           `json:"reply_to_message_id"`
	Metadata         OutboundMetadata `json:"metadata"`
}

// Range is a half-open-in-spirit, inclusive-in-practice [From, To] time
// window, as returned by the range planner (spec.md §4.3).
type Range struct {
	From time.Time
	To   time.Time
}
