// Package chatclient defines the boundary to the chat-platform client
// library, which spec.md §1 explicitly places out of scope ("a session
// capable of connect/disconnect/iter_messages(entity, reverse)"). Nothing
// in this package talks to a real network; internal/clientpool and
// internal/executor depend only on the Client interface.
package chatclient

import (
	"context"
	"errors"
	"time"
)

// ErrFloodWait is returned by IterMessages when the platform signals a
// rate limit; RetryAfter names how long the caller would need to wait
// (spec.md §4.8). The task never sleeps through it.
type ErrFloodWait struct {
	RetryAfter time.Duration
}

func (e *ErrFloodWait) Error() string { return "chatclient: flood wait" }

// EntityKind is the closed sum type spec.md §9 calls out: "the entity kind
// (channel/chat/user/other) is likewise closed."
type EntityKind int

const (
	EntityUnknown EntityKind = iota
	EntityChannel
	EntityChat
	EntityUser
)

// ResolvedEntity is what GetEntity/GetInputEntity return after the
// executor's channel/chat/user classification (spec.md §4.6 RESOLVE_ENTITY).
type ResolvedEntity struct {
	Kind       EntityKind
	ExternalID int64
	Name       string
	Handle     any // opaque platform-specific entity handle passed to IterMessages
}

// ReactionKind is the closed variant set of spec.md §6.2's reaction
// projection.
type ReactionKind int

const (
	ReactionEmoji ReactionKind = iota
	ReactionCustom
	ReactionPaid
	ReactionUnknown
)

// Message is one item yielded by IterMessages, pre-projection.
type Message struct {
	ID               int64
	Date             time.Time
	SenderID         *int64
	SenderName       *string
	Text             string
	Reactions        []RawReaction
	Views            *int
	Forwards         *int
	Replies          *int
	MediaType        *string
	MediaURL         *string
	ReplyToMessageID *int64
	Entities         []RawEntity
}

// RawReaction is a reaction as delivered by the platform, before the
// closed-variant projection of spec.md §6.2 is applied.
type RawReaction struct {
	Kind           ReactionKind
	Emoji          string
	CustomDocumentID int64
	Count          int
}

// RawEntity is a formatting entity inside message text.
type RawEntity struct {
	Type   string
	Offset int
	Length int
}

// Client is the external collaborator boundary: a session capable of
// connect/disconnect/get-entity/iter-messages.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// GetEntity resolves a URL to a channel, chat, or user.
	GetEntity(ctx context.Context, url string) (ResolvedEntity, error)
	// GetInputEntity resolves an already-known external ID to an entity
	// handle, without a full GetEntity round trip (spec.md §4.6: "ask the
	// client for an input-entity by external_id (preferred, faster)").
	GetInputEntity(ctx context.Context, externalID int64) (ResolvedEntity, error)

	// IterMessages iterates a channel's history. reverse=true means
	// reverse-chronological (newest-first), the only direction this
	// rewrite uses (spec.md §9). The returned iterator yields until ctx is
	// canceled, the channel is exhausted, or a flood wait occurs.
	IterMessages(ctx context.Context, entity ResolvedEntity, reverse bool) (MessageIterator, error)
}

// MessageIterator yields messages one at a time.
type MessageIterator interface {
	// Next returns the next message, or io.EOF-equivalent via ok=false
	// when exhausted. An *ErrFloodWait may be returned as err at any point.
	Next(ctx context.Context) (msg Message, ok bool, err error)
	Close() error
}

// IsFloodWait reports whether err is (or wraps) an ErrFloodWait.
func IsFloodWait(err error) (*ErrFloodWait, bool) {
	var fw *ErrFloodWait
	if errors.As(err, &fw) {
		return fw, true
	}
	return nil, false
}
