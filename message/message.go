// Package message defines the Message entity (§4.8): text sent by a
// payload via JobContext.sendMessage, truncated and flushed
// asynchronously but ordered per instance.
package message

import (
	"context"
	"time"

	"github.com/ErikWegner/jqm/id"
)

// Message is one append to an instance's message log.
type Message struct {
	ID         id.MessageID   `json:"id"`
	InstanceID id.InstanceID  `json:"instance_id"`
	Text       string         `json:"text"`
	Sequence   int            `json:"sequence"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Store persists messages. Append is expected to preserve the order in
// which it is called for a given InstanceID even under the async flush
// described in §4.8; implementations achieve this with a per-instance
// sequence counter, not wall-clock ordering.
type Store interface {
	Append(ctx context.Context, m *Message) error
	ListByInstance(ctx context.Context, instanceID id.InstanceID) ([]*Message, error)
}
