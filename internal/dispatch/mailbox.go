package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMailboxCapacity is the per-worker message buffer.
const DefaultMailboxCapacity = 256

var (
	// ErrMailboxFull is returned when a recipient's buffer is full.
	ErrMailboxFull = errors.New("mailbox full")
	// ErrMailboxClosed is returned by Receive after the owner is unregistered.
	ErrMailboxClosed = errors.New("mailbox closed")
)

// Message is an ephemeral note between workers. It is delivered at most once
// and is not persisted.
type Message struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Type    string    `json:"type"`
	Content any       `json:"content,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// Mailbox is the inbound queue of one worker. Messages from one sender arrive
// in the order they were sent.
type Mailbox struct {
	owner string
	ch    chan Message
	done  chan struct{}
}

func newMailbox(owner string, capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}
	return &Mailbox{owner: owner, ch: make(chan Message, capacity), done: make(chan struct{})}
}

func (m *Mailbox) Owner() string { return m.owner }

// Len is the number of undelivered messages.
func (m *Mailbox) Len() int { return len(m.ch) }

func (m *Mailbox) deliver(msg Message) error {
	select {
	case <-m.done:
		return fmt.Errorf("%w: %s", ErrMailboxClosed, m.owner)
	default:
	}
	select {
	case m.ch <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrMailboxFull, m.owner)
	}
}

// Receive blocks for the next message, ctx expiry or mailbox closure. Messages
// already buffered are still returned after closure.
func (m *Mailbox) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-m.ch:
		return msg, nil
	default:
	}
	select {
	case msg := <-m.ch:
		return msg, nil
	case <-m.done:
		return Message{}, ErrMailboxClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Drain returns every buffered message without blocking.
func (m *Mailbox) Drain() []Message {
	var out []Message
	for {
		select {
		case msg := <-m.ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func (m *Mailbox) close() { close(m.done) }

func newMessage(from, to, msgType string, content any) Message {
	return Message{
		ID:      uuid.NewString(),
		From:    from,
		To:      to,
		Type:    msgType,
		Content: content,
		SentAt:  time.Now().UTC(),
	}
}
