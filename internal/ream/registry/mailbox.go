package registry

import "errors"

// ErrMailboxFull is returned when a bounded mailbox is saturated.
var ErrMailboxFull = errors.New("registry: mailbox full")

// Mailbox is a bounded FIFO of incoming Messages. Pushes come from any
// goroutine (sender side); only the owning executor ever pops. A buffered
// Go channel already gives exactly these MPSC-bounded semantics
// natively, so Mailbox is a thin, panic-safe wrapper around one rather
// than a hand-rolled lock-free ring.
type Mailbox struct {
	ch chan Message
}

func NewMailbox(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Mailbox{ch: make(chan Message, capacity)}
}

// Push enqueues msg without blocking the sender. It returns
// ErrMailboxFull rather than blocking.
func (m *Mailbox) Push(msg Message) error {
	select {
	case m.ch <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// TryPop returns the oldest message without blocking.
func (m *Mailbox) TryPop() (Message, bool) {
	select {
	case msg := <-m.ch:
		return msg, true
	default:
		return Message{}, false
	}
}

// Len reports the number of messages currently queued.
func (m *Mailbox) Len() int { return len(m.ch) }

// Chan exposes the underlying channel for select-based waits. The
// executor does not use it: a Waiting process is woken through
// registry.OnReady.
func (m *Mailbox) Chan() <-chan Message { return m.ch }
