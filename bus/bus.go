package bus

import (
	"errors"
	"strings"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message is a message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte
}

// MessageBus provides publish/subscribe messaging.
type MessageBus interface {
	// Publish sends data to every subscriber whose pattern matches subject.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription. The pattern may contain wildcards.
	Subscribe(pattern string) (Subscription, error)

	// QueueSubscribe creates a subscription whose messages are shared
	// between all members of the named queue.
	QueueSubscribe(pattern, queue string) (Subscription, error)

	// Close shuts down the bus. Open subscriptions are closed.
	Close() error
}

// Subscription is an active subscription.
type Subscription interface {
	// Messages returns the channel of incoming messages.
	// It is closed when the subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription. Safe to call more than once.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject checks a concrete publish subject. Wildcards and empty
// tokens are rejected.
func ValidateSubject(subject string) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "" || tok == "*" || tok == ">" || strings.ContainsAny(tok, " \t\r\n") {
			return ErrInvalidSubject
		}
	}
	return nil
}

// ValidatePattern checks a subscription pattern. "*" may appear in any
// position, ">" only as the last token.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return ErrInvalidSubject
	}
	toks := strings.Split(pattern, ".")
	for i, tok := range toks {
		if tok == "" || strings.ContainsAny(tok, " \t\r\n") {
			return ErrInvalidSubject
		}
		if tok == ">" && i != len(toks)-1 {
			return ErrInvalidSubject
		}
	}
	return nil
}

// Match reports whether subject matches pattern.
func Match(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// Join builds a subject from tokens, skipping empty ones.
func Join(tokens ...string) string {
	out := tokens[:0:0]
	for _, t := range tokens {
		if t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, ".")
}
