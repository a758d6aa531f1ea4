package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vinayprograms/agentwatch/bus"
	"github.com/vinayprograms/agentwatch/errors"
	"github.com/vinayprograms/agentwatch/logging"
)

// Sender performs one delivery attempt.
type Sender interface {
	// Deliver sends the alert. Any error counts as a failed attempt.
	Deliver(ctx context.Context, a *Alert) error

	// Name identifies the sender in logs and traces.
	Name() string
}

// ErrNoEndpoint is returned by an HTTPSender without an endpoint.
var ErrNoEndpoint = errors.Unavailable("alert endpoint not configured")

// HTTPSender POSTs alerts as JSON.
type HTTPSender struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPSender creates a sender for endpoint. A nil client gets a default
// one; per-attempt deadlines come from the request context.
func NewHTTPSender(endpoint, token string, client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSender{endpoint: endpoint, token: token, client: client}
}

// Name implements Sender.
func (s *HTTPSender) Name() string { return "http" }

// Deliver implements Sender. Only a 2xx response is a success.
func (s *HTTPSender) Deliver(ctx context.Context, a *Alert) error {
	if s.endpoint == "" {
		return ErrNoEndpoint
	}

	body, err := json.Marshal(a)
	if err != nil {
		return errors.Wrap(err, "encoding alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.InvalidConfig("bad alert endpoint", errors.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Alert-ID", a.ID)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "alert delivery", errors.WithAgentID(a.AgentID))
		}
		return errors.Unavailable("alert endpoint unreachable",
			errors.WithCause(err), errors.WithAgentID(a.AgentID))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.DeliveryFailed(fmt.Sprintf("endpoint returned %d", resp.StatusCode),
			errors.WithAgentID(a.AgentID),
			errors.WithMetadata("status", strconv.Itoa(resp.StatusCode)),
			errors.WithRetryable(true))
	}
	return nil
}

// BusSender publishes alerts on <prefix>.<cluster>.<kind>.
type BusSender struct {
	bus    bus.MessageBus
	prefix string
}

// NewBusSender creates a sender publishing under prefix.
func NewBusSender(b bus.MessageBus, prefix string) *BusSender {
	return &BusSender{bus: b, prefix: prefix}
}

// Name implements Sender.
func (s *BusSender) Name() string { return "bus" }

// Subject returns the subject an alert is published on.
func (s *BusSender) Subject(a *Alert) string {
	return bus.Join(s.prefix, subjectToken(a.ClusterID), string(a.Kind))
}

// Deliver implements Sender.
func (s *BusSender) Deliver(ctx context.Context, a *Alert) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "alert publish")
	}
	data, err := json.Marshal(a)
	if err != nil {
		return errors.Wrap(err, "encoding alert")
	}
	if err := s.bus.Publish(s.Subject(a), data); err != nil {
		return errors.Unavailable("alert publish failed", errors.WithCause(err), errors.WithAgentID(a.AgentID))
	}
	return nil
}

// subjectToken makes s safe to use as one subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Tee delivers to a primary sender and mirrors. Only the primary decides
// success; mirror failures are logged.
type Tee struct {
	primary Sender
	mirrors []Sender
	log     *logging.Logger
}

// NewTee creates a Tee.
func NewTee(log *logging.Logger, primary Sender, mirrors ...Sender) *Tee {
	if log == nil {
		log = logging.New()
	}
	return &Tee{primary: primary, mirrors: mirrors, log: log.WithComponent("dispatcher")}
}

// Name implements Sender.
func (t *Tee) Name() string { return t.primary.Name() }

// Deliver implements Sender.
func (t *Tee) Deliver(ctx context.Context, a *Alert) error {
	err := t.primary.Deliver(ctx, a)
	for _, m := range t.mirrors {
		if merr := m.Deliver(ctx, a); merr != nil {
			t.log.Warn("mirror delivery failed", logging.Fields{
				"sender": m.Name(),
				"kind":   a.Kind,
				"agent":  a.AgentID,
				"error":  merr.Error(),
			})
		}
	}
	return err
}
