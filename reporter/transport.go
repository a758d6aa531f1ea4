package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/agentwatch/bus"
	"github.com/vinayprograms/agentwatch/errors"
	"github.com/vinayprograms/agentwatch/ingest"
)

// HTTPTransport posts reports to the agentwatch API.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport creates a transport for the service at baseURL. A nil
// client gets a 10s timeout.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTransport{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Name implements Transport.
func (t *HTTPTransport) Name() string { return "http" }

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, agentID string, r ingest.Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encoding report")
	}

	endpoint := t.baseURL + "/api/v1/agents/" + url.PathEscape(agentID) + "/report"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.InvalidConfig("building report request", errors.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "sending report")
		}
		return errors.Unavailable("sending report", errors.WithCause(err), errors.WithAgentID(agentID))
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	var payload struct {
		Error *errors.Error `json:"error"`
	}
	if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload) == nil && payload.Error != nil {
		return errors.Wrap(payload.Error, "report refused")
	}
	return errors.DeliveryFailed(fmt.Sprintf("report refused with status %d", resp.StatusCode),
		errors.WithAgentID(agentID))
}

// BusTransport publishes reports on <prefix>.<agentID>.
type BusTransport struct {
	bus    bus.MessageBus
	prefix string
}

// NewBusTransport creates a bus transport.
func NewBusTransport(b bus.MessageBus, prefix string) *BusTransport {
	return &BusTransport{bus: b, prefix: prefix}
}

// Name implements Transport.
func (t *BusTransport) Name() string { return "bus" }

// Send implements Transport.
func (t *BusTransport) Send(ctx context.Context, agentID string, r ingest.Report) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "publishing report")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encoding report")
	}
	if err := t.bus.Publish(bus.Join(t.prefix, agentID), data); err != nil {
		return errors.Unavailable("publishing report", errors.WithCause(err), errors.WithAgentID(agentID))
	}
	return nil
}
