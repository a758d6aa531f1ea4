package ingest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vinayprograms/agentwatch/errors"
	"github.com/vinayprograms/agentwatch/liveness"
)

// MaxAgentIDLength bounds agent ids.
const MaxAgentIDLength = 128

//go:embed report.schema.json
var reportSchemaJSON string

var reportSchema = jsonschema.MustCompileString("report.json", reportSchemaJSON)

// Report is one decoded liveness report.
type Report struct {
	Mode          liveness.Mode `json:"mode"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	AgentName     string        `json:"agent_name,omitempty"`
}

// DecodeReport parses and validates a report body. Unknown fields are
// ignored; anything else that does not match the schema is INVALID_INPUT.
func DecodeReport(body []byte) (*Report, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.InvalidInput("report is not valid JSON", errors.WithCause(err))
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.InvalidInput("report has trailing data")
	}

	if err := reportSchema.Validate(doc); err != nil {
		msg := err.Error()
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			msg = describe(ve)
		}
		return nil, errors.InvalidInput(msg, errors.WithCause(err))
	}

	// The schema guarantees the shape below.
	obj := doc.(map[string]interface{})
	uptime, err := integer(obj["uptime_seconds"].(json.Number))
	if err != nil {
		return nil, errors.InvalidInput("uptime_seconds is not an integer", errors.WithCause(err))
	}
	r := &Report{
		Mode:          liveness.Mode(obj["mode"].(string)),
		UptimeSeconds: uptime,
	}
	if name, ok := obj["agent_name"].(string); ok {
		r.AgentName = name
	}
	return r, nil
}

// integer accepts both "42" and "42.0".
func integer(n json.Number) (int64, error) {
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

// describe flattens a schema error to its innermost causes.
func describe(ve *jsonschema.ValidationError) string {
	var parts []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := strings.TrimPrefix(e.InstanceLocation, "/")
			if loc == "" {
				loc = "report"
			}
			parts = append(parts, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(parts, "; ")
}

// ValidateAgentID checks an id taken from a URL path or bus subject.
func ValidateAgentID(id string) error {
	if id == "" {
		return errors.InvalidInput("agent id is empty")
	}
	if len(id) > MaxAgentIDLength {
		return errors.InvalidInput(fmt.Sprintf("agent id longer than %d characters", MaxAgentIDLength))
	}
	if strings.IndexFunc(id, func(r rune) bool { return unicode.IsSpace(r) || r == '/' }) >= 0 {
		return errors.InvalidInput("agent id contains whitespace or '/'", errors.WithAgentID(id))
	}
	return nil
}
