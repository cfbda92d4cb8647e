package types

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SpecVersion is the envelope wire-format version emitted by this engine.
// Envelopes with a different major version are rejected on deserialization.
const SpecVersion = "1.0"

// DefaultMaxInsertions bounds cumulative dynamic itinerary insertions per workflow.
const DefaultMaxInsertions = 3

// PayloadPreviousOutput is the reserved payload key holding the immediately
// prior step's output.
const PayloadPreviousOutput = "previous_output"

// ExecutedStatusCompleted marks an executed-log entry for a step that ran to
// completion. Entries only ever enter the log on completion.
const ExecutedStatusCompleted = "completed"

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp is a UTC wall-clock time carried on the wire with millisecond
// precision (ISO-8601).
type Timestamp struct {
	time.Time
}

// Now returns the current UTC time truncated to millisecond precision.
func Now() Timestamp {
	return Timestamp{time.Now().UTC().Truncate(time.Millisecond)}
}

// NewTimestamp converts t to wire precision.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Millisecond)}
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(timestampLayout))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(timestampLayout, s)
	if err != nil {
		// Accept second-precision timestamps from older producers.
		parsed, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
	}
	t.Time = parsed.UTC()
	return nil
}

// SerializedDeps is the self-describing dependency blob attached to an
// activity. Type is a stable tag registered with the deps codec on the worker
// side, Module is an opaque hint locating the registration, and Data is the
// serialized value forwarded losslessly.
type SerializedDeps struct {
	Type   string          `json:"type,omitempty"`
	Module string          `json:"module,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ActivitySpec defines one step in a workflow.
type ActivitySpec struct {
	AgentName             string          `json:"agent_name"`
	Prompt                string          `json:"prompt"`
	Deps                  *SerializedDeps `json:"deps,omitempty"`
	ExpectsPreviousOutput bool            `json:"expects_previous_output"`
}

// NewActivitySpec returns a spec that expects the previous step's output.
func NewActivitySpec(agentName, prompt string) ActivitySpec {
	return ActivitySpec{AgentName: agentName, Prompt: prompt, ExpectsPreviousOutput: true}
}

// UnmarshalJSON implements json.Unmarshaler. An absent
// expects_previous_output field defaults to true.
func (s *ActivitySpec) UnmarshalJSON(data []byte) error {
	type alias ActivitySpec
	aux := struct {
		*alias
		ExpectsPreviousOutput *bool `json:"expects_previous_output"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.ExpectsPreviousOutput = aux.ExpectsPreviousOutput == nil || *aux.ExpectsPreviousOutput
	return nil
}

// ExecutedStep is one entry of the append-only executed log.
type ExecutedStep struct {
	AgentName  string    `json:"agent_name"`
	StartedAt  Timestamp `json:"started_at"`
	FinishedAt Timestamp `json:"finished_at"`
	OutputRef  string    `json:"output_ref,omitempty"`
	Status     string    `json:"status"`
}

// RoutingSlip describes remaining, executed and compensating activities. The
// head of Itinerary is the only step eligible for the next execution; Executed
// is append-only and never reordered.
type RoutingSlip struct {
	Itinerary     []ActivitySpec `json:"itinerary"`
	Executed      []ExecutedStep `json:"executed"`
	Compensations []ActivitySpec `json:"compensations"`
	InsertedCount int            `json:"inserted_count"`
}

// NewRoutingSlip builds a slip with the given itinerary and empty logs.
func NewRoutingSlip(itinerary []ActivitySpec) RoutingSlip {
	return RoutingSlip{
		Itinerary:     slices.Clone(itinerary),
		Executed:      []ExecutedStep{},
		Compensations: []ActivitySpec{},
	}
}

// NextStep returns the step to execute next, or nil when finished.
func (s *RoutingSlip) NextStep() *ActivitySpec {
	if len(s.Itinerary) == 0 {
		return nil
	}
	return &s.Itinerary[0]
}

// IsFinished reports whether all activities have been executed.
func (s *RoutingSlip) IsFinished() bool {
	return len(s.Itinerary) == 0
}

// PreviousStep returns the last executed entry, or nil if none.
func (s *RoutingSlip) PreviousStep() *ExecutedStep {
	if len(s.Executed) == 0 {
		return nil
	}
	return &s.Executed[len(s.Executed)-1]
}

func (s RoutingSlip) clone() RoutingSlip {
	s.Itinerary = slices.Clone(s.Itinerary)
	s.Executed = slices.Clone(s.Executed)
	s.Compensations = slices.Clone(s.Compensations)
	return s
}

// PreviousOutput is the output produced by a prior agent, stored under the
// reserved payload key.
type PreviousOutput struct {
	AgentName string `json:"agent_name"`
	Output    any    `json:"output"`
}

// Message is the envelope exchanged over the transport. It carries workflow
// identity, the routing slip, an open payload and an opaque security context.
// Unknown envelope keys survive a deserialize/serialize round trip verbatim.
type Message struct {
	MessageID        string
	CorrelationID    string
	RunID            string
	TraceID          string
	Timestamp        Timestamp
	OBOToken         string
	Signature        string
	SpecVersion      string
	Attempt          int
	Payload          map[string]any
	RoutingSlip      RoutingSlip
	ActivityRegistry map[string]ActivitySpec

	extra map[string]json.RawMessage
}

// NewMessage builds an envelope for a fresh publication. Attempt starts at 0
// and the payload map is allocated.
func NewMessage(correlationID, runID string, slip RoutingSlip) *Message {
	return &Message{
		MessageID:     uuid.NewString(),
		CorrelationID: correlationID,
		RunID:         runID,
		Timestamp:     Now(),
		SpecVersion:   SpecVersion,
		Payload:       map[string]any{},
		RoutingSlip:   slip,
	}
}

type wireMessage struct {
	MessageID        string                  `json:"message_id"`
	CorrelationID    string                  `json:"correlation_id"`
	RunID            string                  `json:"run_id"`
	TraceID          string                  `json:"trace_id,omitempty"`
	Timestamp        Timestamp               `json:"timestamp"`
	OBOToken         string                  `json:"obo_token,omitempty"`
	Signature        string                  `json:"signature,omitempty"`
	SpecVersion      string                  `json:"spec_version"`
	Attempt          int                     `json:"attempt"`
	Payload          map[string]any          `json:"payload"`
	RoutingSlip      RoutingSlip             `json:"routing_slip"`
	ActivityRegistry map[string]ActivitySpec `json:"activity_registry,omitempty"`
}

var knownMessageKeys = map[string]struct{}{
	"message_id": {}, "correlation_id": {}, "run_id": {}, "trace_id": {},
	"timestamp": {}, "obo_token": {}, "signature": {}, "spec_version": {},
	"attempt": {}, "payload": {}, "routing_slip": {}, "activity_registry": {},
}

// MarshalJSON implements json.Marshaler, re-emitting preserved unknown keys.
func (m *Message) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(wireMessage{
		MessageID:        m.MessageID,
		CorrelationID:    m.CorrelationID,
		RunID:            m.RunID,
		TraceID:          m.TraceID,
		Timestamp:        m.Timestamp,
		OBOToken:         m.OBOToken,
		Signature:        m.Signature,
		SpecVersion:      m.SpecVersion,
		Attempt:          m.Attempt,
		Payload:          m.Payload,
		RoutingSlip:      m.RoutingSlip,
		ActivityRegistry: m.ActivityRegistry,
	})
	if err != nil || len(m.extra) == 0 {
		return known, err
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON implements json.Unmarshaler, stashing unknown keys for
// forward-compatible re-serialization.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Message{
		MessageID:        w.MessageID,
		CorrelationID:    w.CorrelationID,
		RunID:            w.RunID,
		TraceID:          w.TraceID,
		Timestamp:        w.Timestamp,
		OBOToken:         w.OBOToken,
		Signature:        w.Signature,
		SpecVersion:      w.SpecVersion,
		Attempt:          w.Attempt,
		Payload:          w.Payload,
		RoutingSlip:      w.RoutingSlip,
		ActivityRegistry: w.ActivityRegistry,
	}
	for k, v := range raw {
		if _, ok := knownMessageKeys[k]; ok {
			continue
		}
		if m.extra == nil {
			m.extra = map[string]json.RawMessage{}
		}
		m.extra[k] = v
	}
	return nil
}

// Marshal produces the canonical on-wire form of the envelope.
func (m *Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, NewError(ErrMalformedMessage, "marshal envelope").WithCause(err)
	}
	return data, nil
}

// Unmarshal parses and validates an envelope from its wire form.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, NewError(ErrMalformedMessage, "unmarshal envelope").WithCause(err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks required fields, version compatibility and structural
// invariants of the routing slip.
func (m *Message) Validate() error {
	switch {
	case m.MessageID == "":
		return NewError(ErrMalformedMessage, "missing message_id")
	case m.CorrelationID == "":
		return NewError(ErrMalformedMessage, "missing correlation_id")
	case m.RunID == "":
		return NewError(ErrMalformedMessage, "missing run_id")
	case m.Attempt < 0:
		return NewError(ErrMalformedMessage, "negative attempt")
	case m.RoutingSlip.InsertedCount < 0:
		return NewError(ErrMalformedMessage, "negative inserted_count")
	}
	if m.SpecVersion != "1" && !strings.HasPrefix(m.SpecVersion, "1.") {
		return NewError(ErrVersionMismatch,
			fmt.Sprintf("unsupported spec_version %q", m.SpecVersion))
	}
	for _, step := range m.RoutingSlip.Itinerary {
		if step.AgentName == "" {
			return NewError(ErrMalformedMessage, "itinerary step with empty agent_name")
		}
	}
	return nil
}

func (m *Message) clone() *Message {
	cp := *m
	cp.Payload = maps.Clone(m.Payload)
	if cp.Payload == nil {
		cp.Payload = map[string]any{}
	}
	cp.RoutingSlip = m.RoutingSlip.clone()
	cp.ActivityRegistry = maps.Clone(m.ActivityRegistry)
	cp.extra = maps.Clone(m.extra)
	return &cp
}

// StepResult captures the outcome of a successfully executed step.
type StepResult struct {
	Output     any
	OutputRef  string
	StartedAt  Timestamp
	FinishedAt Timestamp
}

// Advance pops the head of the itinerary, appends its completion record to
// the executed log, stores the step output under the reserved payload key and
// resets the attempt counter. The returned envelope has a fresh message_id;
// correlation, run, trace and security context are preserved.
func (m *Message) Advance(res StepResult) (*Message, error) {
	head := m.RoutingSlip.NextStep()
	if head == nil {
		return nil, NewError(ErrMalformedMessage, "advance on empty itinerary")
	}
	next := m.clone()
	next.RoutingSlip.Itinerary = next.RoutingSlip.Itinerary[1:]
	next.RoutingSlip.Executed = append(next.RoutingSlip.Executed, ExecutedStep{
		AgentName:  head.AgentName,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		OutputRef:  res.OutputRef,
		Status:     ExecutedStatusCompleted,
	})
	next.Payload[PayloadPreviousOutput] = map[string]any{
		"agent_name": head.AgentName,
		"output":     res.Output,
	}
	next.MessageID = uuid.NewString()
	next.Attempt = 0
	next.Timestamp = Now()
	return next, nil
}

// RetryClone produces the envelope for a retry publication: the attempt
// counter is incremented, the routing slip is untouched and run_id is
// preserved. The clone gets a fresh message_id, unique per publication.
func (m *Message) RetryClone() *Message {
	next := m.clone()
	next.Attempt++
	next.MessageID = uuid.NewString()
	next.Timestamp = Now()
	return next
}

// InsertSteps inserts activities immediately after the currently executing
// step, i.e. at the head of the post-advance itinerary. Insertions are
// rejected without mutation when an agent is absent from the envelope's
// registry snapshot, when one was already executed in this run, or when the
// cumulative bound would be exceeded.
func (m *Message) InsertSteps(steps []ActivitySpec, bound int) error {
	if len(steps) == 0 {
		return nil
	}
	for _, step := range steps {
		if _, ok := m.ActivityRegistry[step.AgentName]; !ok {
			return NewError(ErrItineraryUnknownAgent,
				fmt.Sprintf("agent %q is not an available activity", step.AgentName)).
				WithAgent(step.AgentName)
		}
		for _, done := range m.RoutingSlip.Executed {
			if done.AgentName == step.AgentName {
				return NewError(ErrItineraryCycle,
					fmt.Sprintf("agent %q already executed in this run", step.AgentName)).
					WithAgent(step.AgentName)
			}
		}
	}
	if m.RoutingSlip.InsertedCount+len(steps) > bound {
		return NewError(ErrItineraryBound,
			fmt.Sprintf("insertion bound reached: %d inserted, %d requested, limit %d",
				m.RoutingSlip.InsertedCount, len(steps), bound))
	}
	pos := 1
	if len(m.RoutingSlip.Itinerary) == 0 {
		pos = 0
	}
	m.RoutingSlip.Itinerary = slices.Insert(
		slices.Clone(m.RoutingSlip.Itinerary), pos, steps...)
	m.RoutingSlip.InsertedCount += len(steps)
	return nil
}

// PreviousOutputValue decodes the reserved previous_output payload entry.
func (m *Message) PreviousOutputValue() (*PreviousOutput, bool) {
	raw, ok := m.Payload[PayloadPreviousOutput]
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var prev PreviousOutput
	if err := json.Unmarshal(data, &prev); err != nil {
		return nil, false
	}
	return &prev, true
}
