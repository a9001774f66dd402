package schema

import (
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/extensivelabs/agentecs-viz/errs"
)

// Server event discriminator values carried in the "type" field.
const (
	EventTypeMetadata   = "metadata"
	EventTypeSnapshot   = "snapshot"
	EventTypeDelta      = "delta"
	EventTypeTickUpdate = "tick_update"
	EventTypeErrorEvent = "error_event"
	EventTypeSpanEvent  = "span_event"
	EventTypeError      = "error"
)

// Severity values for application-level error events.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Span status values.
const (
	SpanStatusOK    = "ok"
	SpanStatusError = "error"
	SpanStatusUnset = "unset"
)

// ServerEvent is implemented by every server-to-client message.
type ServerEvent interface {
	EventType() string
}

// TickRange is a closed tick interval. It serializes as a two-element array.
type TickRange struct {
	Min int
	Max int
}

// MarshalJSON encodes the range as [min, max].
func (r TickRange) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{r.Min, r.Max})
}

// UnmarshalJSON decodes a [min, max] array.
func (r *TickRange) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return errs.New("schema/tick-range", errs.CodeInvalid, errs.WithMessage("tick_range must be a two-element array"), errs.WithCause(err))
	}
	r.Min, r.Max = pair[0], pair[1]
	return nil
}

// MetadataEvent is sent exactly once on connect.
type MetadataEvent struct {
	Tick            int            `json:"tick"`
	Config          map[string]any `json:"config,omitempty"`
	TickRange       *TickRange     `json:"tick_range"`
	SupportsHistory bool           `json:"supports_history"`
	IsPaused        bool           `json:"is_paused"`
}

func (MetadataEvent) EventType() string { return EventTypeMetadata }

// SnapshotEvent carries a full world snapshot.
type SnapshotEvent struct {
	Tick     int            `json:"tick"`
	Snapshot *WorldSnapshot `json:"snapshot"`
}

func (SnapshotEvent) EventType() string { return EventTypeSnapshot }

// DeltaEvent carries a tick delta for bandwidth-efficient streaming.
type DeltaEvent struct {
	Tick  int        `json:"tick"`
	Delta *TickDelta `json:"delta"`
}

func (DeltaEvent) EventType() string { return EventTypeDelta }

// TickUpdateEvent is a compact acknowledgement of playback commands.
type TickUpdateEvent struct {
	Tick        int  `json:"tick"`
	EntityCount int  `json:"entity_count"`
	IsPaused    bool `json:"is_paused"`
}

func (TickUpdateEvent) EventType() string { return EventTypeTickUpdate }

// ErrorEvent is an application-level error observed by the simulation.
type ErrorEvent struct {
	Tick     int    `json:"tick"`
	EntityID *int   `json:"entity_id"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (ErrorEvent) EventType() string { return EventTypeErrorEvent }

// Span attribute keys the store and clients rely on.
const (
	AttrTick     = "agentecs.tick"
	AttrEntityID = "agentecs.entity_id"
)

// SpanEvent is a tracing span. Attributes include at minimum AttrTick and,
// when the span concerns a specific entity, AttrEntityID.
type SpanEvent struct {
	SpanID       string         `json:"span_id"`
	TraceID      string         `json:"trace_id"`
	ParentSpanID *string        `json:"parent_span_id,omitempty"`
	Name         string         `json:"name"`
	StartTime    float64        `json:"start_time"`
	EndTime      float64        `json:"end_time"`
	Status       string         `json:"status"`
	Attributes   map[string]any `json:"attributes"`
}

func (SpanEvent) EventType() string { return EventTypeSpanEvent }

// TickAttr extracts the span's tick from its attributes.
func (s SpanEvent) TickAttr() (int, bool) {
	f, ok := asFloat(s.Attributes[AttrTick])
	if !ok {
		return 0, false
	}
	return int(f), true
}

// EntityAttr extracts the span's entity id from its attributes.
func (s SpanEvent) EntityAttr() (int, bool) {
	f, ok := asFloat(s.Attributes[AttrEntityID])
	if !ok {
		return 0, false
	}
	return int(f), true
}

// ProtocolError reports a bad or malformed command back to the client.
type ProtocolError struct {
	Tick    int    `json:"tick"`
	Message string `json:"message"`
}

func (ProtocolError) EventType() string { return EventTypeError }

// EncodeEvent marshals a server event as a JSON text frame with its "type"
// discriminator injected as the leading field.
func EncodeEvent(evt ServerEvent) ([]byte, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, errs.New("schema/encode-event", errs.CodeInternal, errs.WithMessage("marshal event payload"), errs.WithCause(err))
	}
	tag := `{"type":` + strconv.Quote(evt.EventType())
	if len(payload) == 2 { // bare "{}"
		return []byte(tag + "}"), nil
	}
	frame := make([]byte, 0, len(tag)+len(payload))
	frame = append(frame, tag...)
	frame = append(frame, ',')
	frame = append(frame, payload[1:]...)
	return frame, nil
}

// DecodeEvent parses a server event frame by its "type" discriminator. Used
// by sources that observe another server's stream.
func DecodeEvent(data []byte) (ServerEvent, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, errs.New("schema/decode-event", errs.CodeInvalid, errs.WithMessage("malformed event frame"), errs.WithCause(err))
	}
	switch tag.Type {
	case EventTypeMetadata:
		var evt MetadataEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, decodeEventErr(tag.Type, err)
		}
		return evt, nil
	case EventTypeSnapshot:
		var evt SnapshotEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, decodeEventErr(tag.Type, err)
		}
		return evt, nil
	case EventTypeDelta:
		var evt DeltaEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, decodeEventErr(tag.Type, err)
		}
		return evt, nil
	case EventTypeTickUpdate:
		var evt TickUpdateEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, decodeEventErr(tag.Type, err)
		}
		return evt, nil
	case EventTypeErrorEvent:
		var evt ErrorEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, decodeEventErr(tag.Type, err)
		}
		return evt, nil
	case EventTypeSpanEvent:
		var evt SpanEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, decodeEventErr(tag.Type, err)
		}
		return evt, nil
	case EventTypeError:
		var evt ProtocolError
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, decodeEventErr(tag.Type, err)
		}
		return evt, nil
	}
	return nil, errs.New("schema/decode-event", errs.CodeInvalid, errs.WithMessage("unknown event type "+strconv.Quote(tag.Type)))
}

func decodeEventErr(eventType string, err error) error {
	return errs.New("schema/decode-event", errs.CodeInvalid, errs.WithMessage("malformed "+eventType+" event"), errs.WithCause(err))
}
