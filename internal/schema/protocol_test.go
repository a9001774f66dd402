package schema

import (
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/extensivelabs/agentecs-viz/errs"
)

func TestEncodeEventInjectsTypeTag(t *testing.T) {
	frame, err := EncodeEvent(TickUpdateEvent{Tick: 3, EntityCount: 12, IsPaused: true})
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("frame not valid JSON: %v", err)
	}
	if decoded["type"] != "tick_update" {
		t.Errorf("type = %v", decoded["type"])
	}
	if decoded["tick"] != float64(3) || decoded["entity_count"] != float64(12) || decoded["is_paused"] != true {
		t.Errorf("payload fields wrong: %v", decoded)
	}
}

func TestTickRangeSerializesAsArray(t *testing.T) {
	frame, err := EncodeEvent(MetadataEvent{
		Tick:            7,
		TickRange:       &TickRange{Min: 2, Max: 7},
		SupportsHistory: true,
	})
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	if !strings.Contains(string(frame), `"tick_range":[2,7]`) {
		t.Fatalf("tick_range not a two-element array: %s", frame)
	}

	evt, err := DecodeEvent(frame)
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}
	meta, ok := evt.(MetadataEvent)
	if !ok {
		t.Fatalf("decoded %T, want MetadataEvent", evt)
	}
	if meta.TickRange == nil || meta.TickRange.Min != 2 || meta.TickRange.Max != 7 {
		t.Errorf("TickRange = %+v", meta.TickRange)
	}
}

func TestMetadataNilTickRangeIsNull(t *testing.T) {
	frame, err := EncodeEvent(MetadataEvent{Tick: 0})
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	if !strings.Contains(string(frame), `"tick_range":null`) {
		t.Fatalf("expected explicit null tick_range: %s", frame)
	}
}

func TestSnapshotEventRoundTrip(t *testing.T) {
	snap := NewWorldSnapshot(4, 4.25, []EntitySnapshot{
		{ID: 1, Components: []ComponentSnapshot{position(1, 2)}},
	})
	frame, err := EncodeEvent(SnapshotEvent{Tick: 4, Snapshot: snap})
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}

	evt, err := DecodeEvent(frame)
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}
	se, ok := evt.(SnapshotEvent)
	if !ok {
		t.Fatalf("decoded %T, want SnapshotEvent", evt)
	}
	if se.Snapshot.Tick != 4 || se.Snapshot.EntityCount != 1 {
		t.Errorf("snapshot fields = %+v", se.Snapshot)
	}
	comp, ok := se.Snapshot.Entities[0].Component("Position")
	if !ok || !ValuesEqual(comp.Data["x"], 1) {
		t.Errorf("component payload lost: %+v", se.Snapshot.Entities[0])
	}
}

func TestSpanEventAttributeExtraction(t *testing.T) {
	frame, err := EncodeEvent(SpanEvent{
		SpanID:  "s1",
		TraceID: "t1",
		Name:    "tick",
		Status:  SpanStatusOK,
		Attributes: map[string]any{
			AttrTick:     9,
			AttrEntityID: 3,
		},
	})
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	evt, err := DecodeEvent(frame)
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}
	span := evt.(SpanEvent)
	if tick, ok := span.TickAttr(); !ok || tick != 9 {
		t.Errorf("TickAttr() = %d, %v", tick, ok)
	}
	if id, ok := span.EntityAttr(); !ok || id != 3 {
		t.Errorf("EntityAttr() = %d, %v", id, ok)
	}
}

func TestDecodeEventUnknownType(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":"mystery"}`))
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Errorf("CodeOf = %v", errs.CodeOf(err))
	}
}

func TestDecodeCommandValid(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{"pause", `{"command":"pause"}`, CommandPause},
		{"resume", `{"command":"resume"}`, CommandResume},
		{"step", `{"command":"step"}`, CommandStep},
		{"seek", `{"command":"seek","tick":5}`, CommandSeek},
		{"set_speed", `{"command":"set_speed","ticks_per_second":2.5}`, CommandSetSpeed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := DecodeCommand([]byte(tt.frame))
			if err != nil {
				t.Fatalf("DecodeCommand() error = %v", err)
			}
			if cmd.CommandName() != tt.want {
				t.Errorf("CommandName() = %q, want %q", cmd.CommandName(), tt.want)
			}
		})
	}

	cmd, err := DecodeCommand([]byte(`{"command":"seek","tick":5}`))
	if err != nil {
		t.Fatalf("DecodeCommand() error = %v", err)
	}
	if seek := cmd.(SeekCommand); seek.Tick != 5 {
		t.Errorf("Tick = %d, want 5", seek.Tick)
	}
}

func TestDecodeCommandRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"malformed json", `{"command":`},
		{"missing tag", `{"tick":1}`},
		{"non-string tag", `{"command":7}`},
		{"unknown tag", `{"command":"bogus"}`},
		{"seek missing tick", `{"command":"seek"}`},
		{"seek negative tick", `{"command":"seek","tick":-1}`},
		{"seek non-numeric tick", `{"command":"seek","tick":"one"}`},
		{"seek fractional tick", `{"command":"seek","tick":1.5}`},
		{"seek boolean tick", `{"command":"seek","tick":true}`},
		{"set_speed missing tps", `{"command":"set_speed"}`},
		{"set_speed zero", `{"command":"set_speed","ticks_per_second":0}`},
		{"set_speed negative", `{"command":"set_speed","ticks_per_second":-1}`},
		{"set_speed string", `{"command":"set_speed","ticks_per_second":"banana"}`},
		{"set_speed boolean", `{"command":"set_speed","ticks_per_second":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := DecodeCommand([]byte(tt.frame))
			if err == nil {
				t.Fatalf("expected error, got %+v", cmd)
			}
			if errs.CodeOf(err) != errs.CodeInvalid {
				t.Errorf("CodeOf = %v, want invalid_request", errs.CodeOf(err))
			}
			if errs.MessageOf(err) == "" {
				t.Error("expected a non-empty message to echo to the client")
			}
		})
	}
}
