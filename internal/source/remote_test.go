package source

import (
	"testing"

	"github.com/extensivelabs/agentecs-viz/errs"
	"github.com/extensivelabs/agentecs-viz/internal/schema"
)

func TestNormalizeRemoteURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"localhost:8000", "ws://localhost:8000/ws"},
		{"localhost:8000/ws", "ws://localhost:8000/ws"},
		{"http://localhost:8000", "ws://localhost:8000/ws"},
		{"https://viz.example.com", "wss://viz.example.com/ws"},
		{"ws://localhost:8000", "ws://localhost:8000/ws"},
		{"ws://localhost:8000/ws", "ws://localhost:8000/ws"},
		{"wss://viz.example.com/", "wss://viz.example.com/ws"},
		{"  localhost:9000  ", "ws://localhost:9000/ws"},
	}
	for _, tc := range cases {
		if got := NormalizeRemoteURL(tc.in); got != tc.want {
			t.Fatalf("NormalizeRemoteURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// observingRemote wires a remote source's internals without dialing so the
// event handling path can be driven directly.
func observingRemote(t *testing.T) (*RemoteWorldSource, *Subscription) {
	t.Helper()
	r := NewRemoteWorldSource(RemoteConfig{URL: "localhost:1", BufferSize: 3})
	r.mu.Lock()
	r.hub = NewHub(32)
	r.connected = true
	r.mu.Unlock()
	sub, err := r.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return r, sub
}

func remoteSnapshot(tick int, x float64) schema.SnapshotEvent {
	snap := schema.NewWorldSnapshot(tick, float64(tick), []schema.EntitySnapshot{{
		ID: 1,
		Components: []schema.ComponentSnapshot{{
			TypeName:  "agentecs.components.Position",
			TypeShort: "Position",
			Data:      map[string]any{"x": x, "y": 0.0},
		}},
	}})
	return schema.SnapshotEvent{Tick: tick, Snapshot: snap}
}

func TestRemoteSnapshotUpdatesLocalState(t *testing.T) {
	r, sub := observingRemote(t)

	r.handleEvent(remoteSnapshot(5, 1.0))

	if got := r.CurrentTick(); got != 5 {
		t.Fatalf("CurrentTick() = %d, want 5", got)
	}
	evt := recvEvent(t, sub)
	if snap, ok := evt.(schema.SnapshotEvent); !ok || snap.Tick != 5 {
		t.Fatalf("forwarded event = %+v", evt)
	}
	if _, err := r.SnapshotAt(5); err != nil {
		t.Fatalf("SnapshotAt(5): %v", err)
	}
}

func TestRemoteDeltaAppliesToCurrent(t *testing.T) {
	r, sub := observingRemote(t)
	r.handleEvent(remoteSnapshot(1, 1.0))
	recvEvent(t, sub)

	next := remoteSnapshot(2, 2.0).Snapshot
	delta := schema.Diff(r.CurrentSnapshot(), next)
	r.handleEvent(schema.DeltaEvent{Tick: 2, Delta: delta})

	if got := r.CurrentTick(); got != 2 {
		t.Fatalf("CurrentTick() = %d, want 2", got)
	}
	entity, _ := r.CurrentSnapshot().Entity(1)
	pos, _ := entity.Component("Position")
	if !schema.ValuesEqual(pos.Data["x"], 2.0) {
		t.Fatalf("Position.x = %v, want 2", pos.Data["x"])
	}
	if _, err := r.SnapshotAt(2); err != nil {
		t.Fatalf("SnapshotAt(2): %v", err)
	}
}

func TestRemotePauseBuffersAndResumeDrains(t *testing.T) {
	r, sub := observingRemote(t)

	if err := r.SendCommand(schema.CommandPause, nil); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !r.Paused() {
		t.Fatalf("Paused() = false")
	}
	r.handleEvent(remoteSnapshot(1, 1.0))
	r.handleEvent(remoteSnapshot(2, 2.0))
	select {
	case evt := <-sub.Events():
		t.Fatalf("received %+v while paused", evt)
	default:
	}
	// Remote state keeps advancing even while emission is paused.
	if got := r.CurrentTick(); got != 2 {
		t.Fatalf("CurrentTick() while paused = %d, want 2", got)
	}

	if err := r.SendCommand(schema.CommandResume, nil); err != nil {
		t.Fatalf("resume: %v", err)
	}
	for tick := 1; tick <= 2; tick++ {
		evt := recvEvent(t, sub).(schema.SnapshotEvent)
		if evt.Tick != tick {
			t.Fatalf("drained tick = %d, want %d", evt.Tick, tick)
		}
	}
}

func TestRemoteStepEmitsOneBufferedEvent(t *testing.T) {
	r, sub := observingRemote(t)
	_ = r.SendCommand(schema.CommandPause, nil)
	r.handleEvent(remoteSnapshot(1, 1.0))
	r.handleEvent(remoteSnapshot(2, 2.0))

	if err := r.SendCommand(schema.CommandStep, nil); err != nil {
		t.Fatalf("step: %v", err)
	}
	if got := recvEvent(t, sub).(schema.SnapshotEvent).Tick; got != 1 {
		t.Fatalf("stepped tick = %d, want 1", got)
	}
	select {
	case evt := <-sub.Events():
		t.Fatalf("received %+v after a single step", evt)
	default:
	}
}

func TestRemoteBufferDropsOldestWhenFull(t *testing.T) {
	r, sub := observingRemote(t)
	_ = r.SendCommand(schema.CommandPause, nil)
	for tick := 1; tick <= 5; tick++ {
		r.handleEvent(remoteSnapshot(tick, float64(tick)))
	}
	_ = r.SendCommand(schema.CommandResume, nil)

	// Buffer capacity is 3, so ticks 1 and 2 were discarded.
	for _, want := range []int{3, 4, 5} {
		if got := recvEvent(t, sub).(schema.SnapshotEvent).Tick; got != want {
			t.Fatalf("drained tick = %d, want %d", got, want)
		}
	}
}

func TestRemoteSetSpeedValidatedButIgnored(t *testing.T) {
	r, _ := observingRemote(t)

	err := r.SendCommand(schema.CommandSetSpeed, map[string]any{"ticks_per_second": true})
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("bool rate code = %v, want invalid", errs.CodeOf(err))
	}
	if err := r.SendCommand(schema.CommandSetSpeed, map[string]any{"ticks_per_second": 10}); err != nil {
		t.Fatalf("valid set_speed: %v", err)
	}
}

func TestRemoteRestartResetsHistory(t *testing.T) {
	r, sub := observingRemote(t)
	r.handleEvent(remoteSnapshot(7, 1.0))
	recvEvent(t, sub)

	// A snapshot older than the current tick means the remote restarted.
	r.handleEvent(remoteSnapshot(1, 0.0))
	recvEvent(t, sub)

	if got := r.CurrentTick(); got != 1 {
		t.Fatalf("CurrentTick() = %d, want 1", got)
	}
	if _, err := r.SnapshotAt(7); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("SnapshotAt(7) after restart = %v, want not_found", err)
	}
}

func TestRemoteMetadataCapturesConfig(t *testing.T) {
	r, _ := observingRemote(t)
	r.handleEvent(schema.MetadataEvent{
		Tick:   3,
		Config: map[string]any{"world_name": "Upstream"},
	})
	cfg := r.VisualizationConfig()
	if cfg["world_name"] != "Upstream" {
		t.Fatalf("world_name = %v, want Upstream", cfg["world_name"])
	}
}

func TestRemoteErrorsAndSpansIndexed(t *testing.T) {
	r, sub := observingRemote(t)
	entity := 4
	r.handleEvent(schema.ErrorEvent{Tick: 2, EntityID: &entity, Message: "boom", Severity: schema.SeverityWarning})
	r.handleEvent(schema.SpanEvent{
		SpanID: "s1", TraceID: "t1", Name: "entity.update",
		Status:     schema.SpanStatusOK,
		Attributes: map[string]any{schema.AttrTick: 2, schema.AttrEntityID: entity},
	})
	recvEvent(t, sub)
	recvEvent(t, sub)

	store := r.History()
	if got := len(store.Errors(2, 2)); got != 1 {
		t.Fatalf("stored errors = %d, want 1", got)
	}
	if got := len(store.Spans(2, 2)); got != 1 {
		t.Fatalf("stored spans = %d, want 1", got)
	}
}
