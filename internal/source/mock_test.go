package source

import (
	"context"
	"testing"
	"time"

	"github.com/extensivelabs/agentecs-viz/errs"
	"github.com/extensivelabs/agentecs-viz/internal/history"
	"github.com/extensivelabs/agentecs-viz/internal/schema"
)

// pausedMock connects a deterministic source and immediately pauses it so
// tests drive ticks with step.
func pausedMock(t *testing.T, cfg MockConfig) *MockWorldSource {
	t.Helper()
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Hour
	}
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	src := NewMockWorldSource(cfg)
	if err := src.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = src.Disconnect() })
	if err := src.SendCommand(schema.CommandPause, nil); err != nil {
		t.Fatalf("pause: %v", err)
	}
	return src
}

func stepN(t *testing.T, src *MockWorldSource, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := src.SendCommand(schema.CommandStep, nil); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}

func nextSnapshotEvent(t *testing.T, sub *Subscription) schema.SnapshotEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-sub.Events():
			if snap, ok := evt.(schema.SnapshotEvent); ok {
				return snap
			}
		case <-deadline:
			t.Fatalf("timed out waiting for snapshot event")
		}
	}
}

func TestMockConnectStartsAtTickZero(t *testing.T) {
	src := pausedMock(t, MockConfig{EntityCount: 15})

	if got := src.CurrentTick(); got != 0 {
		t.Fatalf("CurrentTick() = %d, want 0", got)
	}
	snap := src.CurrentSnapshot()
	if snap.Tick != 0 || snap.EntityCount != 15 {
		t.Fatalf("initial snapshot tick=%d entities=%d, want 0 and 15", snap.Tick, snap.EntityCount)
	}
	tr, ok := src.TickRange()
	if !ok || tr.Min != 0 || tr.Max != 0 {
		t.Fatalf("TickRange() = %+v %v, want [0,0] true", tr, ok)
	}
	if !src.SupportsHistory() {
		t.Fatalf("SupportsHistory() = false")
	}
}

func TestMockConnectTwiceFails(t *testing.T) {
	src := pausedMock(t, MockConfig{})
	err := src.Connect(context.Background())
	if errs.CodeOf(err) != errs.CodeConflict {
		t.Fatalf("second Connect code = %v, want conflict", errs.CodeOf(err))
	}
}

func TestMockStepAdvancesOneTick(t *testing.T) {
	src := pausedMock(t, MockConfig{})
	stepN(t, src, 3)

	if got := src.CurrentTick(); got != 3 {
		t.Fatalf("CurrentTick() = %d, want 3", got)
	}
	tr, _ := src.TickRange()
	if tr.Min != 0 || tr.Max != 3 {
		t.Fatalf("TickRange() = %+v, want [0,3]", tr)
	}
	if !src.Paused() {
		t.Fatalf("Paused() = false after stepping")
	}
}

func TestMockSnapshotAtResolvesLiveAndHistory(t *testing.T) {
	src := pausedMock(t, MockConfig{})
	stepN(t, src, 4)

	live, err := src.SnapshotAt(4)
	if err != nil {
		t.Fatalf("SnapshotAt(4): %v", err)
	}
	if live.Tick != 4 {
		t.Fatalf("live tick = %d, want 4", live.Tick)
	}
	past, err := src.SnapshotAt(2)
	if err != nil {
		t.Fatalf("SnapshotAt(2): %v", err)
	}
	if past.Tick != 2 {
		t.Fatalf("past tick = %d, want 2", past.Tick)
	}
	if _, err := src.SnapshotAt(99); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("SnapshotAt(99) code = %v, want not_found", errs.CodeOf(err))
	}
}

func TestMockReconnectResetsWorld(t *testing.T) {
	src := pausedMock(t, MockConfig{})
	stepN(t, src, 5)
	if err := src.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if src.Connected() {
		t.Fatalf("Connected() = true after Disconnect")
	}

	if err := src.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if err := src.SendCommand(schema.CommandPause, nil); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if got := src.CurrentTick(); got != 0 {
		t.Fatalf("CurrentTick() after reconnect = %d, want 0", got)
	}
	tr, ok := src.TickRange()
	if !ok || tr.Min != 0 || tr.Max != 0 {
		t.Fatalf("TickRange() after reconnect = %+v %v, want [0,0] true", tr, ok)
	}
}

func TestMockSetSpeedValidation(t *testing.T) {
	src := pausedMock(t, MockConfig{})
	before := src.TickInterval()

	cases := []map[string]any{
		nil,
		{"ticks_per_second": true},
		{"ticks_per_second": "fast"},
		{"ticks_per_second": 0},
		{"ticks_per_second": -1.5},
	}
	for _, args := range cases {
		err := src.SendCommand(schema.CommandSetSpeed, args)
		if errs.CodeOf(err) != errs.CodeInvalid {
			t.Fatalf("set_speed %v code = %v, want invalid", args, errs.CodeOf(err))
		}
	}
	if got := src.TickInterval(); got != before {
		t.Fatalf("interval changed to %v after rejected commands, want %v", got, before)
	}

	if err := src.SendCommand(schema.CommandSetSpeed, map[string]any{"ticks_per_second": 4}); err != nil {
		t.Fatalf("set_speed 4: %v", err)
	}
	if got := src.TickInterval(); got != 250*time.Millisecond {
		t.Fatalf("interval = %v, want 250ms", got)
	}
}

func TestMockUnknownCommand(t *testing.T) {
	src := pausedMock(t, MockConfig{})
	err := src.SendCommand("teleport", nil)
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("unknown command code = %v, want invalid", errs.CodeOf(err))
	}
}

func TestMockSubscribeRequiresConnection(t *testing.T) {
	src := NewMockWorldSource(MockConfig{})
	if _, err := src.Subscribe(); errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("Subscribe() code = %v, want unavailable", errs.CodeOf(err))
	}
	if err := src.Disconnect(); err != nil {
		t.Fatalf("Disconnect on disconnected source: %v", err)
	}
}

func TestMockTwoSubscribersSeeSameTickOrder(t *testing.T) {
	src := pausedMock(t, MockConfig{})
	a, err := src.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}
	b, err := src.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe b: %v", err)
	}
	stepN(t, src, 5)

	for tick := 1; tick <= 5; tick++ {
		sa := nextSnapshotEvent(t, a)
		sb := nextSnapshotEvent(t, b)
		if sa.Tick != tick || sb.Tick != tick {
			t.Fatalf("tick %d: subscriber a saw %d, b saw %d", tick, sa.Tick, sb.Tick)
		}
		if sa.Snapshot.EntityCount != sb.Snapshot.EntityCount {
			t.Fatalf("tick %d: entity counts diverge (%d vs %d)",
				tick, sa.Snapshot.EntityCount, sb.Snapshot.EntityCount)
		}
	}
}

func TestMockForcedErrorsAndSpans(t *testing.T) {
	src := pausedMock(t, MockConfig{ErrorProbability: 1, SpanProbability: 1})
	sub, err := src.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	stepN(t, src, 1)

	snap := <-sub.Events()
	if _, ok := snap.(schema.SnapshotEvent); !ok {
		t.Fatalf("first event = %T, want SnapshotEvent", snap)
	}
	errEvt, ok := (<-sub.Events()).(schema.ErrorEvent)
	if !ok {
		t.Fatalf("second event is not an ErrorEvent")
	}
	if errEvt.Tick != 1 || errEvt.EntityID == nil || errEvt.Message == "" {
		t.Fatalf("error event incomplete: %+v", errEvt)
	}
	root, ok := (<-sub.Events()).(schema.SpanEvent)
	if !ok {
		t.Fatalf("third event is not a SpanEvent")
	}
	child, ok := (<-sub.Events()).(schema.SpanEvent)
	if !ok {
		t.Fatalf("fourth event is not a SpanEvent")
	}
	if root.ParentSpanID != nil {
		t.Fatalf("root span has a parent")
	}
	if child.ParentSpanID == nil || *child.ParentSpanID != root.SpanID {
		t.Fatalf("child span not parented to root")
	}
	if child.TraceID != root.TraceID {
		t.Fatalf("spans do not share a trace id")
	}
	for _, span := range []schema.SpanEvent{root, child} {
		if tick, ok := span.TickAttr(); !ok || tick != 1 {
			t.Fatalf("span %q tick attribute = %d %v, want 1 true", span.Name, tick, ok)
		}
		if _, ok := span.EntityAttr(); !ok {
			t.Fatalf("span %q missing entity attribute", span.Name)
		}
	}

	store := src.History()
	if got := len(store.Errors(1, 1)); got != 1 {
		t.Fatalf("stored errors at tick 1 = %d, want 1", got)
	}
	if got := len(store.Spans(1, 1)); got != 2 {
		t.Fatalf("stored spans at tick 1 = %d, want 2", got)
	}
}

func TestMockHistoryEviction(t *testing.T) {
	src := pausedMock(t, MockConfig{
		History: history.Config{MaxTicks: 4, CheckpointInterval: 2},
	})
	stepN(t, src, 10)

	tr, ok := src.TickRange()
	if !ok {
		t.Fatalf("TickRange() empty")
	}
	if tr.Max != 10 {
		t.Fatalf("TickRange().Max = %d, want 10", tr.Max)
	}
	if got := tr.Max - tr.Min + 1; got > 4 {
		t.Fatalf("retained %d ticks, want at most 4", got)
	}
	if _, err := src.SnapshotAt(tr.Min); err != nil {
		t.Fatalf("SnapshotAt(oldest retained): %v", err)
	}
	if _, err := src.SnapshotAt(0); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("SnapshotAt(evicted) = %v, want not_found", err)
	}
}

func TestMockVisualizationConfig(t *testing.T) {
	src := NewMockWorldSource(MockConfig{})
	cfg := src.VisualizationConfig()
	if cfg["world_name"] != "Mock World" {
		t.Fatalf("world_name = %v", cfg["world_name"])
	}
	archetypes, ok := cfg["archetypes"].([]any)
	if !ok || len(archetypes) != len(mockArchetypes) {
		t.Fatalf("archetypes = %v", cfg["archetypes"])
	}
	first, ok := archetypes[0].(map[string]any)
	if !ok || first["key"] != "Agent,Position" {
		t.Fatalf("first archetype = %v, want key Agent,Position", archetypes[0])
	}
}
