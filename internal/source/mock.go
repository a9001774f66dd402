package source

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/extensivelabs/agentecs-viz/errs"
	"github.com/extensivelabs/agentecs-viz/internal/history"
	"github.com/extensivelabs/agentecs-viz/internal/observability"
	"github.com/extensivelabs/agentecs-viz/internal/schema"
)

// World dynamics constants.
const (
	taskCompletionProbability = 0.05
	entitySpawnProbability    = 0.02
	entityDespawnProbability  = 0.02
	maxEntityMultiplier       = 1.5
	minEntityCount            = 10

	defaultErrorProbability = 0.05
	defaultSpanProbability  = 0.1
)

// mockArchetypes are the component combinations the fake world spawns from.
var mockArchetypes = [][]string{
	{"Agent", "Position"},
	{"Agent", "Task", "Priority"},
	{"Agent", "Memory", "Goals"},
	{"Task", "Deadline"},
	{"Position", "Velocity"},
}

var archetypeColors = []string{"#06b6d4", "#8b5cf6", "#f59e0b", "#10b981", "#ef4444"}

// MockConfig parameterizes the fake world.
type MockConfig struct {
	EntityCount      int
	TickInterval     time.Duration
	QueueCapacity    int
	History          history.Config
	ErrorProbability float64
	SpanProbability  float64
	// Seed fixes the random stream; zero seeds from the clock.
	Seed int64
}

func (c MockConfig) normalize() MockConfig {
	if c.EntityCount <= 0 {
		c.EntityCount = 20
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 500 * time.Millisecond
	}
	if c.ErrorProbability == 0 {
		c.ErrorProbability = defaultErrorProbability
	}
	if c.SpanProbability == 0 {
		c.SpanProbability = defaultSpanProbability
	}
	return c
}

// MockWorldSource drives an in-memory random fake world for demos and tests.
// It owns a history store, fans events out through a hub, and honours the
// full playback command set.
type MockWorldSource struct {
	cfg   MockConfig
	store *history.Store
	loop  *tickLoop

	mu        sync.RWMutex
	connected bool
	tick      int
	entities  []schema.EntitySnapshot
	nextID    int
	current   *schema.WorldSnapshot
	hub       *Hub
	rng       *rand.Rand

	tickDuration metric.Float64Histogram
	ticksTotal   metric.Int64Counter
}

// NewMockWorldSource constructs a disconnected mock source.
func NewMockWorldSource(cfg MockConfig) *MockWorldSource {
	cfg = cfg.normalize()
	m := &MockWorldSource{
		cfg:   cfg,
		store: history.NewStore(cfg.History),
	}
	m.loop = newTickLoop(cfg.TickInterval, m.executeTick)
	meter := otel.Meter("agentecs-viz/source")
	m.tickDuration, _ = meter.Float64Histogram("source.tick.duration",
		metric.WithDescription("Tick execution duration"), metric.WithUnit("ms"))
	m.ticksTotal, _ = meter.Int64Counter("source.ticks",
		metric.WithDescription("Ticks executed"))
	return m
}

// SourceType identifies the source in /api/metadata.
func (m *MockWorldSource) SourceType() string { return "mock" }

// Connect resets the world from scratch: tick zero, a fresh entity
// population, an empty history seeded with the initial snapshot, and a new
// subscriber hub.
func (m *MockWorldSource) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errs.New("source/connect", errs.CodeUnavailable, errs.WithCause(err))
	}
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return errs.New("source/connect", errs.CodeConflict, errs.WithMessage("source already connected"))
	}
	seed := m.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	m.rng = rand.New(rand.NewSource(seed)) // #nosec G404 -- demo world, not crypto.
	m.store.Clear()
	m.tick = 0
	m.nextID = 1
	m.entities = m.spawnInitialEntities()
	m.current = m.buildSnapshot()
	m.store.RecordTick(m.current)
	m.hub = NewHub(m.cfg.QueueCapacity)
	m.connected = true
	m.mu.Unlock()

	m.loop.start()
	observability.Log().Info("mock source connected",
		observability.Field{Key: "entities", Value: m.cfg.EntityCount})
	return nil
}

// Disconnect stops the driver, joins it, and drops every subscriber.
func (m *MockWorldSource) Disconnect() error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil
	}
	m.connected = false
	hub := m.hub
	m.mu.Unlock()

	m.loop.stopJoin()
	if hub != nil {
		hub.CloseAll()
	}
	observability.Log().Info("mock source disconnected")
	return nil
}

func (m *MockWorldSource) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MockWorldSource) Paused() bool { return m.loop.isPaused() }

func (m *MockWorldSource) CurrentTick() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tick
}

// CurrentSnapshot returns a copy of the live snapshot.
func (m *MockWorldSource) CurrentSnapshot() *schema.WorldSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return schema.NewWorldSnapshot(0, 0, nil)
	}
	return m.current.Clone()
}

// SnapshotAt resolves the live snapshot for the current tick and delegates
// older ticks to the history store.
func (m *MockWorldSource) SnapshotAt(tick int) (*schema.WorldSnapshot, error) {
	m.mu.RLock()
	current := m.tick
	live := m.current
	m.mu.RUnlock()
	if tick == current && live != nil {
		return live.Clone(), nil
	}
	return m.store.Snapshot(tick)
}

// Subscribe registers a fresh bounded queue on the hub.
func (m *MockWorldSource) Subscribe() (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected || m.hub == nil {
		return nil, errNotConnected("source/subscribe")
	}
	return m.hub.Subscribe(), nil
}

// SendCommand dispatches a playback command.
func (m *MockWorldSource) SendCommand(name string, args map[string]any) error {
	switch name {
	case schema.CommandPause:
		m.loop.pause()
	case schema.CommandResume:
		m.loop.resume()
	case schema.CommandStep:
		m.loop.step()
	case schema.CommandSetSpeed:
		tps, err := parseTicksPerSecond(args)
		if err != nil {
			return err
		}
		m.loop.setSpeed(tps)
	default:
		return unknownCommand(name)
	}
	return nil
}

func (m *MockWorldSource) SupportsHistory() bool { return true }

func (m *MockWorldSource) TickRange() (schema.TickRange, bool) {
	return m.store.TickRange()
}

// History exposes the embedded store for telemetry queries.
func (m *MockWorldSource) History() *history.Store { return m.store }

// TickInterval reports the current driver cadence.
func (m *MockWorldSource) TickInterval() time.Duration { return m.loop.currentInterval() }

// VisualizationConfig describes how the frontend should render the fake
// world's archetypes.
func (m *MockWorldSource) VisualizationConfig() map[string]any {
	archetypes := make([]any, 0, len(mockArchetypes))
	for i, arch := range mockArchetypes {
		sorted := schema.EntitySnapshot{Components: componentsFor(arch, 0, nil)}.Archetype()
		key := ""
		for j, short := range sorted {
			if j > 0 {
				key += ","
			}
			key += short
		}
		archetypes = append(archetypes, map[string]any{
			"key":   key,
			"label": key,
			"color": archetypeColors[i%len(archetypeColors)],
		})
	}
	return map[string]any{
		"world_name": "Mock World",
		"archetypes": archetypes,
	}
}

// executeTick advances the world by one tick: mutate entities, build the
// snapshot, record it, then emit the snapshot event followed by any
// ancillary error and span events on the same stream.
func (m *MockWorldSource) executeTick() {
	start := time.Now()

	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	m.tick++
	m.updateEntities()
	snap := m.buildSnapshot()
	m.current = snap
	hub := m.hub
	errEvt := m.maybeGenerateError()
	spanEvts := m.maybeGenerateSpans()
	m.mu.Unlock()

	m.store.RecordTick(snap)
	if errEvt != nil {
		m.store.RecordError(*errEvt)
	}
	for _, span := range spanEvts {
		m.store.RecordSpan(span)
	}

	hub.Broadcast(schema.SnapshotEvent{Tick: snap.Tick, Snapshot: snap.Clone()})
	if errEvt != nil {
		hub.Broadcast(*errEvt)
	}
	for _, span := range spanEvts {
		hub.Broadcast(span)
	}

	ctx := context.Background()
	if m.ticksTotal != nil {
		m.ticksTotal.Add(ctx, 1)
	}
	if m.tickDuration != nil {
		m.tickDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)
	}
}

func (m *MockWorldSource) spawnInitialEntities() []schema.EntitySnapshot {
	entities := make([]schema.EntitySnapshot, 0, m.cfg.EntityCount)
	for i := 0; i < m.cfg.EntityCount; i++ {
		entities = append(entities, m.spawnEntity())
	}
	return entities
}

func (m *MockWorldSource) spawnEntity() schema.EntitySnapshot {
	id := m.nextID
	m.nextID++
	arch := mockArchetypes[m.rng.Intn(len(mockArchetypes))]
	return schema.EntitySnapshot{ID: id, Components: componentsFor(arch, id, m.rng)}
}

// componentsFor builds randomized component payloads for an archetype. A nil
// rng produces zero-valued payloads, used only for archetype key derivation.
func componentsFor(shorts []string, id int, rng *rand.Rand) []schema.ComponentSnapshot {
	components := make([]schema.ComponentSnapshot, 0, len(shorts))
	for _, short := range shorts {
		components = append(components, schema.ComponentSnapshot{
			TypeName:  "agentecs.components." + short,
			TypeShort: short,
			Data:      componentData(short, id, rng),
		})
	}
	return components
}

func componentData(short string, id int, rng *rand.Rand) map[string]any {
	if rng == nil {
		return map[string]any{}
	}
	switch short {
	case "Position":
		return map[string]any{"x": rng.Float64()*200 - 100, "y": rng.Float64()*200 - 100}
	case "Velocity":
		return map[string]any{"dx": rng.Float64()*10 - 5, "dy": rng.Float64()*10 - 5}
	case "Agent":
		states := []string{"idle", "working", "waiting"}
		return map[string]any{
			"name":  fmt.Sprintf("agent-%d", id),
			"state": states[rng.Intn(len(states))],
		}
	case "Task":
		return map[string]any{
			"description": fmt.Sprintf("task-%d", rng.Intn(1000)),
			"status":      "pending",
		}
	case "Priority":
		return map[string]any{"level": rng.Intn(5) + 1}
	case "Deadline":
		return map[string]any{"remaining_ticks": rng.Intn(91) + 10}
	case "Memory":
		return map[string]any{"entries": []any{fmt.Sprintf("memory-%d", rng.Intn(100))}}
	case "Goals":
		return map[string]any{"count": rng.Intn(5) + 1}
	}
	return map[string]any{}
}

// updateEntities applies the per-tick world dynamics: positions drift by
// velocity, deadlines decrement, tasks complete probabilistically, and
// entities spawn and despawn within population bounds.
func (m *MockWorldSource) updateEntities() {
	for i := range m.entities {
		e := &m.entities[i]
		var vx, vy float64
		if vel, ok := e.Component("Velocity"); ok {
			vx, _ = asFloat(vel.Data["dx"])
			vy, _ = asFloat(vel.Data["dy"])
		}
		for j := range e.Components {
			c := &e.Components[j]
			switch c.TypeShort {
			case "Position":
				if x, ok := asFloat(c.Data["x"]); ok {
					c.Data["x"] = x + vx
				}
				if y, ok := asFloat(c.Data["y"]); ok {
					c.Data["y"] = y + vy
				}
			case "Deadline":
				if remaining, ok := asFloat(c.Data["remaining_ticks"]); ok && remaining > 0 {
					c.Data["remaining_ticks"] = int(remaining) - 1
				}
			case "Task":
				if c.Data["status"] == "pending" && m.rng.Float64() < taskCompletionProbability {
					c.Data["status"] = "completed"
				}
			}
		}
	}

	maxEntities := int(float64(m.cfg.EntityCount) * maxEntityMultiplier)
	if m.rng.Float64() < entitySpawnProbability && len(m.entities) < maxEntities {
		m.entities = append(m.entities, m.spawnEntity())
	}
	if m.rng.Float64() < entityDespawnProbability && len(m.entities) > minEntityCount {
		victim := m.rng.Intn(len(m.entities))
		m.entities = append(m.entities[:victim], m.entities[victim+1:]...)
	}
}

func (m *MockWorldSource) buildSnapshot() *schema.WorldSnapshot {
	entities := make([]schema.EntitySnapshot, len(m.entities))
	for i, e := range m.entities {
		entities[i] = e.Clone()
	}
	return schema.NewWorldSnapshot(m.tick, nowSeconds(), entities)
}

func (m *MockWorldSource) maybeGenerateError() *schema.ErrorEvent {
	if m.rng.Float64() >= m.cfg.ErrorProbability || len(m.entities) == 0 {
		return nil
	}
	severities := []string{schema.SeverityCritical, schema.SeverityWarning, schema.SeverityInfo}
	entityID := m.entities[m.rng.Intn(len(m.entities))].ID
	return &schema.ErrorEvent{
		Tick:     m.tick,
		EntityID: &entityID,
		Message:  fmt.Sprintf("simulated fault on entity %d", entityID),
		Severity: severities[m.rng.Intn(len(severities))],
	}
}

// maybeGenerateSpans produces a root span for the tick with a child span for
// one entity's update. Parent and child share a trace id and both carry the
// tick and entity attributes.
func (m *MockWorldSource) maybeGenerateSpans() []schema.SpanEvent {
	if m.rng.Float64() >= m.cfg.SpanProbability || len(m.entities) == 0 {
		return nil
	}
	traceID := uuid.NewString()
	rootID := uuid.NewString()
	entityID := m.entities[m.rng.Intn(len(m.entities))].ID
	now := nowSeconds()

	root := schema.SpanEvent{
		SpanID:    rootID,
		TraceID:   traceID,
		Name:      "world.tick",
		StartTime: now,
		EndTime:   now + 0.001,
		Status:    schema.SpanStatusOK,
		Attributes: map[string]any{
			schema.AttrTick:     m.tick,
			schema.AttrEntityID: entityID,
		},
	}
	child := schema.SpanEvent{
		SpanID:       uuid.NewString(),
		TraceID:      traceID,
		ParentSpanID: &rootID,
		Name:         "entity.update",
		StartTime:    now,
		EndTime:      now + 0.0005,
		Status:       schema.SpanStatusOK,
		Attributes: map[string]any{
			schema.AttrTick:     m.tick,
			schema.AttrEntityID: entityID,
		},
	}
	return []schema.SpanEvent{root, child}
}
