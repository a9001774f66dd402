package source

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/extensivelabs/agentecs-viz/errs"
	"github.com/extensivelabs/agentecs-viz/internal/history"
	"github.com/extensivelabs/agentecs-viz/internal/observability"
	"github.com/extensivelabs/agentecs-viz/internal/schema"
)

// ScriptConfig parameterizes a JavaScript-backed world.
type ScriptConfig struct {
	Path          string
	TickInterval  time.Duration
	QueueCapacity int
	History       history.Config
}

// scriptEntity is the shape the script's init and tick exports must return:
// an array of {id, components: {Short: {...}}} objects.
type scriptEntity struct {
	ID         int                       `json:"id"`
	Components map[string]map[string]any `json:"components"`
}

// ScriptWorldSource runs a JavaScript module that defines the world. The
// module exports init(), called once per connect for the initial population,
// and tick(n), called once per tick for the population at tick n. An optional
// config export supplies the visualization config.
type ScriptWorldSource struct {
	cfg   ScriptConfig
	store *history.Store
	loop  *tickLoop

	mu        sync.RWMutex
	connected bool
	tick      int
	current   *schema.WorldSnapshot
	hub       *Hub
	visConfig map[string]any

	// The VM is touched only while the driver is quiescent (Connect) or from
	// the driver body itself, which the tick loop serializes.
	rt      *goja.Runtime
	exports *goja.Object
	program *goja.Program
}

// NewScriptWorldSource compiles the script at cfg.Path. The source stays
// disconnected until Connect, which runs the module and calls init().
func NewScriptWorldSource(cfg ScriptConfig) (*ScriptWorldSource, error) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 500 * time.Millisecond
	}
	// #nosec G304 -- path comes from the operator's CLI flag or config file.
	src, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, errs.New("source/script", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("read script %q", cfg.Path)), errs.WithCause(err))
	}
	program, err := goja.Compile(cfg.Path, string(src), true)
	if err != nil {
		return nil, errs.New("source/script", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("compile script %q", cfg.Path)), errs.WithCause(err))
	}
	s := &ScriptWorldSource{
		cfg:     cfg,
		store:   history.NewStore(cfg.History),
		program: program,
	}
	s.loop = newTickLoop(cfg.TickInterval, s.executeTick)
	return s, nil
}

func (s *ScriptWorldSource) SourceType() string { return "script" }

// Connect builds a fresh VM, runs the module, and seeds tick zero from the
// script's init export.
func (s *ScriptWorldSource) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errs.New("source/connect", errs.CodeUnavailable, errs.WithCause(err))
	}
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return errs.New("source/connect", errs.CodeConflict, errs.WithMessage("source already connected"))
	}

	rt := goja.New()
	exports, err := runScriptModule(rt, s.program)
	if err != nil {
		s.mu.Unlock()
		return errs.New("source/connect", errs.CodeInvalid,
			errs.WithMessage("execute script module"), errs.WithCause(err))
	}
	entities, err := callWorldExport(rt, exports, "init")
	if err != nil {
		s.mu.Unlock()
		return errs.New("source/connect", errs.CodeInvalid,
			errs.WithMessage("script init failed"), errs.WithCause(err))
	}
	s.visConfig = scriptVisConfig(rt, exports)

	s.rt = rt
	s.exports = exports
	s.store.Clear()
	s.tick = 0
	s.current = schema.NewWorldSnapshot(0, nowSeconds(), entities)
	s.store.RecordTick(s.current)
	s.hub = NewHub(s.cfg.QueueCapacity)
	s.connected = true
	s.mu.Unlock()

	s.loop.start()
	observability.Log().Info("script source connected",
		observability.Field{Key: "path", Value: s.cfg.Path})
	return nil
}

func (s *ScriptWorldSource) Disconnect() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	hub := s.hub
	s.mu.Unlock()

	s.loop.stopJoin()
	if hub != nil {
		hub.CloseAll()
	}
	observability.Log().Info("script source disconnected")
	return nil
}

func (s *ScriptWorldSource) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *ScriptWorldSource) Paused() bool { return s.loop.isPaused() }

func (s *ScriptWorldSource) CurrentTick() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tick
}

func (s *ScriptWorldSource) CurrentSnapshot() *schema.WorldSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return schema.NewWorldSnapshot(0, 0, nil)
	}
	return s.current.Clone()
}

func (s *ScriptWorldSource) SnapshotAt(tick int) (*schema.WorldSnapshot, error) {
	s.mu.RLock()
	current := s.tick
	live := s.current
	s.mu.RUnlock()
	if tick == current && live != nil {
		return live.Clone(), nil
	}
	return s.store.Snapshot(tick)
}

func (s *ScriptWorldSource) Subscribe() (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected || s.hub == nil {
		return nil, errNotConnected("source/subscribe")
	}
	return s.hub.Subscribe(), nil
}

func (s *ScriptWorldSource) SendCommand(name string, args map[string]any) error {
	switch name {
	case schema.CommandPause:
		s.loop.pause()
	case schema.CommandResume:
		s.loop.resume()
	case schema.CommandStep:
		s.loop.step()
	case schema.CommandSetSpeed:
		tps, err := parseTicksPerSecond(args)
		if err != nil {
			return err
		}
		s.loop.setSpeed(tps)
	default:
		return unknownCommand(name)
	}
	return nil
}

func (s *ScriptWorldSource) SupportsHistory() bool { return true }

func (s *ScriptWorldSource) TickRange() (schema.TickRange, bool) {
	return s.store.TickRange()
}

// History exposes the embedded store for error and span queries.
func (s *ScriptWorldSource) History() *history.Store { return s.store }

func (s *ScriptWorldSource) VisualizationConfig() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.visConfig == nil {
		return map[string]any{"world_name": "Script World"}
	}
	return schema.CloneValueMap(s.visConfig)
}

func (s *ScriptWorldSource) executeTick() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	next := s.tick + 1
	entities, err := callWorldExport(s.rt, s.exports, "tick", next)
	if err != nil {
		s.mu.Unlock()
		observability.Log().Error("script tick failed",
			observability.Field{Key: "tick", Value: next},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	s.tick = next
	snap := schema.NewWorldSnapshot(next, nowSeconds(), entities)
	s.current = snap
	hub := s.hub
	s.mu.Unlock()

	s.store.RecordTick(snap)
	hub.Broadcast(schema.SnapshotEvent{Tick: snap.Tick, Snapshot: snap.Clone()})
}

// callWorldExport invokes the named export and converts its return value into
// entity snapshots. Component short names are the keys of the components
// object; full type names are derived from them.
func callWorldExport(rt *goja.Runtime, exports *goja.Object, name string, args ...any) ([]schema.EntitySnapshot, error) {
	value := exports.Get(name)
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, fmt.Errorf("script export %q missing", name)
	}
	callable, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("script export %q not callable", name)
	}
	params := make([]goja.Value, len(args))
	for i, arg := range args {
		params[i] = rt.ToValue(arg)
	}
	res, err := callable(goja.Undefined(), params...)
	if err != nil {
		return nil, err
	}

	var raw []scriptEntity
	if err := rt.ExportTo(res, &raw); err != nil {
		return nil, fmt.Errorf("script export %q returned invalid entities: %w", name, err)
	}
	entities := make([]schema.EntitySnapshot, 0, len(raw))
	for _, e := range raw {
		shorts := make([]string, 0, len(e.Components))
		for short := range e.Components {
			shorts = append(shorts, short)
		}
		sort.Strings(shorts)
		components := make([]schema.ComponentSnapshot, 0, len(shorts))
		for _, short := range shorts {
			components = append(components, schema.ComponentSnapshot{
				TypeName:  "script.components." + short,
				TypeShort: short,
				Data:      schema.CloneValueMap(e.Components[short]),
			})
		}
		entities = append(entities, schema.EntitySnapshot{ID: e.ID, Components: components})
	}
	return entities, nil
}

func scriptVisConfig(rt *goja.Runtime, exports *goja.Object) map[string]any {
	value := exports.Get("config")
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil
	}
	var cfg map[string]any
	if err := rt.ExportTo(value, &cfg); err != nil {
		return nil
	}
	return cfg
}

func runScriptModule(rt *goja.Runtime, program *goja.Program) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("console", scriptConsole(rt)); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}
	value := module.Get("exports")
	object := value.ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}

// scriptConsole routes console.log and friends into the process logger.
func scriptConsole(rt *goja.Runtime) *goja.Object {
	console := rt.NewObject()
	emit := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		msg := ""
		for i, p := range parts {
			if i > 0 {
				msg += " "
			}
			msg += p
		}
		observability.Log().Debug("script console", observability.Field{Key: "message", Value: msg})
		return goja.Undefined()
	}
	_ = console.Set("log", emit)
	_ = console.Set("error", emit)
	_ = console.Set("warn", emit)
	_ = console.Set("info", emit)
	return console
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
