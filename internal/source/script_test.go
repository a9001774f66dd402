package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/extensivelabs/agentecs-viz/errs"
	"github.com/extensivelabs/agentecs-viz/internal/schema"
)

const orbitScript = `
var world = [];

exports.config = { world_name: "Orbit" };

exports.init = function () {
  world = [
    { id: 1, components: { Position: { x: 0, y: 0 }, Velocity: { dx: 1, dy: 0 } } },
    { id: 2, components: { Agent: { name: "scout", state: "idle" } } },
  ];
  return world;
};

exports.tick = function (n) {
  world[0].components.Position.x = n;
  if (n === 3) {
    world.push({ id: 3, components: { Agent: { name: "late", state: "idle" } } });
  }
  return world;
};
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "world.js")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func connectScript(t *testing.T, body string) *ScriptWorldSource {
	t.Helper()
	src, err := NewScriptWorldSource(ScriptConfig{
		Path:         writeScript(t, body),
		TickInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewScriptWorldSource: %v", err)
	}
	if err := src.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = src.Disconnect() })
	if err := src.SendCommand(schema.CommandPause, nil); err != nil {
		t.Fatalf("pause: %v", err)
	}
	return src
}

func TestScriptInitSeedsWorld(t *testing.T) {
	src := connectScript(t, orbitScript)

	if got := src.CurrentTick(); got != 0 {
		t.Fatalf("CurrentTick() = %d, want 0", got)
	}
	snap := src.CurrentSnapshot()
	if snap.EntityCount != 2 {
		t.Fatalf("EntityCount = %d, want 2", snap.EntityCount)
	}
	entity, ok := snap.Entity(1)
	if !ok {
		t.Fatalf("entity 1 missing")
	}
	pos, ok := entity.Component("Position")
	if !ok {
		t.Fatalf("entity 1 missing Position")
	}
	if pos.TypeName != "script.components.Position" {
		t.Fatalf("TypeName = %q", pos.TypeName)
	}
	if !schema.ValuesEqual(pos.Data["x"], 0) {
		t.Fatalf("Position.x = %v, want 0", pos.Data["x"])
	}
}

func TestScriptTickAdvancesWorld(t *testing.T) {
	src := connectScript(t, orbitScript)
	sub, err := src.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := src.SendCommand(schema.CommandStep, nil); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	if got := src.CurrentTick(); got != 3 {
		t.Fatalf("CurrentTick() = %d, want 3", got)
	}

	snap := src.CurrentSnapshot()
	if snap.EntityCount != 3 {
		t.Fatalf("EntityCount after tick 3 = %d, want 3", snap.EntityCount)
	}
	entity, _ := snap.Entity(1)
	pos, _ := entity.Component("Position")
	if !schema.ValuesEqual(pos.Data["x"], 3) {
		t.Fatalf("Position.x = %v, want 3", pos.Data["x"])
	}

	for tick := 1; tick <= 3; tick++ {
		evt, ok := (<-sub.Events()).(schema.SnapshotEvent)
		if !ok || evt.Tick != tick {
			t.Fatalf("event for tick %d = %+v", tick, evt)
		}
	}

	past, err := src.SnapshotAt(1)
	if err != nil {
		t.Fatalf("SnapshotAt(1): %v", err)
	}
	if past.EntityCount != 2 {
		t.Fatalf("tick 1 EntityCount = %d, want 2", past.EntityCount)
	}
}

func TestScriptConfigExport(t *testing.T) {
	src := connectScript(t, orbitScript)
	cfg := src.VisualizationConfig()
	if cfg["world_name"] != "Orbit" {
		t.Fatalf("world_name = %v, want Orbit", cfg["world_name"])
	}
}

func TestScriptCompileError(t *testing.T) {
	_, err := NewScriptWorldSource(ScriptConfig{Path: writeScript(t, "function {")})
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("compile error code = %v, want invalid", errs.CodeOf(err))
	}
}

func TestScriptMissingFile(t *testing.T) {
	_, err := NewScriptWorldSource(ScriptConfig{Path: filepath.Join(t.TempDir(), "absent.js")})
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("missing file code = %v, want invalid", errs.CodeOf(err))
	}
}

func TestScriptMissingInitExport(t *testing.T) {
	src, err := NewScriptWorldSource(ScriptConfig{
		Path: writeScript(t, "exports.tick = function (n) { return []; };"),
	})
	if err != nil {
		t.Fatalf("NewScriptWorldSource: %v", err)
	}
	err = src.Connect(context.Background())
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("Connect without init code = %v, want invalid", errs.CodeOf(err))
	}
}
