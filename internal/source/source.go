// Package source defines the world-source abstraction and its built-in
// implementations: the tick-loop driver, the multi-subscriber hub, and the
// mock, script, and remote sources.
package source

import (
	"context"
	"strconv"

	"github.com/extensivelabs/agentecs-viz/errs"
	"github.com/extensivelabs/agentecs-viz/internal/history"
	"github.com/extensivelabs/agentecs-viz/internal/schema"
)

// WorldSource is the authoritative driver of a simulated world. A source owns
// its history store and its subscriber set; sessions observe it through
// Subscribe and control it through SendCommand.
type WorldSource interface {
	// Connect initializes state from scratch and launches the background
	// driver. Safe to call again after Disconnect.
	Connect(ctx context.Context) error
	// Disconnect stops the driver, joins it, and drops all subscribers.
	Disconnect() error
	Connected() bool
	Paused() bool

	CurrentTick() int
	// CurrentSnapshot returns the live snapshot.
	CurrentSnapshot() *schema.WorldSnapshot
	// SnapshotAt resolves a historical tick through the history store. The
	// current tick resolves to the live snapshot.
	SnapshotAt(tick int) (*schema.WorldSnapshot, error)

	// Subscribe registers a fresh bounded event queue. Each call returns a
	// new independent stream.
	Subscribe() (*Subscription, error)
	// SendCommand dispatches a playback command by name: pause, resume,
	// step, or set_speed.
	SendCommand(name string, args map[string]any) error

	SupportsHistory() bool
	TickRange() (schema.TickRange, bool)
	// History exposes the embedded store for error and span queries.
	History() *history.Store
	VisualizationConfig() map[string]any
	SourceType() string
}

// parseTicksPerSecond validates the set_speed argument. Booleans are not
// numbers, and the rate must be positive.
func parseTicksPerSecond(args map[string]any) (float64, error) {
	value, present := args["ticks_per_second"]
	if !present {
		return 0, errs.New("source/set-speed", errs.CodeInvalid, errs.WithMessage("set_speed requires ticks_per_second"))
	}
	if _, isBool := value.(bool); isBool {
		return 0, errs.New("source/set-speed", errs.CodeInvalid, errs.WithMessage("ticks_per_second must be a number"))
	}
	tps, ok := asFloat(value)
	if !ok {
		return 0, errs.New("source/set-speed", errs.CodeInvalid, errs.WithMessage("ticks_per_second must be a number"))
	}
	if tps <= 0 {
		return 0, errs.New("source/set-speed", errs.CodeInvalid, errs.WithMessage("ticks_per_second must be positive"))
	}
	return tps, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func unknownCommand(name string) error {
	return errs.New("source/send-command", errs.CodeInvalid,
		errs.WithMessage("unknown command "+strconv.Quote(name)))
}

func errNotConnected(scope string) error {
	return errs.New(scope, errs.CodeUnavailable, errs.WithMessage("source is not connected"))
}
