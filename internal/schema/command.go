package schema

import (
	"math"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/extensivelabs/agentecs-viz/errs"
)

// Client command discriminator values carried in the "command" field.
const (
	CommandPause    = "pause"
	CommandResume   = "resume"
	CommandStep     = "step"
	CommandSeek     = "seek"
	CommandSetSpeed = "set_speed"
)

// Command is implemented by every client-to-server message.
type Command interface {
	CommandName() string
}

// PauseCommand halts the tick loop.
type PauseCommand struct{}

func (PauseCommand) CommandName() string { return CommandPause }

// ResumeCommand restarts a paused tick loop.
type ResumeCommand struct{}

func (ResumeCommand) CommandName() string { return CommandResume }

// StepCommand advances exactly one tick while paused.
type StepCommand struct{}

func (StepCommand) CommandName() string { return CommandStep }

// SeekCommand requests the historical snapshot at Tick.
type SeekCommand struct {
	Tick int `json:"tick"`
}

func (SeekCommand) CommandName() string { return CommandSeek }

// SetSpeedCommand changes the tick cadence.
type SetSpeedCommand struct {
	TicksPerSecond float64 `json:"ticks_per_second"`
}

func (SetSpeedCommand) CommandName() string { return CommandSetSpeed }

// DecodeCommand parses and validates a client command frame. All wire-level
// validation happens here: unknown tags, missing required fields, wrong-type
// values (booleans are not numbers), negative ticks, and non-positive speeds
// are rejected with CodeInvalid errors whose messages are safe to echo back
// to the client.
func DecodeCommand(data []byte) (Command, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, invalidCommand("malformed JSON command", err)
	}

	tagValue, present := raw["command"]
	if !present {
		return nil, invalidCommand("missing command field", nil)
	}
	tag, ok := tagValue.(string)
	if !ok {
		return nil, invalidCommand("command field must be a string", nil)
	}

	switch tag {
	case CommandPause:
		return PauseCommand{}, nil
	case CommandResume:
		return ResumeCommand{}, nil
	case CommandStep:
		return StepCommand{}, nil
	case CommandSeek:
		return decodeSeek(raw)
	case CommandSetSpeed:
		return decodeSetSpeed(raw)
	}
	return nil, invalidCommand("unknown command "+strconv.Quote(tag), nil)
}

func decodeSeek(raw map[string]any) (Command, error) {
	value, present := raw["tick"]
	if !present {
		return nil, invalidCommand("seek requires a tick field", nil)
	}
	if _, isBool := value.(bool); isBool {
		return nil, invalidCommand("tick must be a number", nil)
	}
	f, ok := asFloat(value)
	if !ok {
		return nil, invalidCommand("tick must be a number", nil)
	}
	if f != math.Trunc(f) {
		return nil, invalidCommand("tick must be an integer", nil)
	}
	if f < 0 {
		return nil, invalidCommand("tick must be nonnegative", nil)
	}
	return SeekCommand{Tick: int(f)}, nil
}

func decodeSetSpeed(raw map[string]any) (Command, error) {
	value, present := raw["ticks_per_second"]
	if !present {
		return nil, invalidCommand("set_speed requires a ticks_per_second field", nil)
	}
	if _, isBool := value.(bool); isBool {
		return nil, invalidCommand("ticks_per_second must be a number", nil)
	}
	f, ok := asFloat(value)
	if !ok {
		return nil, invalidCommand("ticks_per_second must be a number", nil)
	}
	if f <= 0 {
		return nil, invalidCommand("ticks_per_second must be positive", nil)
	}
	return SetSpeedCommand{TicksPerSecond: f}, nil
}

func invalidCommand(message string, cause error) error {
	opts := []errs.Option{errs.WithMessage(message)}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New("schema/decode-command", errs.CodeInvalid, opts...)
}
