package source

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/extensivelabs/agentecs-viz/errs"
	"github.com/extensivelabs/agentecs-viz/internal/history"
)

// Options is the union of construction parameters a registered source
// factory may consume. Fields irrelevant to a given source type are ignored.
type Options struct {
	TickInterval  time.Duration
	EntityCount   int
	QueueCapacity int
	History       history.Config
	ScriptPath    string
	RemoteURL     string
	Seed          int64
}

// Factory builds a disconnected source from the given options.
type Factory func(Options) (WorldSource, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register installs a named source factory. Later registrations replace
// earlier ones with the same name.
func Register(name string, factory Factory) {
	registryMu.Lock()
	registry[strings.ToLower(strings.TrimSpace(name))] = factory
	registryMu.Unlock()
}

// New constructs the named source.
func New(name string, opts Options) (WorldSource, error) {
	registryMu.RLock()
	factory, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	registryMu.RUnlock()
	if !ok {
		return nil, errs.New("source/registry", errs.CodeNotFound,
			errs.WithMessage("unknown source "+strconv.Quote(name)+", available: "+strings.Join(Names(), ", ")))
	}
	return factory(opts)
}

// Names lists the registered source names, sorted.
func Names() []string {
	registryMu.RLock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	registryMu.RUnlock()
	sort.Strings(names)
	return names
}

func init() {
	Register("mock", func(opts Options) (WorldSource, error) {
		return NewMockWorldSource(MockConfig{
			EntityCount:   opts.EntityCount,
			TickInterval:  opts.TickInterval,
			QueueCapacity: opts.QueueCapacity,
			History:       opts.History,
			Seed:          opts.Seed,
		}), nil
	})
	Register("script", func(opts Options) (WorldSource, error) {
		if strings.TrimSpace(opts.ScriptPath) == "" {
			return nil, errs.New("source/registry", errs.CodeInvalid,
				errs.WithMessage("script source requires a script path"))
		}
		return NewScriptWorldSource(ScriptConfig{
			Path:          opts.ScriptPath,
			TickInterval:  opts.TickInterval,
			QueueCapacity: opts.QueueCapacity,
			History:       opts.History,
		})
	})
	Register("remote", func(opts Options) (WorldSource, error) {
		if strings.TrimSpace(opts.RemoteURL) == "" {
			return nil, errs.New("source/registry", errs.CodeInvalid,
				errs.WithMessage("remote source requires a URL"))
		}
		return NewRemoteWorldSource(RemoteConfig{
			URL:           opts.RemoteURL,
			QueueCapacity: opts.QueueCapacity,
			History:       opts.History,
		}), nil
	})
}
