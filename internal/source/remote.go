package source

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/extensivelabs/agentecs-viz/errs"
	"github.com/extensivelabs/agentecs-viz/internal/history"
	"github.com/extensivelabs/agentecs-viz/internal/observability"
	"github.com/extensivelabs/agentecs-viz/internal/schema"
)

// RemoteConfig parameterizes a read-only connection to another running
// server's /ws endpoint.
type RemoteConfig struct {
	URL           string
	DialTimeout   time.Duration
	BufferSize    int
	QueueCapacity int
	History       history.Config
}

func (c RemoteConfig) normalize() RemoteConfig {
	c.URL = NormalizeRemoteURL(c.URL)
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	return c
}

// RemoteWorldSource observes another server's world over WebSocket. It cannot
// control the remote world: pause, resume, and step act on a local event
// buffer only, and set_speed is validated then ignored. Snapshots received
// from the remote feed a local history store so seeks resolve locally.
type RemoteWorldSource struct {
	cfg   RemoteConfig
	store *history.Store

	mu        sync.RWMutex
	connected bool
	paused    bool
	tick      int
	current   *schema.WorldSnapshot
	hub       *Hub
	visConfig map[string]any
	buffer    []schema.ServerEvent

	cancel  context.CancelFunc
	done    chan struct{}
	dropLog *rate.Limiter
}

// NewRemoteWorldSource constructs a disconnected remote source. The URL is
// normalized so host:port, http://host:port, and ws://host:port all resolve
// to the remote's /ws endpoint.
func NewRemoteWorldSource(cfg RemoteConfig) *RemoteWorldSource {
	cfg = cfg.normalize()
	return &RemoteWorldSource{
		cfg:     cfg,
		store:   history.NewStore(cfg.History),
		dropLog: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// NormalizeRemoteURL converts the accepted URL shapes to a WebSocket URL
// ending in /ws: host:port, host:port/ws, http(s)://host:port, and
// ws(s)://host:port are all valid inputs.
func NormalizeRemoteURL(url string) string {
	url = strings.TrimSpace(url)
	switch {
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://"):
		url = "ws://" + url
	}
	if !strings.HasSuffix(url, "/ws") {
		url = strings.TrimRight(url, "/") + "/ws"
	}
	return url
}

func (r *RemoteWorldSource) SourceType() string { return "remote" }

// Connect dials the remote endpoint and launches the listener. The initial
// dial must succeed within the dial timeout; later drops reconnect in the
// background with exponential backoff.
func (r *RemoteWorldSource) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.connected {
		r.mu.Unlock()
		return errs.New("source/connect", errs.CodeConflict, errs.WithMessage("source already connected"))
	}
	r.mu.Unlock()

	dialCtx, cancelDial := context.WithTimeout(ctx, r.cfg.DialTimeout)
	conn, err := r.dial(dialCtx)
	cancelDial()
	if err != nil {
		return errs.New("source/connect", errs.CodeNetwork,
			errs.WithMessage("dial "+r.cfg.URL), errs.WithCause(err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.mu.Lock()
	r.store.Clear()
	r.tick = 0
	r.current = nil
	r.paused = false
	r.buffer = nil
	r.hub = NewHub(r.cfg.QueueCapacity)
	r.cancel = cancel
	r.done = done
	r.connected = true
	r.mu.Unlock()

	go r.listen(runCtx, conn, done)
	observability.Log().Info("remote source connected",
		observability.Field{Key: "url", Value: r.cfg.URL})
	return nil
}

func (r *RemoteWorldSource) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, r.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(-1)
	return conn, nil
}

// Disconnect stops the listener, joins it, and drops all subscribers.
func (r *RemoteWorldSource) Disconnect() error {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return nil
	}
	r.connected = false
	cancel, done, hub := r.cancel, r.done, r.hub
	r.mu.Unlock()

	cancel()
	<-done
	if hub != nil {
		hub.CloseAll()
	}
	observability.Log().Info("remote source disconnected")
	return nil
}

func (r *RemoteWorldSource) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

func (r *RemoteWorldSource) Paused() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused
}

func (r *RemoteWorldSource) CurrentTick() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tick
}

func (r *RemoteWorldSource) CurrentSnapshot() *schema.WorldSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return schema.NewWorldSnapshot(0, 0, nil)
	}
	return r.current.Clone()
}

func (r *RemoteWorldSource) SnapshotAt(tick int) (*schema.WorldSnapshot, error) {
	r.mu.RLock()
	current := r.tick
	live := r.current
	r.mu.RUnlock()
	if tick == current && live != nil {
		return live.Clone(), nil
	}
	return r.store.Snapshot(tick)
}

func (r *RemoteWorldSource) Subscribe() (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.connected || r.hub == nil {
		return nil, errNotConnected("source/subscribe")
	}
	return r.hub.Subscribe(), nil
}

// SendCommand handles playback commands against the local buffer. The remote
// world keeps running regardless.
func (r *RemoteWorldSource) SendCommand(name string, args map[string]any) error {
	switch name {
	case schema.CommandPause:
		r.mu.Lock()
		r.paused = true
		r.mu.Unlock()
		observability.Log().Debug("paused locally, remote continues")
	case schema.CommandResume:
		r.drainBuffer()
	case schema.CommandStep:
		r.stepBuffer()
	case schema.CommandSetSpeed:
		if _, err := parseTicksPerSecond(args); err != nil {
			return err
		}
		observability.Log().Debug("set_speed ignored, cannot control remote world")
	default:
		return unknownCommand(name)
	}
	return nil
}

func (r *RemoteWorldSource) SupportsHistory() bool { return true }

// History exposes the locally accumulated store for telemetry queries.
func (r *RemoteWorldSource) History() *history.Store { return r.store }

func (r *RemoteWorldSource) TickRange() (schema.TickRange, bool) {
	return r.store.TickRange()
}

func (r *RemoteWorldSource) VisualizationConfig() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.visConfig == nil {
		return map[string]any{"world_name": "Remote World"}
	}
	return schema.CloneValueMap(r.visConfig)
}

// listen owns the connection for the lifetime of the source: read until the
// connection drops, then redial with exponential backoff until canceled.
func (r *RemoteWorldSource) listen(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = 30 * time.Second

	for {
		err := r.readLoop(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "reconnecting")
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		observability.Log().Warn("remote connection lost, reconnecting",
			observability.Field{Key: "url", Value: r.cfg.URL},
			observability.Field{Key: "error", Value: err.Error()})

		for {
			sleep := backoffCfg.NextBackOff()
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			next, dialErr := r.dial(ctx)
			if dialErr == nil {
				conn = next
				backoffCfg.Reset()
				observability.Log().Info("remote connection restored",
					observability.Field{Key: "url", Value: r.cfg.URL})
				break
			}
			if ctx.Err() != nil {
				return
			}
			observability.Log().Warn("remote redial failed",
				observability.Field{Key: "error", Value: dialErr.Error()})
		}
	}
}

func (r *RemoteWorldSource) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		evt, err := schema.DecodeEvent(payload)
		if err != nil {
			observability.Log().Warn("discarding undecodable remote event",
				observability.Field{Key: "error", Value: err.Error()})
			continue
		}
		r.handleEvent(evt)
	}
}

// handleEvent folds a remote event into local state and forwards it to
// subscribers, or buffers it while paused. A snapshot older than the current
// tick means the remote restarted, so the local history resets with it.
func (r *RemoteWorldSource) handleEvent(evt schema.ServerEvent) {
	switch e := evt.(type) {
	case schema.MetadataEvent:
		r.mu.Lock()
		r.visConfig = e.Config
		r.mu.Unlock()
		return
	case schema.ProtocolError:
		observability.Log().Error("remote error",
			observability.Field{Key: "message", Value: e.Message})
		return
	case schema.SnapshotEvent:
		if e.Snapshot == nil {
			return
		}
		r.mu.Lock()
		if e.Snapshot.Tick < r.tick {
			r.store.Clear()
		}
		r.tick = e.Snapshot.Tick
		r.current = e.Snapshot.Clone()
		r.mu.Unlock()
		r.store.RecordTick(e.Snapshot)
	case schema.DeltaEvent:
		if e.Delta == nil {
			return
		}
		r.mu.Lock()
		if r.current != nil {
			next := schema.Apply(r.current, e.Delta)
			r.tick = next.Tick
			r.current = next
			r.store.RecordTick(next)
		}
		r.mu.Unlock()
	case schema.ErrorEvent:
		r.store.RecordError(e)
	case schema.SpanEvent:
		r.store.RecordSpan(e)
	}
	r.emitOrBuffer(evt)
}

func (r *RemoteWorldSource) emitOrBuffer(evt schema.ServerEvent) {
	r.mu.Lock()
	if r.paused {
		if len(r.buffer) >= r.cfg.BufferSize {
			r.buffer = r.buffer[1:]
			if r.dropLog.Allow() {
				observability.Log().Warn("pause buffer full, dropping oldest event",
					observability.Field{Key: "capacity", Value: r.cfg.BufferSize})
			}
		}
		r.buffer = append(r.buffer, evt)
		r.mu.Unlock()
		return
	}
	hub := r.hub
	r.mu.Unlock()
	if hub != nil {
		hub.Broadcast(evt)
	}
}

// drainBuffer resumes live emission after flushing every buffered event in
// arrival order.
func (r *RemoteWorldSource) drainBuffer() {
	r.mu.Lock()
	r.paused = false
	drained := r.buffer
	r.buffer = nil
	hub := r.hub
	r.mu.Unlock()

	for _, evt := range drained {
		if hub != nil {
			hub.Broadcast(evt)
		}
	}
	if len(drained) > 0 {
		observability.Log().Debug("drained pause buffer",
			observability.Field{Key: "events", Value: len(drained)})
	}
}

// stepBuffer emits the oldest buffered event. Only meaningful while paused.
func (r *RemoteWorldSource) stepBuffer() {
	r.mu.Lock()
	if !r.paused || len(r.buffer) == 0 {
		r.mu.Unlock()
		return
	}
	evt := r.buffer[0]
	r.buffer = r.buffer[1:]
	hub := r.hub
	r.mu.Unlock()
	if hub != nil {
		hub.Broadcast(evt)
	}
}
