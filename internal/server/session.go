package server

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"

	"github.com/extensivelabs/agentecs-viz/errs"
	"github.com/extensivelabs/agentecs-viz/internal/observability"
	"github.com/extensivelabs/agentecs-viz/internal/schema"
	"github.com/extensivelabs/agentecs-viz/internal/source"
)

const writeTimeout = 10 * time.Second

// session multiplexes one WebSocket connection: a writer goroutine pumps the
// subscription's event stream while the reader goroutine handles commands.
// Command acknowledgements share the connection with streamed events, so all
// writes serialize through writeMu.
type session struct {
	conn *websocket.Conn
	src  source.WorldSource
	sub  *source.Subscription

	writeMu  sync.Mutex
	commands metric.Int64Counter
}

func newSession(conn *websocket.Conn, src source.WorldSource, sub *source.Subscription, commands metric.Int64Counter) *session {
	return &session{conn: conn, src: src, sub: sub, commands: commands}
}

// run drives the session until the client disconnects or the source shuts
// down. Either pump ending cancels the other.
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.sub.Close()
	defer func() { _ = s.conn.Close(websocket.StatusNormalClosure, "session closed") }()

	if err := s.sendHandshake(ctx); err != nil {
		observability.Log().Debug("handshake failed",
			observability.Field{Key: "error", Value: err.Error()})
		return
	}

	var wg conc.WaitGroup
	wg.Go(func() {
		defer cancel()
		s.writeLoop(ctx)
	})
	wg.Go(func() {
		defer cancel()
		s.readLoop(ctx)
	})
	wg.Wait()
}

// sendHandshake emits the metadata event followed by the current snapshot.
func (s *session) sendHandshake(ctx context.Context) error {
	meta := schema.MetadataEvent{
		Tick:            s.src.CurrentTick(),
		Config:          s.src.VisualizationConfig(),
		SupportsHistory: s.src.SupportsHistory(),
		IsPaused:        s.src.Paused(),
	}
	if tr, ok := s.src.TickRange(); ok {
		meta.TickRange = &tr
	}
	if err := s.sendEvent(ctx, meta); err != nil {
		return err
	}
	snap := s.src.CurrentSnapshot()
	return s.sendEvent(ctx, schema.SnapshotEvent{Tick: snap.Tick, Snapshot: snap})
}

func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.sub.Done():
			return
		case evt, ok := <-s.sub.Events():
			if !ok {
				return
			}
			if err := s.sendEvent(ctx, evt); err != nil {
				return
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	for {
		_, payload, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		s.handleCommand(ctx, payload)
	}
}

// handleCommand decodes and dispatches one client frame. Validation and
// execution failures are reported on the same connection and never end the
// session.
func (s *session) handleCommand(ctx context.Context, payload []byte) {
	cmd, err := schema.DecodeCommand(payload)
	if err != nil {
		s.sendProtocolError(ctx, err)
		return
	}
	if s.commands != nil {
		s.commands.Add(ctx, 1)
	}

	switch c := cmd.(type) {
	case schema.SeekCommand:
		snap, err := s.src.SnapshotAt(c.Tick)
		if err != nil {
			s.sendProtocolError(ctx, err)
			return
		}
		_ = s.sendEvent(ctx, schema.SnapshotEvent{Tick: snap.Tick, Snapshot: snap})
	case schema.SetSpeedCommand:
		err := s.src.SendCommand(schema.CommandSetSpeed, map[string]any{
			"ticks_per_second": c.TicksPerSecond,
		})
		if err != nil {
			s.sendProtocolError(ctx, err)
		}
	default:
		if err := s.src.SendCommand(cmd.CommandName(), nil); err != nil {
			s.sendProtocolError(ctx, err)
			return
		}
		s.sendTickUpdate(ctx)
	}
}

func (s *session) sendTickUpdate(ctx context.Context) {
	snap := s.src.CurrentSnapshot()
	_ = s.sendEvent(ctx, schema.TickUpdateEvent{
		Tick:        snap.Tick,
		EntityCount: snap.EntityCount,
		IsPaused:    s.src.Paused(),
	})
}

func (s *session) sendProtocolError(ctx context.Context, err error) {
	_ = s.sendEvent(ctx, schema.ProtocolError{
		Tick:    s.src.CurrentTick(),
		Message: errs.MessageOf(err),
	})
}

func (s *session) sendEvent(ctx context.Context, evt schema.ServerEvent) error {
	frame, err := schema.EncodeEvent(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(writeCtx, websocket.MessageText, frame)
}
