// Package history implements the bounded checkpoint+delta time series of
// world snapshots, with side-indexed error and span telemetry.
package history

import (
	"sort"
	"strconv"
	"sync"

	"github.com/extensivelabs/agentecs-viz/errs"
	"github.com/extensivelabs/agentecs-viz/internal/schema"
)

// Config bounds the store.
type Config struct {
	// MaxTicks is the eviction limit on retained ticks.
	MaxTicks int
	// CheckpointInterval stores one full snapshot every N ticks, deltas in
	// between.
	CheckpointInterval int
}

const (
	defaultMaxTicks           = 1000
	defaultCheckpointInterval = 100
)

func (c Config) normalize() Config {
	if c.MaxTicks <= 0 {
		c.MaxTicks = defaultMaxTicks
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = defaultCheckpointInterval
	}
	return c
}

type entry struct {
	checkpoint *schema.WorldSnapshot
	delta      *schema.TickDelta
}

// Store is a bounded ordered time series of ticks. The source's driver is the
// sole writer; seek handlers read concurrently under the read lock.
type Store struct {
	mu  sync.RWMutex
	cfg Config

	ticks       []int
	entries     map[int]entry
	checkpoints []int
	last        *schema.WorldSnapshot

	errorsByTick map[int][]schema.ErrorEvent
	errorTicks   []int
	spansByTick  map[int][]schema.SpanEvent
	spanTicks    []int
}

// NewStore constructs an empty store.
func NewStore(cfg Config) *Store {
	return &Store{
		cfg:          cfg.normalize(),
		entries:      make(map[int]entry),
		errorsByTick: make(map[int][]schema.ErrorEvent),
		spansByTick:  make(map[int][]schema.SpanEvent),
	}
}

// RecordTick stores a snapshot. The first tick and every tick on the
// checkpoint interval are stored whole; other ticks store a delta against the
// most recently recorded snapshot. Re-recording a retained or out-of-order
// tick is a no-op. After insertion the oldest ticks are evicted until the
// store holds at most MaxTicks.
func (s *Store) RecordTick(snap *schema.WorldSnapshot) {
	if snap == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.ticks) > 0 && snap.Tick <= s.ticks[len(s.ticks)-1] {
		return
	}

	stored := snap.Clone()
	if len(s.ticks) == 0 || snap.Tick%s.cfg.CheckpointInterval == 0 {
		s.entries[snap.Tick] = entry{checkpoint: stored}
		s.checkpoints = append(s.checkpoints, snap.Tick)
	} else {
		s.entries[snap.Tick] = entry{delta: schema.Diff(s.last, stored)}
	}
	s.ticks = append(s.ticks, snap.Tick)
	s.last = stored

	for len(s.ticks) > s.cfg.MaxTicks {
		s.evictOldestLocked()
	}
}

// evictOldestLocked drops the oldest retained tick. When it is a checkpoint
// whose successor is a delta, the successor is promoted to a checkpoint first
// so the earliest retained tick is always reconstructible.
func (s *Store) evictOldestLocked() {
	oldest := s.ticks[0]
	e := s.entries[oldest]

	if e.checkpoint != nil && len(s.ticks) > 1 {
		next := s.ticks[1]
		ne := s.entries[next]
		if ne.delta != nil {
			s.entries[next] = entry{checkpoint: schema.Apply(e.checkpoint, ne.delta)}
			s.insertCheckpointLocked(next)
		}
	}

	delete(s.entries, oldest)
	s.ticks = s.ticks[1:]
	s.checkpoints = removeSorted(s.checkpoints, oldest)

	if _, ok := s.errorsByTick[oldest]; ok {
		delete(s.errorsByTick, oldest)
		s.errorTicks = removeSorted(s.errorTicks, oldest)
	}
	if _, ok := s.spansByTick[oldest]; ok {
		delete(s.spansByTick, oldest)
		s.spanTicks = removeSorted(s.spanTicks, oldest)
	}
}

func (s *Store) insertCheckpointLocked(tick int) {
	i := sort.SearchInts(s.checkpoints, tick)
	if i < len(s.checkpoints) && s.checkpoints[i] == tick {
		return
	}
	s.checkpoints = append(s.checkpoints, 0)
	copy(s.checkpoints[i+1:], s.checkpoints[i:])
	s.checkpoints[i] = tick
}

func removeSorted(ticks []int, tick int) []int {
	i := sort.SearchInts(ticks, tick)
	if i >= len(ticks) || ticks[i] != tick {
		return ticks
	}
	return append(ticks[:i], ticks[i+1:]...)
}

// Snapshot reconstructs the snapshot at the given tick. Checkpoints return a
// deep copy; delta ticks replay forward from the greatest checkpoint at or
// below the tick, located by binary search.
func (s *Store) Snapshot(tick int) (*schema.WorldSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.SearchInts(s.ticks, tick)
	if i >= len(s.ticks) || s.ticks[i] != tick {
		return nil, errs.New("history/get-snapshot", errs.CodeNotFound,
			errs.WithMessage("tick "+strconv.Itoa(tick)+" is not retained"))
	}

	e := s.entries[tick]
	if e.checkpoint != nil {
		return e.checkpoint.Clone(), nil
	}

	ci := sort.SearchInts(s.checkpoints, tick+1) - 1
	if ci < 0 {
		return nil, errs.New("history/get-snapshot", errs.CodeInternal,
			errs.WithMessage("no checkpoint precedes tick "+strconv.Itoa(tick)))
	}
	base := s.checkpoints[ci]
	cur := s.entries[base].checkpoint

	for j := sort.SearchInts(s.ticks, base) + 1; j <= i; j++ {
		step := s.entries[s.ticks[j]]
		if step.delta == nil {
			continue
		}
		cur = schema.Apply(cur, step.delta)
	}
	return cur, nil
}

// TickRange returns the oldest and newest retained ticks.
func (s *Store) TickRange() (schema.TickRange, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.ticks) == 0 {
		return schema.TickRange{}, false
	}
	return schema.TickRange{Min: s.ticks[0], Max: s.ticks[len(s.ticks)-1]}, true
}

// Len reports the number of retained ticks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ticks)
}

// IsCheckpoint reports whether the given tick is retained as a checkpoint.
func (s *Store) IsCheckpoint(tick int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[tick]
	return ok && e.checkpoint != nil
}

// RecordError indexes an application-level error event by its tick.
func (s *Store) RecordError(evt schema.ErrorEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.errorsByTick[evt.Tick]; !ok {
		s.errorTicks = insertSorted(s.errorTicks, evt.Tick)
	}
	s.errorsByTick[evt.Tick] = append(s.errorsByTick[evt.Tick], evt)
}

// Errors returns error events with start <= tick <= end, in tick order.
func (s *Store) Errors(start, end int) []schema.ErrorEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schema.ErrorEvent
	for _, tick := range rangeSorted(s.errorTicks, start, end) {
		out = append(out, s.errorsByTick[tick]...)
	}
	return out
}

// ErrorsForEntity filters the error range down to one entity.
func (s *Store) ErrorsForEntity(entityID, start, end int) []schema.ErrorEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schema.ErrorEvent
	for _, tick := range rangeSorted(s.errorTicks, start, end) {
		for _, evt := range s.errorsByTick[tick] {
			if evt.EntityID != nil && *evt.EntityID == entityID {
				out = append(out, evt)
			}
		}
	}
	return out
}

// RecordSpan indexes a tracing span by the tick carried in its attributes.
// Spans without a tick attribute index at tick 0.
func (s *Store) RecordSpan(evt schema.SpanEvent) {
	tick, _ := evt.TickAttr()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.spansByTick[tick]; !ok {
		s.spanTicks = insertSorted(s.spanTicks, tick)
	}
	s.spansByTick[tick] = append(s.spansByTick[tick], evt)
}

// Spans returns spans whose tick attribute satisfies start <= tick <= end.
func (s *Store) Spans(start, end int) []schema.SpanEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schema.SpanEvent
	for _, tick := range rangeSorted(s.spanTicks, start, end) {
		out = append(out, s.spansByTick[tick]...)
	}
	return out
}

// SpansForEntity filters the span range down to one entity.
func (s *Store) SpansForEntity(entityID, start, end int) []schema.SpanEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schema.SpanEvent
	for _, tick := range rangeSorted(s.spanTicks, start, end) {
		for _, evt := range s.spansByTick[tick] {
			if id, ok := evt.EntityAttr(); ok && id == entityID {
				out = append(out, evt)
			}
		}
	}
	return out
}

// Clear empties the store and both side-indexes.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = nil
	s.checkpoints = nil
	s.last = nil
	s.entries = make(map[int]entry)
	s.errorsByTick = make(map[int][]schema.ErrorEvent)
	s.errorTicks = nil
	s.spansByTick = make(map[int][]schema.SpanEvent)
	s.spanTicks = nil
}

func insertSorted(ticks []int, tick int) []int {
	i := sort.SearchInts(ticks, tick)
	if i < len(ticks) && ticks[i] == tick {
		return ticks
	}
	ticks = append(ticks, 0)
	copy(ticks[i+1:], ticks[i:])
	ticks[i] = tick
	return ticks
}

// rangeSorted returns the subslice of ticks within [start, end], both ends
// inclusive.
func rangeSorted(ticks []int, start, end int) []int {
	lo := sort.SearchInts(ticks, start)
	hi := sort.SearchInts(ticks, end+1)
	if lo >= hi {
		return nil
	}
	return ticks[lo:hi]
}
