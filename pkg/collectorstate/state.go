// Package collectorstate holds the backend's process-wide view of
// connected collectors: their registered capture config, clock-skew
// estimate, and outbound command channel. Spec §5/§9: "SystemState is a
// process-wide structure under a shared reader / exclusive writer lock;
// writers are short" — kept as one RWMutex-guarded map rather than
// sharded per collector, per DESIGN NOTES §9 ("do not shard
// prematurely"). Bounded by an LRU so a backend that has talked to many
// short-lived collectors over its lifetime doesn't grow this map
// unboundedly; eviction drops the least recently touched entry, whether
// or not that collector is still connected (register, state, heartbeat
// and Get calls refresh an entry's recency), mirroring AKJUS-bsc-erigon's
// use of hashicorp/golang-lru for
// bounded peer/session caches.
package collectorstate

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"lifelogpipe/internal/metrics"
	apperrors "lifelogpipe/pkg/errors"
	"lifelogpipe/pkg/timemodel"
	"lifelogpipe/pkg/wire"
)

// MaxTrackedCollectors bounds the LRU of collector bookkeeping entries.
const MaxTrackedCollectors = 4096

// CommandChannelCapacity bounds the per-collector outbound command
// channel. Per spec §5, overflow must backpressure the sender, never
// drop the oldest queued command.
const CommandChannelCapacity = 64

// ServerCommand is the payload carried on a collector's command channel.
// The command catalog itself is out of scope (spec §6: "backend ->
// collector stream of ServerCommand (out of scope)"); this type exists
// only so the channel and its backpressure contract can be exercised.
type ServerCommand struct {
	Kind    string
	Payload []byte
}

// Collector is one connected collector's bookkeeping: its most recent
// registration, last-seen time, and outbound command channel.
type Collector struct {
	ID       string
	Config   wire.CollectorConfig
	LastSeen time.Time
	Commands chan ServerCommand
}

// SystemState is the backend's shared collector registry and clock-skew
// tracker.
type SystemState struct {
	mu         sync.RWMutex
	collectors *lru.Cache[string, *Collector]
	skew       *timemodel.SkewTracker
	log        *logrus.Entry
}

// New constructs an empty SystemState.
func New(log *logrus.Entry) *SystemState {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cache, _ := lru.New[string, *Collector](MaxTrackedCollectors)
	return &SystemState{
		collectors: cache,
		skew:       timemodel.NewSkewTracker(),
		log:        log.WithField("component", "collectorstate"),
	}
}

// SkewTracker exposes the shared skew tracker for the chunk ingester to
// read at ingest time (spec §4.4).
func (s *SystemState) SkewTracker() *timemodel.SkewTracker { return s.skew }

// HandleRegister implements wire.ControlHandler: registration must
// precede any data upload (spec §6), so this is the only call that
// creates a Collector entry.
func (s *SystemState) HandleRegister(cfg wire.CollectorConfig) error {
	if cfg.CollectorID == "" {
		return apperrors.ValidationError("collectorstate", "handle_register", "missing collector_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := &Collector{
		ID:       cfg.CollectorID,
		Config:   cfg,
		LastSeen: time.Now(),
		Commands: make(chan ServerCommand, CommandChannelCapacity),
	}
	s.collectors.Add(cfg.CollectorID, c)
	s.log.WithField("collector_id", cfg.CollectorID).Info("collector registered")
	return nil
}

// HandleState implements wire.ControlHandler: records a clock-skew
// sample using the backend's own receive-time clock paired with the
// collector-reported device clock (spec §4.4 "Clock source for skew").
func (s *SystemState) HandleState(state wire.CollectorState) {
	s.skew.Observe(state.CollectorID, state.DeviceNow, time.Now())
	est := s.skew.Estimate(state.CollectorID)
	metrics.SkewEstimateWidth.WithLabelValues(state.CollectorID).Set(est.Width.Seconds())

	s.mu.Lock()
	if c, ok := s.collectors.Get(state.CollectorID); ok {
		c.LastSeen = time.Now()
	}
	s.mu.Unlock()
}

// HandleHeartbeat implements wire.ControlHandler.
func (s *SystemState) HandleHeartbeat(collectorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collectors.Get(collectorID); ok {
		c.LastSeen = time.Now()
	}
}

// Get returns the bookkeeping entry for collectorID, if registered.
func (s *SystemState) Get(collectorID string) (*Collector, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectors.Get(collectorID)
}

// SendCommand enqueues cmd on collectorID's outbound channel. It blocks
// (backpressures the caller) when the channel is at capacity rather than
// dropping the oldest queued command, per spec §5.
func (s *SystemState) SendCommand(collectorID string, cmd ServerCommand) error {
	c, ok := s.Get(collectorID)
	if !ok {
		return apperrors.ValidationError("collectorstate", "send_command", "unknown collector").WithMetadata("collector_id", collectorID)
	}
	c.Commands <- cmd
	return nil
}

var _ wire.ControlHandler = (*SystemState)(nil)
