// Package emitter turns transport callbacks into one ordered stream of peer results.
//
// Transport callbacks pass an intake gate and land in a bounded queue. A single
// pipeline task drains the queue, decodes and classifies each announcement
// against the peer store, and publishes the outcome on a dpubsub stream.
// Lifecycle verbs start, pause, resume and reset the transport; they never
// block on consumers.
package emitter

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gordian-engine/dragon/dpubsub"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"peerbeacon/beacon"
	"peerbeacon/discovery"
	"peerbeacon/models"
)

// ErrTerminated is returned by StartEmitter after a fatal transport failure
// until ResetEmitter is called.
var ErrTerminated = errors.New("emitter terminated, reset required")

type event struct {
	msg    *discovery.RawMessage
	status *discovery.Status
}

type counters struct {
	received      atomic.Uint64
	dropped       atomic.Uint64
	found         atomic.Uint64
	invalid       atomic.Uint64
	unpaired      atomic.Uint64
	storeErrors   atomic.Uint64
	selfSightings atomic.Uint64
	startAttempts atomic.Uint64
}

// Emitter discovers peers over a transport and publishes classified results.
type Emitter struct {
	cfg     Config
	selfID  string
	payload []byte

	events  chan event
	control chan models.Result
	head    atomic.Pointer[dpubsub.Stream[models.Result]]
	log     atomic.Pointer[zap.Logger]

	// mu serializes lifecycle verbs and transport start/stop.
	mu          sync.Mutex
	state       atomic.Int32
	publishing  atomic.Bool
	subscribing atomic.Bool

	// haltMu orders haltAsync against shutdown so haltWG.Add never races Wait.
	haltMu     sync.Mutex
	haltClosed bool
	haltWG     sync.WaitGroup

	stats counters
}

// New creates an emitter. Nothing is started until StartEmitter.
func New(cfg Config) (*Emitter, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	payload, err := beacon.Marshal(cfg.Announcement)
	if err != nil {
		return nil, errors.Wrap(err, "encode announcement")
	}

	e := &Emitter{
		cfg:     cfg,
		selfID:  cfg.Announcement.PeerID.String(),
		payload: payload,
		events:  make(chan event, cfg.QueueSize),
		control: make(chan models.Result, controlQueueSize),
	}
	e.head.Store(dpubsub.NewStream[models.Result]())
	e.log.Store(zap.NewNop())
	cfg.Transport.SetHandler(intake{e: e})

	return e, nil
}

// Run hosts the decode pipeline until ctx is done. The transport is stopped on
// the way out. Running the pipeline does not start emission.
func (e *Emitter) Run(ctx context.Context) error {
	e.log.Store(logger.Get(ctx).With(zap.String("selfID", e.selfID)))

	e.haltMu.Lock()
	e.haltClosed = false
	e.haltMu.Unlock()

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("pipeline", parallel.Fail, e.runPipeline)
		spawn("shutdown", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			e.shutdown()
			return errors.WithStack(ctx.Err())
		})
		return nil
	})
}

// PartnerEmitter returns the current head of the result stream. Results
// published before the call are not replayed. Obtaining the stream never
// starts emission.
func (e *Emitter) PartnerEmitter() *dpubsub.Stream[models.Result] {
	return e.head.Load()
}

// IsPublishing reports the last publish state reported by the transport.
func (e *Emitter) IsPublishing() bool {
	return e.publishing.Load()
}

// IsSubscribing reports the last subscribe state reported by the transport.
func (e *Emitter) IsSubscribing() bool {
	return e.subscribing.Load()
}

// State returns the lifecycle state.
func (e *Emitter) State() State {
	return State(e.state.Load())
}

// Stats returns a snapshot of the counters.
func (e *Emitter) Stats() Stats {
	return Stats{
		Received:      e.stats.received.Load(),
		Dropped:       e.stats.dropped.Load(),
		Found:         e.stats.found.Load(),
		Invalid:       e.stats.invalid.Load(),
		Unpaired:      e.stats.unpaired.Load(),
		StoreErrors:   e.stats.storeErrors.Load(),
		SelfSightings: e.stats.selfSightings.Load(),
		StartAttempts: e.stats.startAttempts.Load(),
	}
}

func (e *Emitter) logger() *zap.Logger {
	return e.log.Load()
}

func (e *Emitter) setState(s State) {
	e.state.Store(int32(s))
}

// terminate moves a running or paused emitter into the terminal state. It
// reports false when the emitter was idle or already terminated.
func (e *Emitter) terminate() bool {
	for {
		current := e.State()
		if current != StateRunning && current != StatePaused {
			return false
		}
		if e.state.CompareAndSwap(int32(current), int32(StateTerminated)) {
			e.publishing.Store(false)
			e.subscribing.Store(false)
			return true
		}
	}
}

// publish must only be called from the pipeline task.
func (e *Emitter) publish(r models.Result) {
	head := e.head.Load()
	head.Publish(r)
	e.head.Store(head.Next)
}

// enqueue applies the intake gate. Messages pass only while running. Statuses
// also pass while paused so the stop reported by the transport reaches the
// stream.
func (e *Emitter) enqueue(ev event) {
	switch state := e.State(); {
	case state == StateRunning:
	case state == StatePaused && ev.status != nil:
	default:
		e.stats.dropped.Add(1)
		return
	}
	select {
	case e.events <- ev:
		e.stats.received.Add(1)
	default:
		e.stats.dropped.Add(1)
		e.logger().Warn("Intake queue is full, dropping transport event", zap.Int("queueSize", cap(e.events)))
	}
}

func (e *Emitter) enqueueControl(r models.Result) {
	select {
	case e.control <- r:
	default:
		e.logger().Error("Control queue is full, dropping result", zap.Error(resultErr(r)))
	}
}

func (e *Emitter) shutdown() {
	e.mu.Lock()
	if e.State() != StateTerminated {
		e.setState(StateIdle)
	}
	e.stopTransport()
	e.mu.Unlock()

	e.haltMu.Lock()
	e.haltClosed = true
	e.haltMu.Unlock()
	e.haltWG.Wait()
}

// intake adapts transport callbacks to the intake gate.
type intake struct {
	e *Emitter
}

func (i intake) HandleMessage(msg discovery.RawMessage) {
	i.e.enqueue(event{msg: &msg})
}

func (i intake) HandleStatus(status discovery.Status) {
	i.e.enqueue(event{status: &status})
}

func resultErr(r models.Result) error {
	if f, ok := r.(models.Failure); ok {
		return f.Err()
	}
	return nil
}
