package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/benmeehan/pulselink/internal/models"
)

const (
	inboxSize = 256
	// DefaultSubscriberBuffer is used when Subscribe is given a non-positive size.
	DefaultSubscriberBuffer = 16
)

var (
	ErrAlreadyRunning = errors.New("telemetry hub is already running")
	ErrNotRunning     = errors.New("telemetry hub is not running")
)

type message struct {
	sample *models.HeartRateSample
	status *models.StatusEvent
}

// TelemetryHub owns the latest sample and the latest connection state and
// fans both out to subscribers. Writes go through a single loop; reads of the
// cache never block.
type TelemetryHub struct {
	logger zerolog.Logger

	inbox     chan message
	closed    chan struct{}
	closeOnce sync.Once

	latest atomic.Pointer[models.HeartRateSample]
	state  atomic.Pointer[models.ConnectionState]

	mu             sync.RWMutex
	nextID         uint64
	sampleSubs     map[uint64]chan models.HeartRateSample
	statusSubs     map[uint64]chan models.StatusEvent
	droppedSamples atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTelemetryHub creates a hub with an empty cache and Idle state.
func NewTelemetryHub(logger zerolog.Logger) *TelemetryHub {
	h := &TelemetryHub{
		logger:     logger.With().Str("component", "hub").Logger(),
		inbox:      make(chan message, inboxSize),
		closed:     make(chan struct{}),
		sampleSubs: make(map[uint64]chan models.HeartRateSample),
		statusSubs: make(map[uint64]chan models.StatusEvent),
	}
	idle := models.IdleState()
	h.state.Store(&idle)
	return h
}

// Start runs the distribution loop.
func (h *TelemetryHub) Start() error {
	if h.ctx != nil {
		return ErrAlreadyRunning
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.run(h.ctx)
	}()
	h.logger.Info().Msg("TelemetryHub started")
	return nil
}

// Stop ends the loop and closes every subscription channel. A stopped hub
// cannot be restarted.
func (h *TelemetryHub) Stop() error {
	if h.ctx == nil {
		return ErrNotRunning
	}
	h.cancel()
	h.wg.Wait()
	h.closeOnce.Do(func() { close(h.closed) })

	h.mu.Lock()
	for id, ch := range h.sampleSubs {
		close(ch)
		delete(h.sampleSubs, id)
	}
	for id, ch := range h.statusSubs {
		close(ch)
		delete(h.statusSubs, id)
	}
	h.mu.Unlock()

	h.ctx = nil
	h.cancel = nil
	h.logger.Info().Uint64("dropped_samples", h.droppedSamples.Load()).Msg("TelemetryHub stopped")
	return nil
}

// PublishSample replaces the cached sample and forwards it to subscribers.
func (h *TelemetryHub) PublishSample(sample models.HeartRateSample) {
	h.deliver(message{sample: &sample})
}

// PublishStatus records state changes and forwards the event to subscribers.
func (h *TelemetryHub) PublishStatus(event models.StatusEvent) {
	h.deliver(message{status: &event})
}

func (h *TelemetryHub) deliver(msg message) {
	select {
	case h.inbox <- msg:
	case <-h.closed:
	}
}

// Latest returns the cached sample, if any.
func (h *TelemetryHub) Latest() (models.HeartRateSample, bool) {
	sample := h.latest.Load()
	if sample == nil {
		return models.HeartRateSample{}, false
	}
	return *sample, true
}

// CurrentBPM returns the cached bpm, or 0 when there is no data.
func (h *TelemetryHub) CurrentBPM() int {
	sample, ok := h.Latest()
	if !ok {
		return 0
	}
	return sample.BPM
}

// State returns the last connection state seen by the hub.
func (h *TelemetryHub) State() models.ConnectionState {
	return *h.state.Load()
}

// SubscribeSamples registers a sample consumer. When the consumer falls
// behind, the oldest buffered samples are discarded.
func (h *TelemetryHub) SubscribeSamples(buffer int) *Subscription[models.HeartRateSample] {
	ch := make(chan models.HeartRateSample, bufferSize(buffer))
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.register()
	if h.isClosed() {
		close(ch)
	} else {
		h.sampleSubs[id] = ch
	}
	return &Subscription[models.HeartRateSample]{ch: ch, cancel: func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if existing, ok := h.sampleSubs[id]; ok {
			delete(h.sampleSubs, id)
			close(existing)
		}
	}}
}

// SubscribeStatus registers a status consumer with the same overflow policy
// as SubscribeSamples.
func (h *TelemetryHub) SubscribeStatus(buffer int) *Subscription[models.StatusEvent] {
	ch := make(chan models.StatusEvent, bufferSize(buffer))
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.register()
	if h.isClosed() {
		close(ch)
	} else {
		h.statusSubs[id] = ch
	}
	return &Subscription[models.StatusEvent]{ch: ch, cancel: func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if existing, ok := h.statusSubs[id]; ok {
			delete(h.statusSubs, id)
			close(existing)
		}
	}}
}

func (h *TelemetryHub) register() uint64 {
	h.nextID++
	return h.nextID
}

func (h *TelemetryHub) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

func (h *TelemetryHub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.inbox:
			if msg.sample != nil {
				h.handleSample(*msg.sample)
			}
			if msg.status != nil {
				h.handleStatus(*msg.status)
			}
		}
	}
}

func (h *TelemetryHub) handleSample(sample models.HeartRateSample) {
	h.latest.Store(&sample)
	h.logger.Debug().Int("bpm", sample.BPM).Msg("Sample cached")

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.sampleSubs {
		if offer(ch, sample) {
			h.droppedSamples.Add(1)
		}
	}
}

func (h *TelemetryHub) handleStatus(event models.StatusEvent) {
	if event.Kind == models.StatusStateChanged {
		state := event.State
		h.state.Store(&state)
		if !state.IsConnected() && h.latest.Swap(nil) != nil {
			h.logger.Debug().Str("state", string(state.Phase)).Msg("Sample cache cleared")
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.statusSubs {
		offer(ch, event)
	}
}

// offer sends v, discarding the oldest buffered values while ch is full. It
// reports whether anything was discarded. Only the hub loop sends.
func offer[T any](ch chan T, v T) bool {
	dropped := false
	for {
		select {
		case ch <- v:
			return dropped
		default:
		}
		select {
		case <-ch:
			dropped = true
		default:
		}
	}
}

func bufferSize(n int) int {
	if n <= 0 {
		return DefaultSubscriberBuffer
	}
	return n
}

// Subscription is a consumer's view of one hub stream.
type Subscription[T any] struct {
	ch     chan T
	cancel func()
	once   sync.Once
}

// C delivers values in publication order. It is closed by Close or when the
// hub stops.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription[T]) Close() {
	s.once.Do(s.cancel)
}
