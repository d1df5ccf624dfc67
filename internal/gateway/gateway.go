package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/benmeehan/pulselink/internal/constants"
	"github.com/benmeehan/pulselink/internal/models"
	"github.com/benmeehan/pulselink/pkg/ble"
)

const (
	defaultEventBuffer    = 64
	defaultConnectTimeout = 20 * time.Second
	scanStopWait          = 2 * time.Second
)

var errConnectTimeout = errors.New("connection attempt timed out")

// Config tunes discovery and connection.
type Config struct {
	// NameFilters accepts peripherals whose name contains any entry, even when
	// they do not advertise the heart rate service. Matching is case-insensitive.
	NameFilters    []string
	ScanTimeout    time.Duration // 0 scans until stopped
	ConnectTimeout time.Duration
	EventBuffer    int
}

// Gateway owns the BLE link and turns radio activity into GatewayEvents.
//
// StartScan, Connect and Disconnect return immediately with the attempt ID of
// the operation they start; the work runs on a goroutine, serialised with the
// other operations. Starting an operation cancels the one in flight, and
// events from superseded attempts carry their old attempt ID.
type Gateway struct {
	radio  ble.Radio
	cfg    Config
	logger zerolog.Logger

	events    chan models.GatewayEvent
	closed    chan struct{}
	closeOnce sync.Once

	discovered cmap.ConcurrentMap[string, models.DeviceDescriptor]

	attempt atomic.Uint64
	session atomic.Uint64 // attempt that installed the current link, 0 if none
	muted   atomic.Bool
	dropped atomic.Uint64

	// opMu serialises operation bodies.
	opMu    sync.Mutex
	enabled bool

	// mu guards the fields below.
	mu            sync.Mutex
	cancelAttempt context.CancelFunc
	shutdown      bool // set by Close, later operations never run
	scanning      bool
	scanDone      chan struct{}
	link          ble.Link
	char          ble.Characteristic
	device        models.DeviceDescriptor
}

// New creates a gateway over radio.
func New(radio ble.Radio, cfg Config, logger zerolog.Logger) *Gateway {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	g := &Gateway{
		radio:         radio,
		cfg:           cfg,
		logger:        logger.With().Str("component", "gateway").Logger(),
		events:        make(chan models.GatewayEvent, cfg.EventBuffer),
		closed:        make(chan struct{}),
		discovered:    cmap.New[models.DeviceDescriptor](),
		cancelAttempt: func() {},
	}
	radio.SetDisconnectHandler(g.onPeerDisconnect)
	return g
}

// Events is the stream consumed by the connection state machine.
func (g *Gateway) Events() <-chan models.GatewayEvent {
	return g.events
}

// Devices returns the peripherals found by the current scan session.
func (g *Gateway) Devices() []models.DeviceDescriptor {
	devices := make([]models.DeviceDescriptor, 0, g.discovered.Count())
	for _, d := range g.discovered.Items() {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Name != devices[j].Name {
			return devices[i].Name < devices[j].Name
		}
		return devices[i].ID < devices[j].ID
	})
	return devices
}

// DroppedSamples counts samples discarded because the event stream was full.
func (g *Gateway) DroppedSamples() uint64 {
	return g.dropped.Load()
}

// StartScan tears down any active link and begins a new scan session.
func (g *Gateway) StartScan() uint64 {
	attempt, ctx := g.begin()
	go g.run(ctx, func() { g.scan(ctx, attempt) })
	return attempt
}

// Connect stops discovery and connects to deviceID.
func (g *Gateway) Connect(deviceID string) uint64 {
	attempt, ctx := g.begin()
	go g.run(ctx, func() { g.connect(ctx, attempt, deviceID) })
	return attempt
}

// Disconnect cancels any attempt in flight, stops scanning and releases the
// link. It is safe to call at any time; a GatewayDisconnected event reports
// completion.
func (g *Gateway) Disconnect() uint64 {
	attempt, ctx := g.begin()
	go g.run(ctx, func() {
		g.stopScan()
		released, err := g.releaseLink()
		if err != nil {
			g.logger.Warn().Err(err).Msg("Link release reported an error")
		}
		g.logger.Info().Bool("released", released).Uint64("attempt", attempt).Msg("Disconnected")
		g.emit(models.GatewayEvent{Kind: models.GatewayDisconnected, Attempt: attempt})
	})
	return attempt
}

// Quiesce stops forwarding notifications. The link stays up until Close.
func (g *Gateway) Quiesce() {
	g.muted.Store(true)
}

// Close quiesces the gateway and synchronously releases the scan and link.
// Operations started after Close are cancelled before they touch the radio.
func (g *Gateway) Close(ctx context.Context) error {
	g.Quiesce()
	g.mu.Lock()
	g.shutdown = true
	g.mu.Unlock()
	g.begin()

	done := make(chan error, 1)
	go func() {
		g.opMu.Lock()
		defer g.opMu.Unlock()
		g.stopScan()
		_, err := g.releaseLink()
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("BLE teardown did not finish: %w", ctx.Err())
	}
	if dropped := g.DroppedSamples(); dropped > 0 {
		g.logger.Warn().Uint64("dropped", dropped).Msg("Samples were dropped while the event stream was full")
	}
	g.closeOnce.Do(func() { close(g.closed) })
	return err
}

// begin supersedes the current attempt. After Close the returned context is
// already cancelled.
func (g *Gateway) begin() (uint64, context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelAttempt()
	ctx, cancel := context.WithCancel(context.Background())
	g.cancelAttempt = cancel
	if g.shutdown {
		cancel()
	}
	return g.attempt.Add(1), ctx
}

func (g *Gateway) run(ctx context.Context, op func()) {
	g.opMu.Lock()
	defer g.opMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	op()
}

func (g *Gateway) current(attempt uint64) bool {
	return g.attempt.Load() == attempt
}

func (g *Gateway) ensureEnabled() error {
	if g.enabled {
		return nil
	}
	if err := g.radio.Enable(); err != nil {
		return err
	}
	g.enabled = true
	return nil
}

func (g *Gateway) scan(ctx context.Context, attempt uint64) {
	g.stopScan()
	if _, err := g.releaseLink(); err != nil {
		g.logger.Warn().Err(err).Msg("Link release before scan reported an error")
	}
	if err := g.ensureEnabled(); err != nil {
		g.fail(attempt, models.DeviceDescriptor{}, constants.ErrorTransportFault, err.Error())
		return
	}

	g.discovered.Clear()
	done := make(chan struct{})
	g.mu.Lock()
	g.scanning = true
	g.scanDone = done
	g.mu.Unlock()

	g.logger.Info().Uint64("attempt", attempt).Msg("Starting BLE scan")
	g.emit(models.GatewayEvent{Kind: models.GatewayScanStarted, Attempt: attempt})

	go func() {
		err := g.radio.Scan(func(adv ble.Advertisement) {
			g.onAdvertisement(attempt, adv)
		})
		close(done)
		g.mu.Lock()
		if g.scanDone == done {
			g.scanning = false
		}
		g.mu.Unlock()
		if err != nil && g.current(attempt) {
			g.fail(attempt, models.DeviceDescriptor{}, constants.ErrorTransportFault, fmt.Sprintf("scan failed: %v", err))
		}
	}()

	if g.cfg.ScanTimeout > 0 {
		go g.expireScan(ctx, attempt, done)
	}
}

func (g *Gateway) expireScan(ctx context.Context, attempt uint64, done chan struct{}) {
	timer := time.NewTimer(g.cfg.ScanTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-done:
		return
	case <-ctx.Done():
		return
	}

	g.opMu.Lock()
	defer g.opMu.Unlock()
	if !g.current(attempt) {
		return
	}
	g.logger.Info().Dur("timeout", g.cfg.ScanTimeout).Msg("BLE scan timed out")
	g.stopScan()
	g.emit(models.GatewayEvent{Kind: models.GatewayScanStopped, Attempt: attempt})
}

func (g *Gateway) onAdvertisement(attempt uint64, adv ble.Advertisement) {
	if !g.current(attempt) || !g.accepts(adv) {
		return
	}
	device := models.DeviceDescriptor{Name: adv.Name, ID: adv.ID}
	if !g.discovered.SetIfAbsent(adv.ID, device) {
		return
	}
	g.logger.Info().Str("device_id", adv.ID).Str("name", adv.Name).Int("rssi", adv.RSSI).Msg("Heart rate device found")
	g.emit(models.GatewayEvent{Kind: models.GatewayDiscovered, Attempt: attempt, Device: device})
}

func (g *Gateway) accepts(adv ble.Advertisement) bool {
	if adv.HeartRate {
		return true
	}
	name := strings.ToLower(adv.Name)
	if name == "" {
		return false
	}
	for _, filter := range g.cfg.NameFilters {
		if filter != "" && strings.Contains(name, strings.ToLower(filter)) {
			return true
		}
	}
	return false
}

// stopScan ends the scan session, if any, and waits for the radio to return.
func (g *Gateway) stopScan() {
	g.mu.Lock()
	if !g.scanning {
		g.mu.Unlock()
		return
	}
	g.scanning = false
	done := g.scanDone
	g.mu.Unlock()

	if err := g.radio.StopScan(); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to stop scan")
	}
	select {
	case <-done:
	case <-time.After(scanStopWait):
		g.logger.Warn().Msg("Scan did not stop in time")
	}
}

func (g *Gateway) connect(ctx context.Context, attempt uint64, deviceID string) {
	g.stopScan()
	if _, err := g.releaseLink(); err != nil {
		g.logger.Warn().Err(err).Msg("Link release before connect reported an error")
	}

	device, ok := g.discovered.Get(deviceID)
	if !ok {
		device = models.DeviceDescriptor{ID: deviceID}
	}
	log := g.logger.With().Str("device_id", deviceID).Uint64("attempt", attempt).Logger()
	log.Info().Msg("Connecting to device")
	g.emit(models.GatewayEvent{Kind: models.GatewayConnecting, Attempt: attempt, Device: device})

	if err := g.ensureEnabled(); err != nil {
		g.fail(attempt, device, constants.ErrorTransportFault, err.Error())
		return
	}

	link, err := g.dial(ctx, deviceID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("Device unreachable")
		g.fail(attempt, device, constants.ErrorDeviceUnreachable, err.Error())
		return
	}
	if ctx.Err() != nil {
		disconnectQuietly(link, log)
		return
	}

	char, kind, detail := resolveMeasurement(link)
	if kind != constants.ErrorNone {
		log.Warn().Str("reason", string(kind)).Str("detail", detail).Msg("Heart rate profile unavailable")
		disconnectQuietly(link, log)
		g.fail(attempt, device, kind, detail)
		return
	}

	g.mu.Lock()
	g.link = link
	g.char = char
	g.device = device
	g.mu.Unlock()
	g.session.Store(attempt)

	if err := char.EnableNotifications(g.notificationHandler(attempt)); err != nil {
		g.releaseLink()
		g.fail(attempt, device, constants.ErrorTransportFault, fmt.Sprintf("enable notifications: %v", err))
		return
	}
	if ctx.Err() != nil {
		g.releaseLink()
		return
	}

	log.Info().Msg("Subscribed to heart rate notifications")
	g.emit(models.GatewayEvent{Kind: models.GatewayConnected, Attempt: attempt, Device: device})
}

// dial bounds radio.Connect, which cannot be cancelled; a link that arrives
// after the caller gave up is closed.
func (g *Gateway) dial(ctx context.Context, deviceID string) (ble.Link, error) {
	type result struct {
		link ble.Link
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		link, err := g.radio.Connect(deviceID)
		ch <- result{link: link, err: err}
	}()

	abandon := func() {
		go func() {
			if r := <-ch; r.err == nil && r.link != nil {
				disconnectQuietly(r.link, g.logger)
			}
		}()
	}

	timer := time.NewTimer(g.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.link, r.err
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	case <-timer.C:
		abandon()
		return nil, errConnectTimeout
	}
}

// resolveMeasurement finds the heart rate measurement characteristic and
// classifies why it is unavailable otherwise.
func resolveMeasurement(link ble.Link) (ble.Characteristic, constants.ErrorKind, string) {
	service, found, err := link.DiscoverService(ble.HeartRateServiceUUID)
	if err != nil {
		return nil, constants.ErrorTransportFault, fmt.Sprintf("service discovery: %v", err)
	}
	if !found {
		return nil, constants.ErrorBroadcastDisabled, "heart rate service not exposed"
	}
	chars, err := service.Characteristics()
	if err != nil {
		return nil, constants.ErrorTransportFault, fmt.Sprintf("characteristic discovery: %v", err)
	}
	if len(chars) == 0 {
		return nil, constants.ErrorBroadcastDisabled, "heart rate service has no characteristics"
	}
	for _, char := range chars {
		if char.UUID() == ble.HeartRateMeasurementUUID {
			return char, constants.ErrorNone, ""
		}
	}
	return nil, constants.ErrorCharacteristicMissing, "heart rate measurement characteristic not found"
}

// notificationHandler runs on the radio's callback goroutine: decode and
// forward only.
func (g *Gateway) notificationHandler(attempt uint64) func([]byte) {
	return func(payload []byte) {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error().Interface("panic", r).Msg("Notification handler fault")
				go g.fault(attempt, fmt.Sprintf("notification handler: %v", r))
			}
		}()
		if g.muted.Load() || g.session.Load() != attempt {
			return
		}
		m, err := ble.ParseMeasurement(payload)
		if err != nil {
			g.logger.Warn().Err(err).Hex("payload", payload).Msg("Dropping malformed measurement")
			return
		}
		if m.ContactSupported && !m.Contact {
			g.logger.Debug().Int("bpm", m.BPM).Msg("Sensor reports no skin contact")
		}
		g.logger.Trace().Int("bpm", m.BPM).Int("energy", m.Energy).Int("rr_count", len(m.RR)).Msg("Measurement")
		ev := models.GatewayEvent{
			Kind:    models.GatewaySample,
			Attempt: attempt,
			Sample:  models.HeartRateSample{BPM: m.BPM, ObservedAt: time.Now()},
		}
		// Backpressure only: the stream is shared with state events, which
		// must never be displaced, so a full stream drops the incoming sample.
		// The state machine drains it far faster than sensors notify.
		select {
		case g.events <- ev:
		default:
			g.dropped.Add(1)
		}
	}
}

// fault tears down the session after a failure on the notification path.
func (g *Gateway) fault(attempt uint64, detail string) {
	g.opMu.Lock()
	defer g.opMu.Unlock()
	if g.session.Load() != attempt {
		return
	}
	g.mu.Lock()
	device := g.device
	g.mu.Unlock()
	g.releaseLink()
	g.fail(attempt, device, constants.ErrorTransportFault, detail)
}

func (g *Gateway) onPeerDisconnect(deviceID string) {
	go func() {
		g.opMu.Lock()
		defer g.opMu.Unlock()

		g.mu.Lock()
		if g.link == nil || g.link.ID() != deviceID {
			g.mu.Unlock()
			return
		}
		device := g.device
		g.mu.Unlock()
		attempt := g.session.Load()

		g.logger.Info().Str("device_id", deviceID).Msg("Peripheral closed the link")
		g.releaseLink()
		g.emit(models.GatewayEvent{Kind: models.GatewayPeerDisconnected, Attempt: attempt, Device: device})
	}()
}

// releaseLink unsubscribes and disconnects the current link exactly once.
func (g *Gateway) releaseLink() (bool, error) {
	g.mu.Lock()
	link, char := g.link, g.char
	g.link, g.char = nil, nil
	g.device = models.DeviceDescriptor{}
	g.mu.Unlock()
	g.session.Store(0)

	if link == nil {
		return false, nil
	}
	var errs []error
	if char != nil {
		if err := char.DisableNotifications(); err != nil {
			errs = append(errs, fmt.Errorf("disable notifications: %w", err))
		}
	}
	if err := link.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("disconnect %s: %w", link.ID(), err))
	}
	return true, errors.Join(errs...)
}

func (g *Gateway) fail(attempt uint64, device models.DeviceDescriptor, kind constants.ErrorKind, detail string) {
	g.emit(models.GatewayEvent{
		Kind:    models.GatewayFailed,
		Attempt: attempt,
		Device:  device,
		Error:   kind,
		Detail:  detail,
	})
}

func (g *Gateway) emit(ev models.GatewayEvent) {
	select {
	case g.events <- ev:
	case <-g.closed:
	}
}

func disconnectQuietly(link ble.Link, logger zerolog.Logger) {
	if err := link.Disconnect(); err != nil {
		logger.Debug().Err(err).Str("device_id", link.ID()).Msg("Disconnect of abandoned link failed")
	}
}
