package state_managers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/pulselink/internal/constants"
	"github.com/benmeehan/pulselink/internal/models"
)

const commandBuffer = 16

var (
	ErrAlreadyRunning = errors.New("connection state manager is already running")
	ErrNotRunning     = errors.New("connection state manager is not running")
	ErrCommandBacklog = errors.New("connection command queue is full")
)

// Gateway is the device gateway surface driven by the state machine.
type Gateway interface {
	StartScan() uint64
	Connect(deviceID string) uint64
	Disconnect() uint64
	Events() <-chan models.GatewayEvent
}

// Sink receives the status stream and the samples of the connected session.
type Sink interface {
	PublishStatus(event models.StatusEvent)
	PublishSample(sample models.HeartRateSample)
}

// allowed lists the legal transitions. Connected is only reachable from
// Connecting, and leaving Connected always passes through Idle or Error.
var allowed = map[constants.ConnectionPhase][]constants.ConnectionPhase{
	constants.PhaseIdle: {
		constants.PhaseScanning, constants.PhaseConnecting, constants.PhaseError,
	},
	constants.PhaseScanning: {
		constants.PhaseIdle, constants.PhaseConnecting, constants.PhaseDisconnecting, constants.PhaseError,
	},
	constants.PhaseConnecting: {
		constants.PhaseConnected, constants.PhaseIdle, constants.PhaseDisconnecting, constants.PhaseError,
	},
	constants.PhaseConnected: {
		constants.PhaseIdle, constants.PhaseDisconnecting, constants.PhaseError,
	},
	constants.PhaseDisconnecting: {
		constants.PhaseIdle,
	},
	constants.PhaseError: {
		constants.PhaseIdle,
	},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to constants.ConnectionPhase) bool {
	for _, phase := range allowed[from] {
		if phase == to {
			return true
		}
	}
	return false
}

type commandKind int

const (
	commandScan commandKind = iota
	commandConnect
	commandDisconnect
	commandAcknowledge
)

type command struct {
	kind     commandKind
	deviceID string
}

// Options configures a ConnectionStateManager.
type Options struct {
	Strategy       Strategy
	AutoReconnect  bool
	ReconnectDelay time.Duration
}

// ConnectionStateManager is the sole writer of the connection state. One
// goroutine consumes gateway events and caller commands in arrival order.
type ConnectionStateManager struct {
	gateway Gateway
	sink    Sink
	opts    Options
	logger  zerolog.Logger

	commands chan command
	state    atomic.Pointer[models.ConnectionState]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// owned by the loop
	current     models.ConnectionState
	attempt     uint64
	lastDevice  models.DeviceDescriptor
	reconnect   *time.Timer
	reconnectC  <-chan time.Time
	reconnected bool
}

// NewConnectionStateManager creates a state machine in Idle.
func NewConnectionStateManager(gateway Gateway, sink Sink, opts Options, logger zerolog.Logger) *ConnectionStateManager {
	if opts.Strategy == nil {
		opts.Strategy = ManualStrategy{}
	}
	m := &ConnectionStateManager{
		gateway:  gateway,
		sink:     sink,
		opts:     opts,
		logger:   logger.With().Str("component", "connection").Logger(),
		commands: make(chan command, commandBuffer),
		current:  models.IdleState(),
	}
	idle := models.IdleState()
	m.state.Store(&idle)
	return m
}

// Start publishes the initial state and begins consuming events.
func (m *ConnectionStateManager) Start() error {
	if m.ctx != nil {
		m.logger.Warn().Msg("ConnectionStateManager is already running")
		return ErrAlreadyRunning
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.sink.PublishStatus(models.StateChanged(m.current))
	if m.opts.Strategy.ScanOnStart() {
		m.attempt = m.gateway.StartScan()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(m.ctx)
	}()

	m.logger.Info().Str("strategy", m.opts.Strategy.Name()).Msg("ConnectionStateManager started")
	return nil
}

// Stop ends the event loop. The BLE link is released by the gateway.
func (m *ConnectionStateManager) Stop() error {
	if m.ctx == nil {
		m.logger.Warn().Msg("ConnectionStateManager is not running")
		return ErrNotRunning
	}
	m.cancel()
	m.wg.Wait()
	m.ctx = nil
	m.cancel = nil
	m.logger.Info().Msg("ConnectionStateManager stopped")
	return nil
}

// State returns the current connection state.
func (m *ConnectionStateManager) State() models.ConnectionState {
	return *m.state.Load()
}

// StartScan requests a new discovery session.
func (m *ConnectionStateManager) StartScan() error {
	return m.send(command{kind: commandScan})
}

// Connect requests a connection to deviceID.
func (m *ConnectionStateManager) Connect(deviceID string) error {
	return m.send(command{kind: commandConnect, deviceID: deviceID})
}

// Disconnect requests the link to be released. Repeated calls are no-ops.
func (m *ConnectionStateManager) Disconnect() error {
	return m.send(command{kind: commandDisconnect})
}

// Acknowledge clears a surfaced error back to Idle.
func (m *ConnectionStateManager) Acknowledge() error {
	return m.send(command{kind: commandAcknowledge})
}

func (m *ConnectionStateManager) send(cmd command) error {
	select {
	case m.commands <- cmd:
		return nil
	default:
		return ErrCommandBacklog
	}
}

func (m *ConnectionStateManager) run(ctx context.Context) {
	events := m.gateway.Events()
	for {
		select {
		case <-ctx.Done():
			m.cancelReconnect()
			return
		case ev := <-events:
			m.handleEvent(ev)
		case cmd := <-m.commands:
			m.handleCommand(cmd)
		case <-m.reconnectC:
			m.reconnectNow()
		}
	}
}

func (m *ConnectionStateManager) handleCommand(cmd command) {
	m.cancelReconnect()
	m.reconnected = false

	switch cmd.kind {
	case commandScan:
		m.leaveSession()
		m.attempt = m.gateway.StartScan()
	case commandConnect:
		m.leaveSession()
		m.attempt = m.gateway.Connect(cmd.deviceID)
	case commandDisconnect:
		switch m.current.Phase {
		case constants.PhaseIdle, constants.PhaseDisconnecting:
			m.logger.Debug().Msg("Disconnect ignored, nothing to release")
		case constants.PhaseError:
			m.setState(models.IdleState())
		default:
			m.setState(models.ConnectionState{Phase: constants.PhaseDisconnecting, Device: m.current.Device})
			m.attempt = m.gateway.Disconnect()
		}
	case commandAcknowledge:
		if m.current.Phase == constants.PhaseError {
			m.setState(models.IdleState())
		}
	}
}

// leaveSession returns to Idle before a command supersedes the current
// session.
func (m *ConnectionStateManager) leaveSession() {
	switch m.current.Phase {
	case constants.PhaseConnecting, constants.PhaseConnected, constants.PhaseDisconnecting, constants.PhaseError:
		m.setState(models.IdleState())
	}
}

func (m *ConnectionStateManager) handleEvent(ev models.GatewayEvent) {
	if ev.Attempt != m.attempt {
		if ev.Kind != models.GatewaySample {
			m.logger.Debug().Str("event", ev.Kind.String()).Uint64("attempt", ev.Attempt).Msg("Ignoring stale gateway event")
		}
		return
	}

	switch ev.Kind {
	case models.GatewayScanStarted:
		m.setState(models.ConnectionState{Phase: constants.PhaseScanning})
	case models.GatewayScanStopped:
		if m.current.Phase == constants.PhaseScanning {
			m.setState(models.IdleState())
		}
	case models.GatewayDiscovered:
		if m.current.Phase != constants.PhaseScanning {
			return
		}
		m.sink.PublishStatus(models.Discovered(ev.Device))
		if m.opts.Strategy.Select(ev.Device) {
			m.logger.Info().Str("device_id", ev.Device.ID).Str("strategy", m.opts.Strategy.Name()).Msg("Strategy selected device")
			m.attempt = m.gateway.Connect(ev.Device.ID)
		}
	case models.GatewayConnecting:
		m.setState(models.ConnectionState{Phase: constants.PhaseConnecting, Device: ev.Device})
	case models.GatewayConnected:
		m.lastDevice = ev.Device
		m.reconnected = false
		m.setState(models.ConnectionState{Phase: constants.PhaseConnected, Device: ev.Device})
	case models.GatewayFailed:
		m.handleFailure(ev)
	case models.GatewayPeerDisconnected:
		m.setState(models.ConnectionState{
			Phase:  constants.PhaseIdle,
			Device: ev.Device,
			Reason: constants.ErrorPeerDisconnected,
		})
		m.scheduleReconnect()
	case models.GatewayDisconnected:
		m.setState(models.IdleState())
	case models.GatewaySample:
		if m.current.IsConnected() {
			m.sink.PublishSample(ev.Sample)
		}
	}
}

func (m *ConnectionStateManager) handleFailure(ev models.GatewayEvent) {
	wasConnected := m.current.IsConnected()
	m.setState(models.ConnectionState{
		Phase:  constants.PhaseError,
		Device: ev.Device,
		Reason: ev.Error,
		Detail: ev.Detail,
	})

	switch {
	case ev.Error == constants.ErrorTransportFault:
		// the gateway already released the link
		m.setState(models.ConnectionState{Phase: constants.PhaseIdle, Device: ev.Device, Reason: ev.Error})
		if wasConnected || m.reconnected {
			m.scheduleReconnect()
		}
	case m.reconnected && ev.Error == constants.ErrorDeviceUnreachable:
		m.scheduleReconnect()
	}
}

func (m *ConnectionStateManager) scheduleReconnect() {
	if !m.opts.AutoReconnect || m.lastDevice.ID == "" {
		return
	}
	m.cancelReconnect()
	m.reconnect = time.NewTimer(m.opts.ReconnectDelay)
	m.reconnectC = m.reconnect.C
	m.logger.Info().Str("device_id", m.lastDevice.ID).Dur("delay", m.opts.ReconnectDelay).Msg("Reconnect scheduled")
}

func (m *ConnectionStateManager) cancelReconnect() {
	if m.reconnect != nil {
		m.reconnect.Stop()
	}
	m.reconnect = nil
	m.reconnectC = nil
}

func (m *ConnectionStateManager) reconnectNow() {
	m.reconnect = nil
	m.reconnectC = nil
	if m.current.Phase == constants.PhaseError {
		m.setState(models.IdleState())
	}
	if m.current.Phase != constants.PhaseIdle {
		return
	}
	m.logger.Info().Str("device_id", m.lastDevice.ID).Msg("Reconnecting")
	m.reconnected = true
	m.attempt = m.gateway.Connect(m.lastDevice.ID)
}

func (m *ConnectionStateManager) setState(next models.ConnectionState) {
	if next == m.current {
		return
	}
	if next.Phase != m.current.Phase && !CanTransition(m.current.Phase, next.Phase) {
		m.logger.Error().
			Str("from", string(m.current.Phase)).
			Str("to", string(next.Phase)).
			Msg("Rejected illegal state transition")
		return
	}

	m.current = next
	snapshot := next
	m.state.Store(&snapshot)

	log := m.logger.Info()
	if next.Phase == constants.PhaseError {
		log = m.logger.Warn().Str("reason", string(next.Reason)).Str("detail", next.Detail)
	}
	log.Str("state", string(next.Phase)).Str("device_id", next.Device.ID).Msg("Connection state changed")

	m.sink.PublishStatus(models.StateChanged(next))
}
