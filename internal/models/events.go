package models

import (
	"time"

	"github.com/benmeehan/pulselink/internal/constants"
)

// GatewayEventKind enumerates what the device gateway reports.
type GatewayEventKind int

const (
	GatewayScanStarted GatewayEventKind = iota
	GatewayScanStopped
	GatewayDiscovered
	GatewayConnecting
	GatewayConnected
	GatewayFailed
	GatewayPeerDisconnected
	GatewayDisconnected
	GatewaySample
)

func (k GatewayEventKind) String() string {
	switch k {
	case GatewayScanStarted:
		return "scan_started"
	case GatewayScanStopped:
		return "scan_stopped"
	case GatewayDiscovered:
		return "discovered"
	case GatewayConnecting:
		return "connecting"
	case GatewayConnected:
		return "connected"
	case GatewayFailed:
		return "failed"
	case GatewayPeerDisconnected:
		return "peer_disconnected"
	case GatewayDisconnected:
		return "disconnected"
	case GatewaySample:
		return "sample"
	}
	return "unknown"
}

// GatewayEvent crosses the gateway/state machine boundary. Attempt is the
// gateway operation that produced it; events of superseded attempts are stale.
type GatewayEvent struct {
	Kind    GatewayEventKind
	Attempt uint64
	Device  DeviceDescriptor
	Error   constants.ErrorKind
	Detail  string
	Sample  HeartRateSample
}

// StatusKind tags a StatusEvent.
type StatusKind int

const (
	StatusDiscovered StatusKind = iota
	StatusStateChanged
	StatusError
)

// StatusEvent is the notification vocabulary exposed to the hub and to
// external status observers.
type StatusEvent struct {
	Kind   StatusKind
	Device DeviceDescriptor    // StatusDiscovered
	State  ConnectionState     // StatusStateChanged
	Error  constants.ErrorKind // StatusError
	Detail string              // StatusError
	At     time.Time
}

// Discovered builds a StatusDiscovered event.
func Discovered(device DeviceDescriptor) StatusEvent {
	return StatusEvent{Kind: StatusDiscovered, Device: device, At: time.Now()}
}

// StateChanged builds a StatusStateChanged event.
func StateChanged(state ConnectionState) StatusEvent {
	return StatusEvent{Kind: StatusStateChanged, State: state, At: time.Now()}
}

// ErrorStatus builds a StatusError event for failures that do not change the
// connection state, such as a delivery channel failing to start.
func ErrorStatus(kind constants.ErrorKind, detail string) StatusEvent {
	return StatusEvent{Kind: StatusError, Error: kind, Detail: detail, At: time.Now()}
}
