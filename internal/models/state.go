package models

import "github.com/benmeehan/pulselink/internal/constants"

// ConnectionState is the current state of the BLE connection. Reason is set
// for PhaseError, and for PhaseIdle after a peer initiated disconnect.
type ConnectionState struct {
	Phase  constants.ConnectionPhase `json:"phase"`
	Device DeviceDescriptor          `json:"device"`
	Reason constants.ErrorKind       `json:"reason,omitempty"`
	Detail string                    `json:"detail,omitempty"`
}

// IsConnected reports whether samples may be published.
func (s ConnectionState) IsConnected() bool {
	return s.Phase == constants.PhaseConnected
}

// IdleState is the initial state.
func IdleState() ConnectionState {
	return ConnectionState{Phase: constants.PhaseIdle}
}
