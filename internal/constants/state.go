package constants

// ConnectionPhase is the coarse state of the BLE connection.
type ConnectionPhase string

const (
	PhaseIdle          ConnectionPhase = "idle"
	PhaseScanning      ConnectionPhase = "scanning"
	PhaseConnecting    ConnectionPhase = "connecting"
	PhaseConnected     ConnectionPhase = "connected"
	PhaseDisconnecting ConnectionPhase = "disconnecting"
	PhaseError         ConnectionPhase = "error"
)

// ErrorKind classifies failures surfaced on the status stream.
type ErrorKind string

const (
	ErrorNone ErrorKind = ""
	// ErrorDeviceUnreachable means the link could not be established.
	ErrorDeviceUnreachable ErrorKind = "device_unreachable"
	// ErrorBroadcastDisabled means the heart rate service is hidden or exposes
	// no characteristics, usually because broadcast is switched off on the peripheral.
	ErrorBroadcastDisabled ErrorKind = "broadcast_disabled"
	// ErrorCharacteristicMissing means the service lacks the measurement characteristic.
	ErrorCharacteristicMissing ErrorKind = "characteristic_missing"
	// ErrorTransportFault is any other BLE failure; the detail carries the message.
	ErrorTransportFault ErrorKind = "transport_fault"
	// ErrorNetworkStartupFailure means a delivery channel failed to bind or connect.
	ErrorNetworkStartupFailure ErrorKind = "network_startup_failure"
	// ErrorPeerDisconnected is not a failure: the peripheral closed the link.
	ErrorPeerDisconnected ErrorKind = "peer_disconnected"
)
