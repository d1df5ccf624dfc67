package localization

// Catalog keys for status and viewer text.
const (
	KeyStatusReady               = "Status_Ready"
	KeyStatusScanning            = "Status_Scanning"
	KeyStatusConnecting          = "Status_Connecting"
	KeyStatusConnected           = "Status_Connected"
	KeyStatusDisconnecting       = "Status_Disconnecting"
	KeyStatusDisconnected        = "Status_Disconnected"
	KeyStatusDiscovered          = "Status_Discovered"
	KeyStatusLivestreamOnline    = "Status_LivestreamOnline"
	KeyErrorDeviceNotFound       = "Status_Error_DeviceNotFound"
	KeyErrorEnableHrBroadcast    = "Status_Error_PleaseEnableHrBroadcast"
	KeyErrorNoHrCharacteristic   = "Status_Error_NoHrCharacteristic"
	KeyErrorException            = "Status_Error_Exception"
	KeyErrorNetworkStartup       = "Status_Error_NetworkStartup"
	KeyWebTitle                  = "Web_Title"
	KeyWebLabelBpm               = "Web_Label_Bpm"
	KeyWebLabelLiveHeartRate     = "Web_Label_LiveHeartRate"
	KeyWebStatusWaitingForData   = "Web_Status_WaitingForData"
	KeyWebStatusLiveSignalActive = "Web_Status_LiveSignalActive"
	KeyWebStatusDisconnected     = "Web_Status_Disconnected"
)

var english = map[string]string{
	KeyStatusReady:               "Ready",
	KeyStatusScanning:            "Scanning for heart rate devices...",
	KeyStatusConnecting:          "Connecting to %s...",
	KeyStatusConnected:           "Connected to %s",
	KeyStatusDisconnecting:       "Disconnecting...",
	KeyStatusDisconnected:        "Device disconnected",
	KeyStatusDiscovered:          "Found %s",
	KeyStatusLivestreamOnline:    "Livestream online",
	KeyErrorDeviceNotFound:       "Device not found or out of range",
	KeyErrorEnableHrBroadcast:    "Please enable heart rate broadcast on your device",
	KeyErrorNoHrCharacteristic:   "The device does not provide heart rate measurements",
	KeyErrorException:            "Bluetooth error: %s",
	KeyErrorNetworkStartup:       "Network service failed to start: %s",
	KeyWebTitle:                  "PulseLink Heart Rate",
	KeyWebLabelBpm:               "BPM",
	KeyWebLabelLiveHeartRate:     "Live Heart Rate",
	KeyWebStatusWaitingForData:   "Waiting for data...",
	KeyWebStatusLiveSignalActive: "Live signal active",
	KeyWebStatusDisconnected:     "Disconnected",
}
