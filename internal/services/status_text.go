package services

import (
	"github.com/benmeehan/pulselink/internal/constants"
	"github.com/benmeehan/pulselink/internal/models"
	"github.com/benmeehan/pulselink/pkg/localization"
)

// Translator looks up localized text by key.
type Translator interface {
	Text(key string, args ...any) string
}

// StateText renders a connection state for people.
func StateText(tr Translator, state models.ConnectionState) string {
	name := state.Device.DisplayName()
	switch state.Phase {
	case constants.PhaseScanning:
		return tr.Text(localization.KeyStatusScanning)
	case constants.PhaseConnecting:
		return tr.Text(localization.KeyStatusConnecting, name)
	case constants.PhaseConnected:
		return tr.Text(localization.KeyStatusConnected, name)
	case constants.PhaseDisconnecting:
		return tr.Text(localization.KeyStatusDisconnecting)
	case constants.PhaseError:
		return ErrorText(tr, state.Reason, state.Detail)
	}
	if state.Reason == constants.ErrorPeerDisconnected {
		return tr.Text(localization.KeyStatusDisconnected)
	}
	return tr.Text(localization.KeyStatusReady)
}

// ErrorText renders a classified failure.
func ErrorText(tr Translator, kind constants.ErrorKind, detail string) string {
	switch kind {
	case constants.ErrorDeviceUnreachable:
		return tr.Text(localization.KeyErrorDeviceNotFound)
	case constants.ErrorBroadcastDisabled:
		return tr.Text(localization.KeyErrorEnableHrBroadcast)
	case constants.ErrorCharacteristicMissing:
		return tr.Text(localization.KeyErrorNoHrCharacteristic)
	case constants.ErrorNetworkStartupFailure:
		return tr.Text(localization.KeyErrorNetworkStartup, detail)
	case constants.ErrorPeerDisconnected:
		return tr.Text(localization.KeyStatusDisconnected)
	}
	return tr.Text(localization.KeyErrorException, detail)
}

// EventText renders any status event.
func EventText(tr Translator, event models.StatusEvent) string {
	switch event.Kind {
	case models.StatusDiscovered:
		return tr.Text(localization.KeyStatusDiscovered, event.Device.DisplayName())
	case models.StatusError:
		return ErrorText(tr, event.Error, event.Detail)
	}
	return StateText(tr, event.State)
}
