package ble

import (
	"errors"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

var (
	HeartRateServiceUUID     = bluetooth.ServiceUUIDHeartRate
	HeartRateMeasurementUUID = bluetooth.CharacteristicUUIDHeartRateMeasurement
)

// ErrUnknownDevice is returned by Connect for an ID that no scan has reported.
var ErrUnknownDevice = errors.New("device was not seen by a scan")

// Advertisement is what a scan reports about one peripheral.
type Advertisement struct {
	ID        string
	Name      string
	RSSI      int
	HeartRate bool // advertises the heart rate service
}

// Radio is the BLE central capability the gateway needs. Implementations
// deliver scan results and disconnect callbacks on goroutines they own.
type Radio interface {
	Enable() error
	// Scan blocks until StopScan is called or the scan fails.
	Scan(onResult func(Advertisement)) error
	StopScan() error
	Connect(deviceID string) (Link, error)
	// SetDisconnectHandler registers the callback for peer initiated disconnects.
	SetDisconnectHandler(handler func(deviceID string))
}

// Link is an established connection to one peripheral.
type Link interface {
	ID() string
	// DiscoverService reports whether the peripheral exposes the service.
	DiscoverService(uuid bluetooth.UUID) (Service, bool, error)
	Disconnect() error
}

// Service is a resolved GATT service.
type Service interface {
	Characteristics() ([]Characteristic, error)
}

// Characteristic is a resolved GATT characteristic.
type Characteristic interface {
	UUID() bluetooth.UUID
	EnableNotifications(handler func(payload []byte)) error
	DisableNotifications() error
}

// TinyGoRadio implements Radio on top of tinygo.org/x/bluetooth.
type TinyGoRadio struct {
	adapter *bluetooth.Adapter

	mu           sync.Mutex
	addresses    map[string]bluetooth.Address
	onDisconnect func(deviceID string)
}

// NewTinyGoRadio wraps a bluetooth adapter, usually bluetooth.DefaultAdapter.
func NewTinyGoRadio(adapter *bluetooth.Adapter) *TinyGoRadio {
	return &TinyGoRadio{
		adapter:   adapter,
		addresses: make(map[string]bluetooth.Address),
	}
}

// Enable powers up the adapter and installs the connection handler.
func (r *TinyGoRadio) Enable() error {
	r.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		r.mu.Lock()
		handler := r.onDisconnect
		r.mu.Unlock()
		if handler != nil {
			handler(device.Address.String())
		}
	})
	if err := r.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable BLE adapter: %w", err)
	}
	return nil
}

// Scan starts discovery and blocks until StopScan.
func (r *TinyGoRadio) Scan(onResult func(Advertisement)) error {
	return r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		id := result.Address.String()
		if id == "" {
			return
		}
		r.mu.Lock()
		r.addresses[id] = result.Address
		r.mu.Unlock()

		onResult(Advertisement{
			ID:        id,
			Name:      result.LocalName(),
			RSSI:      int(result.RSSI),
			HeartRate: result.HasServiceUUID(HeartRateServiceUUID),
		})
	})
}

// StopScan stops a running Scan.
func (r *TinyGoRadio) StopScan() error {
	return r.adapter.StopScan()
}

// Connect opens a link to a previously scanned peripheral.
func (r *TinyGoRadio) Connect(deviceID string) (Link, error) {
	r.mu.Lock()
	address, ok := r.addresses[deviceID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	device, err := r.adapter.Connect(address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	return &tinyGoLink{id: deviceID, device: device}, nil
}

// SetDisconnectHandler registers the peer disconnect callback.
func (r *TinyGoRadio) SetDisconnectHandler(handler func(deviceID string)) {
	r.mu.Lock()
	r.onDisconnect = handler
	r.mu.Unlock()
}

type tinyGoLink struct {
	id     string
	device bluetooth.Device
}

func (l *tinyGoLink) ID() string { return l.id }

// DiscoverService lists every service and filters locally; some backends
// fail the whole call when a filtered UUID is absent.
func (l *tinyGoLink) DiscoverService(uuid bluetooth.UUID) (Service, bool, error) {
	services, err := l.device.DiscoverServices(nil)
	if err != nil {
		return nil, false, err
	}
	for _, service := range services {
		if service.UUID() == uuid {
			return &tinyGoService{service: service}, true, nil
		}
	}
	return nil, false, nil
}

func (l *tinyGoLink) Disconnect() error {
	return l.device.Disconnect()
}

type tinyGoService struct {
	service bluetooth.DeviceService
}

func (s *tinyGoService) Characteristics() ([]Characteristic, error) {
	chars, err := s.service.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, err
	}
	result := make([]Characteristic, 0, len(chars))
	for _, char := range chars {
		result = append(result, &tinyGoCharacteristic{char: char})
	}
	return result, nil
}

type tinyGoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) UUID() bluetooth.UUID { return c.char.UUID() }

func (c *tinyGoCharacteristic) EnableNotifications(handler func(payload []byte)) error {
	return c.char.EnableNotifications(handler)
}

func (c *tinyGoCharacteristic) DisableNotifications() error {
	return c.char.EnableNotifications(nil)
}
