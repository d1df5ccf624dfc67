package mocks

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/benmeehan/pulselink/pkg/ble"
)

// FakeRadio is an in-memory ble.Radio. Peripherals added with AddPeripheral
// are advertised at the start of every scan.
type FakeRadio struct {
	EnableErr    error
	ConnectDelay time.Duration

	mu           sync.Mutex
	peripherals  []fakePeripheral
	scanStop     chan struct{}
	onResult     func(ble.Advertisement)
	onDisconnect func(deviceID string)
	connectCalls atomic.Int32
}

type fakePeripheral struct {
	adv        ble.Advertisement
	link       *FakeLink
	connectErr error
}

// NewFakeRadio creates a radio with no peripherals.
func NewFakeRadio() *FakeRadio {
	return &FakeRadio{}
}

// AddPeripheral registers a peripheral. A nil link makes Connect fail with
// connectErr, or with ble.ErrUnknownDevice when connectErr is nil.
func (r *FakeRadio) AddPeripheral(adv ble.Advertisement, link *FakeLink, connectErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peripherals = append(r.peripherals, fakePeripheral{adv: adv, link: link, connectErr: connectErr})
}

func (r *FakeRadio) Enable() error {
	return r.EnableErr
}

func (r *FakeRadio) Scan(onResult func(ble.Advertisement)) error {
	r.mu.Lock()
	if r.scanStop != nil {
		r.mu.Unlock()
		return errors.New("already scanning")
	}
	stop := make(chan struct{})
	r.scanStop = stop
	r.onResult = onResult
	peripherals := append([]fakePeripheral(nil), r.peripherals...)
	r.mu.Unlock()

	for _, p := range peripherals {
		onResult(p.adv)
	}
	<-stop
	return nil
}

func (r *FakeRadio) StopScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scanStop == nil {
		return errors.New("not scanning")
	}
	close(r.scanStop)
	r.scanStop = nil
	r.onResult = nil
	return nil
}

// Advertise reports adv to the running scan, if any.
func (r *FakeRadio) Advertise(adv ble.Advertisement) bool {
	r.mu.Lock()
	onResult := r.onResult
	r.mu.Unlock()
	if onResult == nil {
		return false
	}
	onResult(adv)
	return true
}

// Scanning reports whether a scan is running.
func (r *FakeRadio) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanStop != nil
}

func (r *FakeRadio) Connect(deviceID string) (ble.Link, error) {
	r.connectCalls.Add(1)
	if r.ConnectDelay > 0 {
		time.Sleep(r.ConnectDelay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peripherals {
		if p.adv.ID != deviceID {
			continue
		}
		if p.link == nil {
			if p.connectErr != nil {
				return nil, p.connectErr
			}
			break
		}
		p.link.connected.Store(true)
		return p.link, nil
	}
	return nil, fmt.Errorf("%w: %s", ble.ErrUnknownDevice, deviceID)
}

// ConnectCalls counts Connect invocations.
func (r *FakeRadio) ConnectCalls() int {
	return int(r.connectCalls.Load())
}

func (r *FakeRadio) SetDisconnectHandler(handler func(deviceID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnect = handler
}

// DropLink simulates the peripheral closing the connection.
func (r *FakeRadio) DropLink(deviceID string) {
	r.mu.Lock()
	handler := r.onDisconnect
	r.mu.Unlock()
	if handler != nil {
		handler(deviceID)
	}
}

// FakeLink is a connected peripheral with a configurable GATT table.
type FakeLink struct {
	DeviceID      string
	Service       *FakeService // nil when the heart rate service is absent
	DiscoverErr   error
	DisconnectErr error

	connected   atomic.Bool
	disconnects atomic.Int32
}

// NewHeartRateLink returns a link exposing a heart rate service with a
// measurement characteristic.
func NewHeartRateLink(deviceID string) *FakeLink {
	return &FakeLink{
		DeviceID: deviceID,
		Service: &FakeService{
			Chars: []*FakeCharacteristic{NewFakeCharacteristic(ble.HeartRateMeasurementUUID)},
		},
	}
}

func (l *FakeLink) ID() string { return l.DeviceID }

func (l *FakeLink) DiscoverService(uuid bluetooth.UUID) (ble.Service, bool, error) {
	if l.DiscoverErr != nil {
		return nil, false, l.DiscoverErr
	}
	if l.Service == nil || uuid != ble.HeartRateServiceUUID {
		return nil, false, nil
	}
	return l.Service, true, nil
}

func (l *FakeLink) Disconnect() error {
	l.disconnects.Add(1)
	l.connected.Store(false)
	return l.DisconnectErr
}

// Disconnects counts Disconnect invocations.
func (l *FakeLink) Disconnects() int {
	return int(l.disconnects.Load())
}

// Connected reports whether the link is up.
func (l *FakeLink) Connected() bool {
	return l.connected.Load()
}

// Notify delivers payload through the measurement characteristic. It reports
// false when nothing is subscribed.
func (l *FakeLink) Notify(payload []byte) bool {
	if l.Service == nil {
		return false
	}
	for _, c := range l.Service.Chars {
		if c.uuid == ble.HeartRateMeasurementUUID {
			return c.Notify(payload)
		}
	}
	return false
}

// FakeService is a resolved heart rate service.
type FakeService struct {
	Chars    []*FakeCharacteristic
	CharsErr error
}

func (s *FakeService) Characteristics() ([]ble.Characteristic, error) {
	if s.CharsErr != nil {
		return nil, s.CharsErr
	}
	chars := make([]ble.Characteristic, 0, len(s.Chars))
	for _, c := range s.Chars {
		chars = append(chars, c)
	}
	return chars, nil
}

// FakeCharacteristic records its notification handler.
type FakeCharacteristic struct {
	EnableErr error

	uuid    bluetooth.UUID
	mu      sync.Mutex
	handler func([]byte)
}

// NewFakeCharacteristic creates a characteristic with the given UUID.
func NewFakeCharacteristic(uuid bluetooth.UUID) *FakeCharacteristic {
	return &FakeCharacteristic{uuid: uuid}
}

func (c *FakeCharacteristic) UUID() bluetooth.UUID { return c.uuid }

func (c *FakeCharacteristic) EnableNotifications(handler func([]byte)) error {
	if c.EnableErr != nil {
		return c.EnableErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
	return nil
}

func (c *FakeCharacteristic) DisableNotifications() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = nil
	return nil
}

// Subscribed reports whether a notification handler is installed.
func (c *FakeCharacteristic) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler != nil
}

// Notify calls the installed handler, if any.
func (c *FakeCharacteristic) Notify(payload []byte) bool {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(payload)
	return true
}
