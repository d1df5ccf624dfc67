package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"

	"github.com/benmeehan/pulselink/internal/constants"
	"github.com/benmeehan/pulselink/internal/mocks"
	"github.com/benmeehan/pulselink/internal/models"
	"github.com/benmeehan/pulselink/pkg/ble"
)

const eventWait = 2 * time.Second

func expectEvent(t *testing.T, g *Gateway, kind models.GatewayEventKind) models.GatewayEvent {
	t.Helper()
	select {
	case ev := <-g.Events():
		require.Equal(t, kind.String(), ev.Kind.String())
		return ev
	case <-time.After(eventWait):
		t.Fatalf("timed out waiting for %s", kind)
	}
	return models.GatewayEvent{}
}

func expectNoEvent(t *testing.T, g *Gateway) {
	t.Helper()
	select {
	case ev := <-g.Events():
		t.Fatalf("unexpected %s event", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func watchRadio() (*mocks.FakeRadio, *mocks.FakeLink) {
	radio := mocks.NewFakeRadio()
	link := mocks.NewHeartRateLink("AA:BB")
	radio.AddPeripheral(ble.Advertisement{ID: "AA:BB", Name: "Watch1", HeartRate: true}, link, nil)
	radio.AddPeripheral(ble.Advertisement{ID: "CC:DD", Name: "Band", HeartRate: true}, mocks.NewHeartRateLink("CC:DD"), nil)
	radio.AddPeripheral(ble.Advertisement{ID: "EE:FF", Name: "Lamp"}, nil, nil)
	return radio, link
}

func connected(t *testing.T, g *Gateway, deviceID string) uint64 {
	t.Helper()
	attempt := g.Connect(deviceID)
	expectEvent(t, g, models.GatewayConnecting)
	ev := expectEvent(t, g, models.GatewayConnected)
	require.Equal(t, attempt, ev.Attempt)
	return attempt
}

func TestGateway_ScanDiscoversHeartRateDevicesOnce(t *testing.T) {
	radio, _ := watchRadio()
	g := New(radio, Config{}, zerolog.Nop())

	attempt := g.StartScan()
	assert.Equal(t, attempt, expectEvent(t, g, models.GatewayScanStarted).Attempt)

	first := expectEvent(t, g, models.GatewayDiscovered)
	assert.Equal(t, models.DeviceDescriptor{Name: "Watch1", ID: "AA:BB"}, first.Device)
	second := expectEvent(t, g, models.GatewayDiscovered)
	assert.Equal(t, "CC:DD", second.Device.ID)

	require.True(t, radio.Advertise(ble.Advertisement{ID: "AA:BB", Name: "Watch1", HeartRate: true}))
	expectNoEvent(t, g)

	assert.Equal(t, []models.DeviceDescriptor{
		{Name: "Band", ID: "CC:DD"},
		{Name: "Watch1", ID: "AA:BB"},
	}, g.Devices())
}

func TestGateway_RescanClearsDiscoveredDevices(t *testing.T) {
	radio, _ := watchRadio()
	g := New(radio, Config{}, zerolog.Nop())

	g.StartScan()
	expectEvent(t, g, models.GatewayScanStarted)
	expectEvent(t, g, models.GatewayDiscovered)
	expectEvent(t, g, models.GatewayDiscovered)

	g.StartScan()
	expectEvent(t, g, models.GatewayScanStarted)
	expectEvent(t, g, models.GatewayDiscovered)
	expectEvent(t, g, models.GatewayDiscovered)
	assert.Len(t, g.Devices(), 2)
}

func TestGateway_NameFilterAcceptsUnadvertisedService(t *testing.T) {
	radio := mocks.NewFakeRadio()
	radio.AddPeripheral(ble.Advertisement{ID: "11:22", Name: "iQOO WATCH"}, nil, nil)
	radio.AddPeripheral(ble.Advertisement{ID: "33:44", Name: "Speaker"}, nil, nil)
	g := New(radio, Config{NameFilters: []string{"watch", "iqoo"}}, zerolog.Nop())

	g.StartScan()
	expectEvent(t, g, models.GatewayScanStarted)
	ev := expectEvent(t, g, models.GatewayDiscovered)
	assert.Equal(t, "11:22", ev.Device.ID)
	expectNoEvent(t, g)
}

func TestGateway_ScanTimeoutStopsDiscovery(t *testing.T) {
	radio, _ := watchRadio()
	g := New(radio, Config{ScanTimeout: 50 * time.Millisecond}, zerolog.Nop())

	attempt := g.StartScan()
	expectEvent(t, g, models.GatewayScanStarted)
	expectEvent(t, g, models.GatewayDiscovered)
	expectEvent(t, g, models.GatewayDiscovered)
	assert.Equal(t, attempt, expectEvent(t, g, models.GatewayScanStopped).Attempt)
	assert.False(t, radio.Scanning())
}

func TestGateway_ConnectStreamsSamples(t *testing.T) {
	radio, link := watchRadio()
	g := New(radio, Config{}, zerolog.Nop())

	g.StartScan()
	expectEvent(t, g, models.GatewayScanStarted)
	expectEvent(t, g, models.GatewayDiscovered)
	expectEvent(t, g, models.GatewayDiscovered)

	attempt := g.Connect("AA:BB")
	connecting := expectEvent(t, g, models.GatewayConnecting)
	assert.Equal(t, "Watch1", connecting.Device.Name)
	ev := expectEvent(t, g, models.GatewayConnected)
	assert.Equal(t, attempt, ev.Attempt)
	assert.False(t, radio.Scanning())

	require.True(t, link.Notify([]byte{0x00, 72}))
	sample := expectEvent(t, g, models.GatewaySample)
	assert.Equal(t, attempt, sample.Attempt)
	assert.Equal(t, 72, sample.Sample.BPM)
	assert.False(t, sample.Sample.ObservedAt.IsZero())

	require.True(t, link.Notify([]byte{0x01, 0x2c, 0x01}))
	assert.Equal(t, 300, expectEvent(t, g, models.GatewaySample).Sample.BPM)
}

func TestGateway_MalformedNotificationIsDropped(t *testing.T) {
	radio, link := watchRadio()
	g := New(radio, Config{}, zerolog.Nop())
	connected(t, g, "AA:BB")

	require.True(t, link.Notify([]byte{0x01, 0x10}))
	expectNoEvent(t, g)
	assert.Equal(t, 0, link.Disconnects())
}

func TestGateway_ConnectClassifiesFailures(t *testing.T) {
	bodySensorLocation := bluetooth.New16BitUUID(0x2A38)

	tests := []struct {
		name       string
		link       func() *mocks.FakeLink
		connectErr error
		want       constants.ErrorKind
	}{
		{
			name:       "unreachable",
			connectErr: errors.New("page timeout"),
			want:       constants.ErrorDeviceUnreachable,
		},
		{
			name: "service not exposed",
			link: func() *mocks.FakeLink {
				return &mocks.FakeLink{DeviceID: "AA:BB"}
			},
			want: constants.ErrorBroadcastDisabled,
		},
		{
			name: "service without characteristics",
			link: func() *mocks.FakeLink {
				return &mocks.FakeLink{DeviceID: "AA:BB", Service: &mocks.FakeService{}}
			},
			want: constants.ErrorBroadcastDisabled,
		},
		{
			name: "measurement characteristic missing",
			link: func() *mocks.FakeLink {
				return &mocks.FakeLink{DeviceID: "AA:BB", Service: &mocks.FakeService{
					Chars: []*mocks.FakeCharacteristic{mocks.NewFakeCharacteristic(bodySensorLocation)},
				}}
			},
			want: constants.ErrorCharacteristicMissing,
		},
		{
			name: "discovery fails",
			link: func() *mocks.FakeLink {
				return &mocks.FakeLink{DeviceID: "AA:BB", DiscoverErr: errors.New("att error")}
			},
			want: constants.ErrorTransportFault,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			radio := mocks.NewFakeRadio()
			var link *mocks.FakeLink
			if tt.link != nil {
				link = tt.link()
			}
			radio.AddPeripheral(ble.Advertisement{ID: "AA:BB", Name: "Watch1", HeartRate: true}, link, tt.connectErr)
			g := New(radio, Config{}, zerolog.Nop())

			attempt := g.Connect("AA:BB")
			expectEvent(t, g, models.GatewayConnecting)
			ev := expectEvent(t, g, models.GatewayFailed)
			assert.Equal(t, attempt, ev.Attempt)
			assert.Equal(t, tt.want, ev.Error)
			assert.NotEmpty(t, ev.Detail)
			if link != nil {
				assert.Equal(t, 1, link.Disconnects())
			}
		})
	}
}

func TestGateway_UnknownDeviceIsUnreachable(t *testing.T) {
	g := New(mocks.NewFakeRadio(), Config{}, zerolog.Nop())

	g.Connect("00:00")
	expectEvent(t, g, models.GatewayConnecting)
	assert.Equal(t, constants.ErrorDeviceUnreachable, expectEvent(t, g, models.GatewayFailed).Error)
}

func TestGateway_EnableNotificationsFailure(t *testing.T) {
	radio := mocks.NewFakeRadio()
	link := mocks.NewHeartRateLink("AA:BB")
	link.Service.Chars[0].EnableErr = errors.New("cccd write failed")
	radio.AddPeripheral(ble.Advertisement{ID: "AA:BB", HeartRate: true}, link, nil)
	g := New(radio, Config{}, zerolog.Nop())

	g.Connect("AA:BB")
	expectEvent(t, g, models.GatewayConnecting)
	assert.Equal(t, constants.ErrorTransportFault, expectEvent(t, g, models.GatewayFailed).Error)
	assert.Equal(t, 1, link.Disconnects())
}

func TestGateway_ConnectTimeoutClosesLateLink(t *testing.T) {
	radio, link := watchRadio()
	radio.ConnectDelay = 200 * time.Millisecond
	g := New(radio, Config{ConnectTimeout: 20 * time.Millisecond}, zerolog.Nop())

	g.Connect("AA:BB")
	expectEvent(t, g, models.GatewayConnecting)
	ev := expectEvent(t, g, models.GatewayFailed)
	assert.Equal(t, constants.ErrorDeviceUnreachable, ev.Error)

	assert.Eventually(t, func() bool { return link.Disconnects() == 1 }, eventWait, 10*time.Millisecond)
}

func TestGateway_ConnectSupersedesPendingConnect(t *testing.T) {
	radio, linkA := watchRadio()
	radio.ConnectDelay = 50 * time.Millisecond
	g := New(radio, Config{}, zerolog.Nop())

	first := g.Connect("AA:BB")
	second := g.Connect("CC:DD")
	require.Greater(t, second, first)

	for {
		select {
		case ev := <-g.Events():
			if ev.Kind == models.GatewayConnected {
				require.Equal(t, second, ev.Attempt)
				assert.Equal(t, "CC:DD", ev.Device.ID)
				assert.Eventually(t, func() bool { return !linkA.Connected() }, eventWait, 10*time.Millisecond)
				return
			}
			assert.NotEqual(t, models.GatewayFailed, ev.Kind)
		case <-time.After(eventWait):
			t.Fatal("timed out waiting for the second connection")
		}
	}
}

func TestGateway_ConcurrentDisconnectTearsDownOnce(t *testing.T) {
	radio, link := watchRadio()
	g := New(radio, Config{}, zerolog.Nop())
	connected(t, g, "AA:BB")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		last uint64
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			attempt := g.Disconnect()
			mu.Lock()
			if attempt > last {
				last = attempt
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	for {
		ev := expectEvent(t, g, models.GatewayDisconnected)
		if ev.Attempt == last {
			break
		}
	}
	assert.Equal(t, 1, link.Disconnects())
	assert.False(t, link.Notify([]byte{0x00, 60}))
}

func TestGateway_DisconnectWhenIdle(t *testing.T) {
	g := New(mocks.NewFakeRadio(), Config{}, zerolog.Nop())

	attempt := g.Disconnect()
	assert.Equal(t, attempt, expectEvent(t, g, models.GatewayDisconnected).Attempt)
	attempt = g.Disconnect()
	assert.Equal(t, attempt, expectEvent(t, g, models.GatewayDisconnected).Attempt)
}

func TestGateway_PeerDisconnectUsesSameTeardown(t *testing.T) {
	radio, link := watchRadio()
	g := New(radio, Config{}, zerolog.Nop())
	attempt := connected(t, g, "AA:BB")

	radio.DropLink("AA:BB")
	ev := expectEvent(t, g, models.GatewayPeerDisconnected)
	assert.Equal(t, attempt, ev.Attempt)
	assert.Equal(t, "AA:BB", ev.Device.ID)
	assert.Equal(t, 1, link.Disconnects())

	// a late explicit disconnect finds nothing to release
	g.Disconnect()
	expectEvent(t, g, models.GatewayDisconnected)
	assert.Equal(t, 1, link.Disconnects())

	g.StartScan()
	expectEvent(t, g, models.GatewayScanStarted)
}

func TestGateway_PeerDisconnectOfOtherDeviceIgnored(t *testing.T) {
	radio, link := watchRadio()
	g := New(radio, Config{}, zerolog.Nop())
	connected(t, g, "AA:BB")

	radio.DropLink("CC:DD")
	expectNoEvent(t, g)
	assert.Equal(t, 0, link.Disconnects())
}

func TestGateway_ScanTearsDownActiveLink(t *testing.T) {
	radio, link := watchRadio()
	g := New(radio, Config{}, zerolog.Nop())
	connected(t, g, "AA:BB")

	g.StartScan()
	expectEvent(t, g, models.GatewayScanStarted)
	assert.Equal(t, 1, link.Disconnects())
}

func TestGateway_QuiesceStopsSamples(t *testing.T) {
	radio, link := watchRadio()
	g := New(radio, Config{}, zerolog.Nop())
	connected(t, g, "AA:BB")

	g.Quiesce()
	require.True(t, link.Notify([]byte{0x00, 72}))
	expectNoEvent(t, g)
}

func TestGateway_CloseReleasesLink(t *testing.T) {
	radio, link := watchRadio()
	g := New(radio, Config{}, zerolog.Nop())
	connected(t, g, "AA:BB")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, g.Close(ctx))
	assert.Equal(t, 1, link.Disconnects())
	assert.False(t, link.Connected())
}

func TestGateway_NoOperationRunsAfterClose(t *testing.T) {
	radio, link := watchRadio()
	g := New(radio, Config{}, zerolog.Nop())
	g.StartScan()
	require.Eventually(t, radio.Scanning, time.Second, 5*time.Millisecond)

	require.NoError(t, g.Close(context.Background()))
	g.Connect("AA:BB")
	g.StartScan()
	g.Disconnect()

	assert.Never(t, func() bool {
		return radio.ConnectCalls() > 0 || link.Connected() || radio.Scanning()
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestGateway_FullStreamDropsIncomingSample(t *testing.T) {
	radio, link := watchRadio()
	g := New(radio, Config{EventBuffer: 2}, zerolog.Nop())
	connected(t, g, "AA:BB")

	for _, bpm := range []byte{70, 71, 72} {
		require.True(t, link.Notify([]byte{0x00, bpm}))
	}
	assert.Equal(t, uint64(1), g.DroppedSamples())
	assert.Equal(t, 70, expectEvent(t, g, models.GatewaySample).Sample.BPM)
	assert.Equal(t, 71, expectEvent(t, g, models.GatewaySample).Sample.BPM)
	expectNoEvent(t, g)
}

func TestGateway_CloseReportsDisconnectError(t *testing.T) {
	radio := mocks.NewFakeRadio()
	link := mocks.NewHeartRateLink("AA:BB")
	link.DisconnectErr = errors.New("hci busy")
	radio.AddPeripheral(ble.Advertisement{ID: "AA:BB", HeartRate: true}, link, nil)
	g := New(radio, Config{}, zerolog.Nop())
	connected(t, g, "AA:BB")

	err := g.Close(context.Background())
	assert.ErrorContains(t, err, "hci busy")
}

func TestGateway_EnableFailureIsTransportFault(t *testing.T) {
	radio := mocks.NewFakeRadio()
	radio.EnableErr = errors.New("adapter powered off")
	g := New(radio, Config{}, zerolog.Nop())

	g.StartScan()
	ev := expectEvent(t, g, models.GatewayFailed)
	assert.Equal(t, constants.ErrorTransportFault, ev.Error)
	assert.Contains(t, ev.Detail, "powered off")
}
