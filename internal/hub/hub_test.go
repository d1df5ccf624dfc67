package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/pulselink/internal/constants"
	"github.com/benmeehan/pulselink/internal/models"
)

func startHub(t *testing.T) *TelemetryHub {
	t.Helper()
	h := NewTelemetryHub(zerolog.Nop())
	require.NoError(t, h.Start())
	t.Cleanup(func() { _ = h.Stop() })
	return h
}

func connectedState() models.StatusEvent {
	return models.StateChanged(models.ConnectionState{
		Phase:  constants.PhaseConnected,
		Device: models.DeviceDescriptor{Name: "Watch1", ID: "AA:BB"},
	})
}

func TestTelemetryHub_NoDataIsZero(t *testing.T) {
	h := startHub(t)

	assert.Equal(t, 0, h.CurrentBPM())
	_, ok := h.Latest()
	assert.False(t, ok)
	assert.Equal(t, constants.PhaseIdle, h.State().Phase)
}

func TestTelemetryHub_LastWriteWins(t *testing.T) {
	h := startHub(t)
	h.PublishStatus(connectedState())

	for _, bpm := range []int{60, 61, 72} {
		h.PublishSample(models.HeartRateSample{BPM: bpm, ObservedAt: time.Now()})
	}
	assert.Eventually(t, func() bool { return h.CurrentBPM() == 72 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.State().IsConnected())
}

func TestTelemetryHub_ConcurrentReadersNeverGoBack(t *testing.T) {
	h := startHub(t)
	h.PublishStatus(connectedState())

	const last = 500
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen := 0
			for {
				select {
				case <-stop:
					return
				default:
				}
				bpm := h.CurrentBPM()
				if bpm < seen || bpm > last {
					t.Errorf("read %d after %d", bpm, seen)
					return
				}
				seen = bpm
			}
		}()
	}

	for bpm := 1; bpm <= last; bpm++ {
		h.PublishSample(models.HeartRateSample{BPM: bpm, ObservedAt: time.Now()})
	}
	require.Eventually(t, func() bool { return h.CurrentBPM() == last }, time.Second, time.Millisecond)
	close(stop)
	wg.Wait()

	sample, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, last, sample.BPM)
}

func TestTelemetryHub_LeavingConnectedClearsCache(t *testing.T) {
	h := startHub(t)
	h.PublishStatus(connectedState())
	h.PublishSample(models.HeartRateSample{BPM: 80})
	require.Eventually(t, func() bool { return h.CurrentBPM() == 80 }, time.Second, 5*time.Millisecond)

	h.PublishStatus(models.StateChanged(models.IdleState()))
	assert.Eventually(t, func() bool { return h.CurrentBPM() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, constants.PhaseIdle, h.State().Phase)
}

func TestTelemetryHub_SubscribersSeeSamplesInOrder(t *testing.T) {
	h := startHub(t)
	first := h.SubscribeSamples(10)
	second := h.SubscribeSamples(10)
	defer first.Close()
	defer second.Close()

	for bpm := 1; bpm <= 5; bpm++ {
		h.PublishSample(models.HeartRateSample{BPM: bpm})
	}

	for _, sub := range []*Subscription[models.HeartRateSample]{first, second} {
		for want := 1; want <= 5; want++ {
			select {
			case sample := <-sub.C():
				assert.Equal(t, want, sample.BPM)
			case <-time.After(time.Second):
				t.Fatal("sample not delivered")
			}
		}
	}
}

func TestTelemetryHub_SlowSubscriberSkipsOldest(t *testing.T) {
	h := startHub(t)
	slow := h.SubscribeSamples(2)
	defer slow.Close()
	fast := h.SubscribeSamples(16)
	defer fast.Close()

	for bpm := 1; bpm <= 10; bpm++ {
		h.PublishSample(models.HeartRateSample{BPM: bpm})
	}
	for want := 1; want <= 10; want++ {
		select {
		case sample := <-fast.C():
			require.Equal(t, want, sample.BPM)
		case <-time.After(time.Second):
			t.Fatal("fast subscriber starved")
		}
	}

	require.Eventually(t, func() bool { return h.droppedSamples.Load() == 8 }, time.Second, 5*time.Millisecond)
	got := []int{(<-slow.C()).BPM, (<-slow.C()).BPM}
	assert.Equal(t, []int{9, 10}, got)
}

func TestTelemetryHub_StatusFanOut(t *testing.T) {
	h := startHub(t)
	sub := h.SubscribeStatus(0)
	defer sub.Close()

	device := models.DeviceDescriptor{Name: "Watch1", ID: "AA:BB"}
	h.PublishStatus(models.Discovered(device))
	h.PublishStatus(models.ErrorStatus(constants.ErrorNetworkStartupFailure, "bind failed"))

	ev := <-sub.C()
	assert.Equal(t, models.StatusDiscovered, ev.Kind)
	assert.Equal(t, device, ev.Device)
	ev = <-sub.C()
	assert.Equal(t, models.StatusError, ev.Kind)
	assert.Equal(t, constants.ErrorNetworkStartupFailure, ev.Error)
}

func TestTelemetryHub_CloseAndStopCloseChannels(t *testing.T) {
	h := NewTelemetryHub(zerolog.Nop())
	require.NoError(t, h.Start())
	assert.ErrorIs(t, h.Start(), ErrAlreadyRunning)

	closedEarly := h.SubscribeSamples(1)
	closedEarly.Close()
	closedEarly.Close()
	_, open := <-closedEarly.C()
	assert.False(t, open)

	status := h.SubscribeStatus(1)
	require.NoError(t, h.Stop())
	_, open = <-status.C()
	assert.False(t, open)
	status.Close()

	late := h.SubscribeSamples(1)
	_, open = <-late.C()
	assert.False(t, open)

	// publishing to a stopped hub must not block
	done := make(chan struct{})
	go func() {
		h.PublishSample(models.HeartRateSample{BPM: 1})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stopped hub")
	}
	assert.ErrorIs(t, h.Stop(), ErrNotRunning)
}
