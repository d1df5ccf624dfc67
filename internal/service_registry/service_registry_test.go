package service_registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/pulselink/internal/constants"
	"github.com/benmeehan/pulselink/internal/models"
)

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeService struct {
	name     string
	journal  *journal
	startErr error
	stopErr  error
	panics   bool
	onStart  func()
}

func (f *fakeService) Start() error {
	if f.onStart != nil {
		f.onStart()
	}
	f.journal.add("start " + f.name)
	return f.startErr
}

func (f *fakeService) Stop() error {
	f.journal.add("stop " + f.name)
	if f.panics {
		panic("stop exploded")
	}
	return f.stopErr
}

type statusRecorder struct {
	mu     sync.Mutex
	events []models.StatusEvent
}

func (r *statusRecorder) PublishStatus(event models.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func TestServiceRegistry_StartsDistributionBeforeReady(t *testing.T) {
	j := &journal{}
	sr := NewServiceRegistry(nil, zerolog.Nop())

	ble := &fakeService{name: "acquisition", journal: j}
	ble.onStart = func() {
		select {
		case <-sr.Ready():
			j.add("ready")
		default:
		}
	}
	sr.RegisterService("acquisition", ble, StageAcquisition)
	sr.RegisterService("pull", &fakeService{name: "pull", journal: j}, StageDistribution)
	sr.RegisterService("push", &fakeService{name: "push", journal: j}, StageDistribution)

	require.NoError(t, sr.StartServices())
	assert.Equal(t, []string{"start pull", "start push", "ready", "start acquisition"}, j.Entries())

	require.NoError(t, sr.StopServices())
	assert.Equal(t, []string{"stop acquisition", "stop push", "stop pull"}, j.Entries()[4:])
}

func TestServiceRegistry_DistributionFailureDegrades(t *testing.T) {
	j := &journal{}
	status := &statusRecorder{}
	sr := NewServiceRegistry(status, zerolog.Nop())
	sr.RegisterService("pull", &fakeService{name: "pull", journal: j, startErr: errors.New("address already in use")}, StageDistribution)
	sr.RegisterService("push", &fakeService{name: "push", journal: j}, StageDistribution)
	sr.RegisterService("acquisition", &fakeService{name: "acquisition", journal: j}, StageAcquisition)

	require.NoError(t, sr.StartServices())

	degraded := sr.Degraded()
	require.Len(t, degraded, 1)
	assert.Equal(t, "pull", degraded[0].Service)
	assert.Equal(t, constants.ErrorNetworkStartupFailure, degraded[0].Kind)
	assert.ErrorContains(t, degraded[0], "address already in use")

	require.Len(t, status.events, 1)
	assert.Equal(t, models.StatusError, status.events[0].Kind)
	assert.Equal(t, constants.ErrorNetworkStartupFailure, status.events[0].Error)

	require.NoError(t, sr.StopServices())
	assert.NotContains(t, j.Entries(), "stop pull")
	assert.Contains(t, j.Entries(), "start acquisition")
}

func TestServiceRegistry_DegradedServiceIsReportedAndStopped(t *testing.T) {
	j := &journal{}
	status := &statusRecorder{}
	sr := NewServiceRegistry(status, zerolog.Nop())
	brokerDown := fmt.Errorf("broker not reachable, retrying: %w", ErrDegraded)
	sr.RegisterService("push", &fakeService{name: "push", journal: j, startErr: brokerDown}, StageDistribution)
	sr.RegisterService("acquisition", &fakeService{name: "acquisition", journal: j}, StageAcquisition)

	require.NoError(t, sr.StartServices())

	degraded := sr.Degraded()
	require.Len(t, degraded, 1)
	assert.Equal(t, "push", degraded[0].Service)
	assert.Equal(t, constants.ErrorNetworkStartupFailure, degraded[0].Kind)
	assert.ErrorIs(t, degraded[0], ErrDegraded)
	require.Len(t, status.events, 1)
	assert.Equal(t, constants.ErrorNetworkStartupFailure, status.events[0].Error)

	require.NoError(t, sr.StopServices())
	assert.Equal(t, []string{"start push", "start acquisition", "stop acquisition", "stop push"}, j.Entries())
}

func TestServiceRegistry_AcquisitionFailureStopsEverything(t *testing.T) {
	j := &journal{}
	sr := NewServiceRegistry(nil, zerolog.Nop())
	sr.RegisterService("pull", &fakeService{name: "pull", journal: j}, StageDistribution)
	sr.RegisterService("acquisition", &fakeService{name: "acquisition", journal: j, startErr: errors.New("adapter missing")}, StageAcquisition)

	err := sr.StartServices()
	var startupErr *StartupError
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, "acquisition", startupErr.Service)
	assert.Equal(t, []string{"start pull", "start acquisition", "stop pull"}, j.Entries())
}

func TestServiceRegistry_StopStepsAreIndependent(t *testing.T) {
	j := &journal{}
	sr := NewServiceRegistry(nil, zerolog.Nop())
	sr.RegisterService("pull", &fakeService{name: "pull", journal: j}, StageDistribution)
	sr.RegisterService("push", &fakeService{name: "push", journal: j, panics: true}, StageDistribution)
	sr.RegisterService("acquisition", &fakeService{name: "acquisition", journal: j, stopErr: errors.New("link busy")}, StageAcquisition)
	require.NoError(t, sr.StartServices())

	err := sr.StopServices()
	assert.ErrorContains(t, err, "failed to stop acquisition: link busy")
	assert.ErrorContains(t, err, "failed to stop push: panic: stop exploded")
	assert.Equal(t, []string{"stop acquisition", "stop push", "stop pull"}, j.Entries()[3:])

	assert.NoError(t, sr.StopServices(), "a second stop has nothing left to stop")
}

func TestServiceRegistry_DuplicateRegistrationIgnored(t *testing.T) {
	j := &journal{}
	sr := NewServiceRegistry(nil, zerolog.Nop())
	sr.RegisterService("pull", &fakeService{name: "first", journal: j}, StageDistribution)
	sr.RegisterService("pull", &fakeService{name: "second", journal: j}, StageDistribution)

	require.NoError(t, sr.StartServices())
	assert.Equal(t, []string{"start first"}, j.Entries())
}
