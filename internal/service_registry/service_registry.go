package service_registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/benmeehan/pulselink/internal/constants"
	"github.com/benmeehan/pulselink/internal/models"
)

// Service is the interface for all lifecycle-managed services.
type Service interface {
	Start() error
	Stop() error
}

// Stage orders startup. Every distribution service is started, successfully
// or not, before Ready is signalled and acquisition begins.
type Stage int

const (
	StageDistribution Stage = iota
	StageAcquisition
)

func (s Stage) String() string {
	if s == StageAcquisition {
		return "acquisition"
	}
	return "distribution"
}

// ErrDegraded wraps a start error after which the service keeps running in
// an impaired mode. It is reported like any startup failure but the service
// is still stopped at shutdown.
var ErrDegraded = errors.New("running degraded")

// StartupError records a service that failed to start. Distribution failures
// are classified as NetworkStartupFailure and leave the agent degraded.
type StartupError struct {
	Service string
	Kind    constants.ErrorKind
	Err     error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("service %s failed to start: %v", e.Service, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// StatusPublisher receives startup failures for status observers.
type StatusPublisher interface {
	PublishStatus(event models.StatusEvent)
}

type registration struct {
	service Service
	stage   Stage
}

// ServiceRegistry manages the lifecycle of the agent's services.
type ServiceRegistry struct {
	services    map[string]registration // Stores registered services
	serviceKeys []string                // Maintains order of service registration
	status      StatusPublisher
	Logger      zerolog.Logger

	mu        sync.Mutex
	started   []string
	degraded  []*StartupError
	ready     chan struct{}
	readyOnce sync.Once
}

// NewServiceRegistry initializes a new service registry.
func NewServiceRegistry(status StatusPublisher, logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[string]registration),
		status:   status,
		Logger:   logger.With().Str("component", "lifecycle").Logger(),
		ready:    make(chan struct{}),
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc Service, stage Stage) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = registration{service: svc, stage: stage}
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Str("stage", stage.String()).Msgf("Registered service: %s", name)
}

// Ready is closed once every distribution service has been started.
func (sr *ServiceRegistry) Ready() <-chan struct{} {
	return sr.ready
}

// Degraded returns the distribution services that failed to start.
func (sr *ServiceRegistry) Degraded() []*StartupError {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return append([]*StartupError(nil), sr.degraded...)
}

// StartServices starts distribution services, signals Ready, then starts
// acquisition services. A distribution failure is reported and skipped; an
// acquisition failure, degraded or not, stops everything already started.
func (sr *ServiceRegistry) StartServices() error {
	for _, name := range sr.keys(StageDistribution) {
		if err := sr.start(name); err != nil {
			startupErr := &StartupError{Service: name, Kind: constants.ErrorNetworkStartupFailure, Err: err}
			sr.Logger.Error().Err(err).Str("service", name).Msg("Service failed to start, continuing degraded")
			sr.mu.Lock()
			sr.degraded = append(sr.degraded, startupErr)
			sr.mu.Unlock()
			if sr.status != nil {
				sr.status.PublishStatus(models.ErrorStatus(startupErr.Kind, err.Error()))
			}
		}
	}

	sr.readyOnce.Do(func() { close(sr.ready) })
	sr.Logger.Info().Int("degraded", len(sr.Degraded())).Msg("Distribution ready")

	for _, name := range sr.keys(StageAcquisition) {
		if err := sr.start(name); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			// Stop already started services before returning
			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			_ = sr.StopServices()
			return &StartupError{Service: name, Kind: constants.ErrorTransportFault, Err: err}
		}
	}
	return nil
}

func (sr *ServiceRegistry) keys(stage Stage) []string {
	var keys []string
	for _, name := range sr.serviceKeys {
		if sr.services[name].stage == stage {
			keys = append(keys, name)
		}
	}
	return keys
}

func (sr *ServiceRegistry) start(name string) error {
	sr.Logger.Info().Msgf("Starting service: %s", name)
	err := sr.services[name].service.Start()
	if err != nil && !errors.Is(err, ErrDegraded) {
		return err
	}
	sr.mu.Lock()
	sr.started = append(sr.started, name)
	sr.mu.Unlock()
	return err
}

// StopServices stops started services in reverse start order. Every service
// is stopped even when an earlier one fails.
func (sr *ServiceRegistry) StopServices() error {
	sr.mu.Lock()
	started := sr.started
	sr.started = nil
	sr.mu.Unlock()

	var stopErrors []error
	for i := len(started) - 1; i >= 0; i-- {
		name := started[i]
		sr.Logger.Info().Msgf("Stopping service: %s", name)
		if err := sr.stop(name); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// stop shields the remaining shutdown steps from a panicking service.
func (sr *ServiceRegistry) stop(name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sr.services[name].service.Stop()
}
