package agent

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/benmeehan/pulselink/internal/constants"
	"github.com/benmeehan/pulselink/internal/gateway"
	"github.com/benmeehan/pulselink/internal/hub"
	"github.com/benmeehan/pulselink/internal/models"
	"github.com/benmeehan/pulselink/internal/service_registry"
	"github.com/benmeehan/pulselink/internal/services"
	"github.com/benmeehan/pulselink/internal/state_managers"
	"github.com/benmeehan/pulselink/internal/utils"
	"github.com/benmeehan/pulselink/pkg/ble"
	"github.com/benmeehan/pulselink/pkg/file"
	"github.com/benmeehan/pulselink/pkg/identity"
	"github.com/benmeehan/pulselink/pkg/localization"
	"github.com/benmeehan/pulselink/pkg/mqtt"
	"github.com/benmeehan/pulselink/pkg/netinfo"
)

// Service names used by the lifecycle manager.
const (
	PullServiceName        = "pull"
	PushServiceName        = "push"
	AcquisitionServiceName = "acquisition"
)

// Dependencies are the outside-world handles the agent runs on.
type Dependencies struct {
	Radio ble.Radio
	Files file.FileOperations

	// Session overrides the MQTT session, mainly for tests.
	Session services.BrokerSession
	// ShareURL overrides the local share address lookup.
	ShareURL func(port int) (string, error)
}

// Agent owns every component of the process and wires them together.
type Agent struct {
	Config *utils.Config
	Logger zerolog.Logger

	identity  identity.SessionIdentity
	catalog   *localization.Catalog
	viewerURL string
	shareURL  string

	hub         *hub.TelemetryHub
	gateway     *gateway.Gateway
	machine     *state_managers.ConnectionStateManager
	acquisition *services.AcquisitionService
	pull        *services.PullService
	push        *services.PushService
	registry    *service_registry.ServiceRegistry

	statusSub *hub.Subscription[models.StatusEvent]
	wg        sync.WaitGroup
	running   bool
}

// New builds the agent from configuration. Nothing runs until Start.
func New(config *utils.Config, deps Dependencies, logger zerolog.Logger) (*Agent, error) {
	if deps.Radio == nil {
		return nil, errors.New("a BLE radio is required")
	}
	if deps.Files == nil {
		deps.Files = file.NewFileService()
	}
	if deps.ShareURL == nil {
		deps.ShareURL = netinfo.NewResolver().ShareURL
	}

	a := &Agent{Config: config, Logger: logger}

	var err error
	if a.identity, err = resolveIdentity(config.Identity, deps.Files); err != nil {
		return nil, err
	}
	a.Logger = logger.With().Str("user_id", a.identity.UserID).Logger()

	a.catalog = localization.NewCatalog()
	if path := config.Localization.CatalogFile; path != "" {
		if err := a.catalog.Load(path, deps.Files); err != nil {
			a.Logger.Warn().Err(err).Msg("Falling back to the built-in catalog")
		}
	}

	if a.viewerURL, err = a.identity.ViewerURL(config.MQTT.ViewerBaseURL); err != nil {
		return nil, err
	}
	if config.HTTP.Enabled {
		if a.shareURL, err = deps.ShareURL(config.HTTP.Port); err != nil {
			a.Logger.Warn().Err(err).Msg("No shareable address for the local viewer")
		}
	}

	strategy, err := state_managers.NewStrategy(config.BLE.Strategy, config.BLE.TargetDevice)
	if err != nil {
		return nil, err
	}

	a.hub = hub.NewTelemetryHub(a.Logger)
	a.gateway = gateway.New(deps.Radio, gateway.Config{
		NameFilters:    config.BLE.NameFilters,
		ScanTimeout:    config.BLE.ScanTimeout,
		ConnectTimeout: config.BLE.ConnectTimeout,
	}, a.Logger)
	a.machine = state_managers.NewConnectionStateManager(a.gateway, a.hub, state_managers.Options{
		Strategy:       strategy,
		AutoReconnect:  config.BLE.AutoReconnect,
		ReconnectDelay: config.BLE.ReconnectDelay,
	}, a.Logger)
	a.acquisition = services.NewAcquisitionService(a.gateway, a.machine, config.Shutdown.Timeout, a.Logger)

	a.registry = service_registry.NewServiceRegistry(a.hub, a.Logger)
	if config.HTTP.Enabled {
		a.pull = services.NewPullService(services.PullConfig{
			Host:            config.HTTP.Host,
			Port:            config.HTTP.Port,
			FallbackPort:    config.HTTP.FallbackPort,
			PollInterval:    config.HTTP.PollInterval,
			EnableControl:   config.HTTP.EnableControl,
			ShutdownTimeout: config.Shutdown.Timeout,
			UserID:          a.identity.UserID,
			ViewerURL:       a.viewerURL,
			ShareURL:        a.shareURL,
		}, a.hub, a.acquisition, a.catalog, a.Logger)
		a.registry.RegisterService(PullServiceName, a.pull, service_registry.StageDistribution)
	}
	if config.MQTT.Enabled {
		session := deps.Session
		if session == nil {
			session = mqtt.NewMqttService(deps.Files)
		}
		a.push = services.NewPushService(services.PushConfig{
			Broker:         config.MQTT.Broker,
			ClientID:       a.identity.ClientID(config.MQTT.ClientIDPrefix),
			StatusTopic:    a.identity.Topic(config.MQTT.Namespace, constants.StatusTopicSuffix),
			DataTopic:      a.identity.Topic(config.MQTT.Namespace, constants.DataTopicSuffix),
			QOS:            config.MQTT.QOS,
			CACertPath:     config.MQTT.CACertificate,
			ConnectTimeout: config.MQTT.ConnectTimeout,
			KeepAlive:      config.MQTT.KeepAlive,
		}, session, a.hub, a.Logger)
		a.registry.RegisterService(PushServiceName, a.push, service_registry.StageDistribution)
	}
	a.registry.RegisterService(AcquisitionServiceName, a.acquisition, service_registry.StageAcquisition)

	return a, nil
}

func resolveIdentity(cfg utils.IdentityConfig, files file.FileOperations) (identity.SessionIdentity, error) {
	switch {
	case cfg.UserID != "":
		id, err := identity.Parse(cfg.UserID)
		if err != nil {
			return identity.SessionIdentity{}, fmt.Errorf("identity.user_id: %w", err)
		}
		return id, nil
	case cfg.File != "":
		return identity.LoadOrCreate(cfg.File, files)
	}
	return identity.New(), nil
}

// Start runs the hub, the delivery channels and then BLE acquisition.
// Delivery channel failures leave the agent running degraded.
func (a *Agent) Start() error {
	if a.running {
		return errors.New("agent is already running")
	}
	if err := a.hub.Start(); err != nil {
		return fmt.Errorf("failed to start telemetry hub: %w", err)
	}

	a.statusSub = a.hub.SubscribeStatus(hub.DefaultSubscriberBuffer)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logStatus(a.statusSub)
	}()

	if err := a.registry.StartServices(); err != nil {
		a.statusSub.Close()
		_ = a.hub.Stop()
		a.wg.Wait()
		return err
	}
	a.running = true

	a.Logger.Info().
		Str("viewer_url", a.viewerURL).
		Str("share_url", a.shareURL).
		Str("language", a.catalog.Language()).
		Msg("PulseLink agent started")
	return nil
}

// Stop releases BLE, announces offline and closes the listeners, in that
// order. Every step runs even when an earlier one fails.
func (a *Agent) Stop() error {
	if !a.running {
		return errors.New("agent is not running")
	}
	a.running = false

	err := a.registry.StopServices()
	a.statusSub.Close()
	if hubErr := a.hub.Stop(); hubErr != nil {
		err = errors.Join(err, hubErr)
	}
	a.wg.Wait()

	a.Logger.Info().Msg("PulseLink agent stopped")
	return err
}

func (a *Agent) logStatus(sub *hub.Subscription[models.StatusEvent]) {
	for event := range sub.C() {
		text := services.EventText(a.catalog, event)
		switch event.Kind {
		case models.StatusError:
			a.Logger.Warn().Str("error", string(event.Error)).Msg(text)
		case models.StatusStateChanged:
			if event.State.Phase == constants.PhaseError {
				a.Logger.Warn().Str("state", string(event.State.Phase)).Str("error", string(event.State.Reason)).Msg(text)
				continue
			}
			a.Logger.Info().Str("state", string(event.State.Phase)).Str("device_id", event.State.Device.ID).Msg(text)
		default:
			a.Logger.Info().Str("device_id", event.Device.ID).Msg(text)
		}
	}
}

// Ready is closed once the delivery channels have been started.
func (a *Agent) Ready() <-chan struct{} {
	return a.registry.Ready()
}

// Degraded lists the delivery channels that failed to start.
func (a *Agent) Degraded() []*service_registry.StartupError {
	return a.registry.Degraded()
}

// Identity returns the session identity.
func (a *Agent) Identity() identity.SessionIdentity {
	return a.identity
}

// ViewerURL is the static viewer link for this session.
func (a *Agent) ViewerURL() string {
	return a.viewerURL
}

// ShareURL is the local viewer address reachable from other devices, if any.
func (a *Agent) ShareURL() string {
	return a.shareURL
}

// HTTPAddrs returns the bound pull channel addresses.
func (a *Agent) HTTPAddrs() []net.Addr {
	if a.pull == nil {
		return nil
	}
	return a.pull.Addrs()
}

// CurrentBPM returns the latest bpm, 0 when there is no data.
func (a *Agent) CurrentBPM() int {
	return a.hub.CurrentBPM()
}

// State returns the current connection state.
func (a *Agent) State() models.ConnectionState {
	return a.acquisition.State()
}

// SubscribeStatus opens a status event stream for an external observer.
func (a *Agent) SubscribeStatus(buffer int) *hub.Subscription[models.StatusEvent] {
	return a.hub.SubscribeStatus(buffer)
}

// Devices returns the peripherals seen by the current scan.
func (a *Agent) Devices() []models.DeviceDescriptor {
	return a.acquisition.Devices()
}

// StartScan begins a new discovery session.
func (a *Agent) StartScan() error {
	return a.acquisition.StartScan()
}

// Connect connects to a discovered device.
func (a *Agent) Connect(deviceID string) error {
	return a.acquisition.Connect(deviceID)
}

// Disconnect releases the BLE link.
func (a *Agent) Disconnect() error {
	return a.acquisition.Disconnect()
}

// Acknowledge clears a surfaced connection error.
func (a *Agent) Acknowledge() error {
	return a.acquisition.Acknowledge()
}
