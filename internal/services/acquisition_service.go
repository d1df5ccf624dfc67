package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/pulselink/internal/models"
)

// DeviceGateway is the part of the gateway owned by the acquisition service.
type DeviceGateway interface {
	Devices() []models.DeviceDescriptor
	Quiesce()
	Close(ctx context.Context) error
}

// StateMachine is the connection state machine driven by user commands.
type StateMachine interface {
	Start() error
	Stop() error
	State() models.ConnectionState
	StartScan() error
	Connect(deviceID string) error
	Disconnect() error
	Acknowledge() error
}

// AcquisitionService runs BLE acquisition and exposes its commands.
type AcquisitionService struct {
	Gateway         DeviceGateway
	Machine         StateMachine
	ShutdownTimeout time.Duration
	Logger          zerolog.Logger
}

// NewAcquisitionService initializes a new AcquisitionService.
func NewAcquisitionService(gateway DeviceGateway, machine StateMachine, shutdownTimeout time.Duration,
	logger zerolog.Logger) *AcquisitionService {

	if shutdownTimeout <= 0 {
		shutdownTimeout = 3 * time.Second
	}
	return &AcquisitionService{
		Gateway:         gateway,
		Machine:         machine,
		ShutdownTimeout: shutdownTimeout,
		Logger:          logger.With().Str("component", "acquisition").Logger(),
	}
}

// Start begins consuming gateway events, scanning at once when the strategy
// asks for it.
func (a *AcquisitionService) Start() error {
	if err := a.Machine.Start(); err != nil {
		return fmt.Errorf("failed to start connection state machine: %w", err)
	}
	a.Logger.Info().Msg("AcquisitionService started successfully")
	return nil
}

// Stop mutes notifications, releases the link and ends the state machine.
// Each step runs even when an earlier one fails.
func (a *AcquisitionService) Stop() error {
	a.Gateway.Quiesce()

	ctx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Gateway.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to release BLE link: %w", err))
	}
	if err := a.Machine.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop connection state machine: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.Logger.Info().Msg("AcquisitionService stopped successfully")
	return nil
}

// State returns the current connection state.
func (a *AcquisitionService) State() models.ConnectionState {
	return a.Machine.State()
}

// Devices returns the peripherals seen by the current scan.
func (a *AcquisitionService) Devices() []models.DeviceDescriptor {
	return a.Gateway.Devices()
}

// StartScan begins a new discovery session.
func (a *AcquisitionService) StartScan() error {
	return a.Machine.StartScan()
}

// Connect connects to a discovered device.
func (a *AcquisitionService) Connect(deviceID string) error {
	return a.Machine.Connect(deviceID)
}

// Disconnect releases the link. Repeated calls are no-ops.
func (a *AcquisitionService) Disconnect() error {
	return a.Machine.Disconnect()
}

// Acknowledge clears a surfaced error.
func (a *AcquisitionService) Acknowledge() error {
	return a.Machine.Acknowledge()
}
