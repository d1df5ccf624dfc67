package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/benmeehan/pulselink/internal/constants"
	"github.com/benmeehan/pulselink/internal/hub"
	"github.com/benmeehan/pulselink/internal/models"
	"github.com/benmeehan/pulselink/internal/service_registry"
	"github.com/benmeehan/pulselink/internal/utils"
	"github.com/benmeehan/pulselink/pkg/mqtt"
)

const outboundQueueSize = 64

// BrokerSession is the MQTT session used by the push channel.
type BrokerSession interface {
	Initialize(opts mqtt.ConnectOptions) error
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// SampleSource hands out sample subscriptions.
type SampleSource interface {
	SubscribeSamples(buffer int) *hub.Subscription[models.HeartRateSample]
}

// PushConfig configures the broker session and topics.
type PushConfig struct {
	Broker         string
	ClientID       string
	StatusTopic    string
	DataTopic      string
	QOS            int
	CACertPath     string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

// PushService publishes presence and samples to the broker. Broker trouble
// is logged and never reaches the radio or the HTTP side.
type PushService struct {
	Config  PushConfig
	Session BrokerSession
	Source  SampleSource
	Logger  zerolog.Logger

	pool    *utils.WorkerPool
	sub     *hub.Subscription[models.HeartRateSample]
	skipped atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPushService initializes a new PushService.
func NewPushService(config PushConfig, session BrokerSession, source SampleSource, logger zerolog.Logger) *PushService {
	return &PushService{
		Config:  config,
		Session: session,
		Source:  source,
		Logger:  logger.With().Str("component", "push").Logger(),
	}
}

// Start opens the broker session with the offline last will and begins
// forwarding samples. An unreachable broker leaves the service running and
// returns an error wrapping service_registry.ErrDegraded; the client keeps
// retrying and announces presence once connected.
func (p *PushService) Start() error {
	if p.ctx != nil {
		p.Logger.Warn().Msg("PushService is already running")
		return errors.New("push service is already running")
	}

	p.pool = utils.NewWorkerPool(1, outboundQueueSize)
	err := p.Session.Initialize(mqtt.ConnectOptions{
		Broker:         p.Config.Broker,
		ClientID:       p.Config.ClientID,
		CACertPath:     p.Config.CACertPath,
		KeepAlive:      p.Config.KeepAlive,
		ConnectTimeout: p.Config.ConnectTimeout,
		Will: &mqtt.Will{
			Topic:    p.Config.StatusTopic,
			Payload:  constants.PresenceOffline,
			QOS:      byte(p.Config.QOS),
			Retained: true,
		},
		OnConnect:        p.onConnect,
		OnConnectionLost: p.onConnectionLost,
	})
	var degraded error
	switch {
	case errors.Is(err, mqtt.ErrConnectTimeout):
		p.Logger.Warn().Str("broker", p.Config.Broker).Msg("Broker not reachable yet, retrying in background")
		degraded = fmt.Errorf("broker %s not reachable, retrying in background: %w", p.Config.Broker, service_registry.ErrDegraded)
	case err != nil:
		p.pool.Shutdown()
		p.Session.Disconnect(0)
		return fmt.Errorf("failed to start push channel: %w", err)
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.sub = p.Source.SubscribeSamples(hub.DefaultSubscriberBuffer)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.forwardSamples(p.ctx, p.sub)
	}()

	if degraded != nil {
		return degraded
	}
	p.Logger.Info().Str("topic", p.Config.DataTopic).Msg("PushService started successfully")
	return nil
}

// Stop publishes retained offline within OfflineAnnounceTimeout and closes
// the session. Failures are logged and swallowed.
func (p *PushService) Stop() error {
	if p.ctx == nil {
		p.Logger.Warn().Msg("PushService is not running")
		return errors.New("push service is not running")
	}

	p.cancel()
	p.sub.Close()
	p.wg.Wait()
	p.pool.Shutdown()

	if p.Session.IsConnected() {
		token := p.Session.Publish(p.Config.StatusTopic, byte(p.Config.QOS), true, constants.PresenceOffline)
		if !token.WaitTimeout(constants.OfflineAnnounceTimeout) {
			p.Logger.Warn().Msg("Offline announcement timed out, relying on the last will")
		} else if err := token.Error(); err != nil {
			p.Logger.Warn().Err(err).Msg("Failed to announce offline")
		}
	}
	p.Session.Disconnect(constants.DisconnectQuiesce)

	p.ctx = nil
	p.cancel = nil
	p.Logger.Info().Uint64("skipped_samples", p.skipped.Load()).Msg("PushService stopped successfully")
	return nil
}

// onConnect runs on every (re)connect; the will may have fired meanwhile, so
// presence is announced again.
func (p *PushService) onConnect() {
	p.Logger.Info().Str("broker", p.Config.Broker).Msg("Connected to broker")
	if err := p.pool.Submit(p.announceOnline); err != nil {
		p.Logger.Debug().Err(err).Msg("Online announcement skipped")
	}
}

func (p *PushService) onConnectionLost(err error) {
	p.Logger.Warn().Err(err).Msg("Broker connection lost")
}

func (p *PushService) announceOnline() {
	token := p.Session.Publish(p.Config.StatusTopic, byte(p.Config.QOS), true, constants.PresenceOnline)
	token.Wait()
	if err := token.Error(); err != nil {
		p.Logger.Error().Err(err).Msg("Failed to announce online")
		return
	}
	p.Logger.Debug().Str("topic", p.Config.StatusTopic).Msg("Presence published")
}

func (p *PushService) forwardSamples(ctx context.Context, sub *hub.Subscription[models.HeartRateSample]) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-sub.C():
			if !ok {
				return
			}
			if !p.Session.IsConnected() {
				p.skipped.Add(1)
				continue
			}
			payload, err := json.Marshal(models.NewDataMessage(sample))
			if err != nil {
				p.Logger.Error().Err(err).Msg("Failed to serialize data message")
				continue
			}
			if !p.pool.TrySubmit(func() { p.publishData(payload) }) {
				p.skipped.Add(1)
			}
		}
	}
}

func (p *PushService) publishData(payload []byte) {
	token := p.Session.Publish(p.Config.DataTopic, byte(p.Config.QOS), false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.Logger.Warn().Err(err).Str("topic", p.Config.DataTopic).Msg("Failed to publish sample")
		return
	}
	p.Logger.Debug().Str("topic", p.Config.DataTopic).Msg("Sample published")
}
