package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/benmeehan/pulselink/pkg/file"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient defines the interface for an MQTT client.
type MQTTClient interface {
	Connect() mqtt.Token
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// DefaultConnectTimeout bounds the first connect when ConnectOptions leaves
// ConnectTimeout unset. With connect retry enabled the token only completes
// once the broker answers.
const DefaultConnectTimeout = 10 * time.Second

// ErrConnectTimeout is returned by Initialize when the broker does not answer
// in time. The client keeps retrying in the background.
var ErrConnectTimeout = errors.New("timed out connecting to MQTT broker")

// Will is the last will registered with the broker at connect time.
type Will struct {
	Topic    string
	Payload  string
	QOS      byte
	Retained bool
}

// ConnectOptions configures the broker session.
type ConnectOptions struct {
	Broker         string // tcp://, ssl://, ws:// or wss:// URL
	ClientID       string
	CACertPath     string // optional PEM bundle for TLS brokers
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	Will           *Will

	// OnConnect runs after every successful (re)connect.
	OnConnect func()
	// OnConnectionLost runs when an established session drops.
	OnConnectionLost func(err error)
}

// MqttService provides methods for MQTT operations.
type MqttService struct {
	client     MQTTClient
	fileClient file.FileOperations
	newClient  func(opts *mqtt.ClientOptions) MQTTClient
}

// NewMqttService creates a new MqttService instance.
func NewMqttService(fileClient file.FileOperations) *MqttService {
	return &MqttService{
		fileClient: fileClient,
		newClient: func(opts *mqtt.ClientOptions) MQTTClient {
			return mqtt.NewClient(opts)
		},
	}
}

// Initialize creates the client and starts the connection. It waits at most
// ConnectTimeout for the first connect; on timeout the client is kept and
// ErrConnectTimeout is returned.
func (s *MqttService) Initialize(opts ConnectOptions) error {
	clientOpts, err := s.clientOptions(opts)
	if err != nil {
		return err
	}

	// Create and assign the MQTT client to the service
	s.client = s.newClient(clientOpts)

	token := s.Connect()
	if !token.WaitTimeout(connectTimeout(opts)) {
		return ErrConnectTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", opts.Broker, err)
	}
	return nil
}

func (s *MqttService) clientOptions(opts ConnectOptions) (*mqtt.ClientOptions, error) {
	if opts.Broker == "" {
		return nil, errors.New("MQTT broker URL is empty")
	}
	if opts.ClientID == "" {
		return nil, errors.New("MQTT client ID is empty")
	}

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetCleanSession(true)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectRetry(true)
	clientOpts.SetOrderMatters(true)
	if opts.KeepAlive > 0 {
		clientOpts.SetKeepAlive(opts.KeepAlive)
	}
	clientOpts.SetConnectTimeout(connectTimeout(opts))

	if opts.CACertPath != "" {
		caCert, err := s.fileClient.ReadFileRaw(opts.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		// Create a CA certificate pool and append the CA certificate to it
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to append CA certificate")
		}
		clientOpts.SetTLSConfig(&tls.Config{RootCAs: caCertPool, MinVersion: tls.VersionTLS12})
	}

	if opts.Will != nil {
		clientOpts.SetWill(opts.Will.Topic, opts.Will.Payload, opts.Will.QOS, opts.Will.Retained)
	}
	if opts.OnConnect != nil {
		onConnect := opts.OnConnect
		clientOpts.SetOnConnectHandler(func(mqtt.Client) { onConnect() })
	}
	if opts.OnConnectionLost != nil {
		onLost := opts.OnConnectionLost
		clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { onLost(err) })
	}
	return clientOpts, nil
}

func connectTimeout(opts ConnectOptions) time.Duration {
	if opts.ConnectTimeout > 0 {
		return opts.ConnectTimeout
	}
	return DefaultConnectTimeout
}

// Connect connects to the MQTT broker.
func (s *MqttService) Connect() mqtt.Token {
	return s.client.Connect()
}

// IsConnected reports whether the session is currently up.
func (s *MqttService) IsConnected() bool {
	return s.client != nil && s.client.IsConnected()
}

// Publish sends a message to the specified topic.
func (s *MqttService) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return s.client.Publish(topic, qos, retained, payload)
}

// Disconnect gracefully disconnects the MQTT client.
func (s *MqttService) Disconnect(quiesce uint) {
	if s.client == nil {
		return
	}
	s.client.Disconnect(quiesce)
}
