package utils

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/pulselink/pkg/file"
)

// Config represents the structure of the configuration file.
type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	Identity     IdentityConfig     `yaml:"identity"`
	BLE          BLEConfig          `yaml:"ble"`
	HTTP         HTTPConfig         `yaml:"http"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Localization LocalizationConfig `yaml:"localization"`
	Shutdown     ShutdownConfig     `yaml:"shutdown"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // zerolog level name
	Pretty bool   `yaml:"pretty"` // console output instead of JSON
}

type IdentityConfig struct {
	UserID string `yaml:"user_id"` // fixed 8 hex character ID, generated when empty
	File   string `yaml:"file"`    // optional file keeping the generated ID across restarts
}

type BLEConfig struct {
	Strategy       string        `yaml:"strategy"`        // manual, auto_first or target
	TargetDevice   string        `yaml:"target_device"`   // device ID or name for the target strategy
	NameFilters    []string      `yaml:"name_filters"`    // accept devices by name even without the service advert
	ScanTimeout    time.Duration `yaml:"scan_timeout"`    // 0 scans until a device is chosen
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // bound on a single connection attempt
	AutoReconnect  bool          `yaml:"auto_reconnect"`  // reconnect after the device drops the link
	ReconnectDelay time.Duration `yaml:"reconnect_delay"` // wait before each reconnect attempt
}

type HTTPConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Host          string        `yaml:"host"`           // bind address, all interfaces when empty
	Port          int           `yaml:"port"`           // served on Host
	FallbackPort  int           `yaml:"fallback_port"`  // served on loopback only, 0 disables
	PollInterval  time.Duration `yaml:"poll_interval"`  // viewer refresh interval
	EnableControl bool          `yaml:"enable_control"` // expose scan/connect/disconnect endpoints
}

type MQTTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`           // MQTT broker address
	Namespace      string        `yaml:"namespace"`        // first topic level
	ClientIDPrefix string        `yaml:"client_id_prefix"` // client ID is prefix + user ID
	QOS            int           `yaml:"qos"`              // MQTT QoS level for all messages
	CACertificate  string        `yaml:"ca_certificate"`   // Path to the CA certificate
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ViewerBaseURL  string        `yaml:"viewer_base_url"` // static viewer the share link points to
}

type LocalizationConfig struct {
	CatalogFile string `yaml:"catalog_file"` // optional YAML translation
}

type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"` // bound on each shutdown step
}

// DefaultConfig returns the settings used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		BLE: BLEConfig{
			Strategy:       "auto_first",
			ConnectTimeout: 20 * time.Second,
			AutoReconnect:  true,
			ReconnectDelay: 3 * time.Second,
		},
		HTTP: HTTPConfig{
			Enabled:       true,
			Port:          8999,
			FallbackPort:  8998,
			PollInterval:  time.Second,
			EnableControl: true,
		},
		MQTT: MQTTConfig{
			Enabled:        true,
			Broker:         "wss://broker.emqx.io:8084/mqtt",
			Namespace:      "pulselink",
			ClientIDPrefix: "PulseLink_",
			QOS:            0,
			ConnectTimeout: 10 * time.Second,
			KeepAlive:      30 * time.Second,
			ViewerBaseURL:  "https://sun-angel2.github.io/HeartRater/",
		},
		Shutdown: ShutdownConfig{Timeout: 3 * time.Second},
	}
}

// LoadConfig loads the YAML configuration from the specified file on top of
// DefaultConfig. An empty filename or a missing file yields the defaults.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	config := DefaultConfig()
	if filename == "" {
		return config, nil
	}

	exists, err := fileClient.IsFileExists(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to check config file: %w", err)
	}
	if !exists {
		return config, nil
	}

	// Use the ReadYamlFile method from fileClient
	if err := fileClient.ReadYamlFile(filename, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	config.BLE.NameFilters = uniqueFilters(config.BLE.NameFilters)
	return config, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	switch c.BLE.Strategy {
	case "manual", "auto_first":
	case "target":
		if strings.TrimSpace(c.BLE.TargetDevice) == "" {
			errs = append(errs, errors.New("ble.target_device is required for the target strategy"))
		}
	default:
		errs = append(errs, fmt.Errorf("ble.strategy: unknown strategy %q", c.BLE.Strategy))
	}
	for name, d := range map[string]time.Duration{
		"ble.scan_timeout":     c.BLE.ScanTimeout,
		"ble.connect_timeout":  c.BLE.ConnectTimeout,
		"ble.reconnect_delay":  c.BLE.ReconnectDelay,
		"http.poll_interval":   c.HTTP.PollInterval,
		"mqtt.connect_timeout": c.MQTT.ConnectTimeout,
		"mqtt.keep_alive":      c.MQTT.KeepAlive,
		"shutdown.timeout":     c.Shutdown.Timeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	if c.HTTP.Enabled {
		if !validPort(c.HTTP.Port) {
			errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
		}
		if c.HTTP.FallbackPort != 0 && !validPort(c.HTTP.FallbackPort) {
			errs = append(errs, fmt.Errorf("http.fallback_port %d out of range", c.HTTP.FallbackPort))
		}
		if c.HTTP.FallbackPort == c.HTTP.Port {
			errs = append(errs, errors.New("http.fallback_port must differ from http.port"))
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.ConnectTimeout == 0 {
			errs = append(errs, errors.New("mqtt.connect_timeout must be positive"))
		}
		if c.MQTT.QOS < 0 || c.MQTT.QOS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", c.MQTT.QOS))
		}
		if u, err := url.Parse(c.MQTT.Broker); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("mqtt.broker %q is not a broker URL", c.MQTT.Broker))
		}
		if strings.Trim(c.MQTT.Namespace, "/") == "" || strings.ContainsAny(c.MQTT.Namespace, "+#") {
			errs = append(errs, fmt.Errorf("mqtt.namespace %q is not a valid topic level", c.MQTT.Namespace))
		}
		if _, err := url.Parse(c.MQTT.ViewerBaseURL); err != nil {
			errs = append(errs, fmt.Errorf("mqtt.viewer_base_url: %w", err))
		}
	}

	return errors.Join(errs...)
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

// uniqueFilters lower-cases name filters and drops blanks and duplicates.
func uniqueFilters(filters []string) []string {
	normalized := make([]string, 0, len(filters))
	for _, f := range filters {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			normalized = append(normalized, f)
		}
	}
	set := SliceToSet(normalized)
	unique := make([]string, 0, len(set))
	for _, f := range normalized {
		if _, ok := set[f]; ok {
			unique = append(unique, f)
			delete(set, f)
		}
	}
	return unique
}
