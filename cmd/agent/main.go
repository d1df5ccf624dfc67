package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"tinygo.org/x/bluetooth"

	"github.com/benmeehan/pulselink/internal/agent"
	"github.com/benmeehan/pulselink/internal/utils"
	"github.com/benmeehan/pulselink/pkg/ble"
	"github.com/benmeehan/pulselink/pkg/file"
)

var (
	configPath  string
	logLevel    string
	strategy    string
	targetFlag  string
	prettyLogs  bool
	fileService = file.NewFileService()
)

// rootCmd runs the agent until interrupted.
var rootCmd = &cobra.Command{
	Use:   "pulselink",
	Short: "Relay BLE heart rate to HTTP and MQTT",
	Long: `PulseLink connects to a Bluetooth Low Energy heart rate sensor and
serves the live bpm on a local HTTP endpoint and viewer, and publishes it to
an MQTT broker under a per-session topic.`,
	SilenceUsage: true,
	RunE:         runAgent,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "Path to the YAML configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&prettyLogs, "pretty", false, "Human readable console logs")
	rootCmd.Flags().StringVar(&strategy, "strategy", "", "Override ble.strategy (manual, auto_first, target)")
	rootCmd.Flags().StringVar(&targetFlag, "target", "", "Override ble.target_device")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration file and applies the global flags.
func loadConfig() (*utils.Config, error) {
	config, err := utils.LoadConfig(configPath, fileService)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}
	if prettyLogs {
		config.Logging.Pretty = true
	}
	if strategy != "" {
		config.BLE.Strategy = strategy
	}
	if targetFlag != "" {
		config.BLE.TargetDevice = targetFlag
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// newLogger writes JSON to stdout, or colored console output when pretty
// logging is enabled.
func newLogger(config *utils.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(config.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	if config.Logging.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
			Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}

func newRadio() ble.Radio {
	return ble.NewTinyGoRadio(bluetooth.DefaultAdapter)
}

func runAgent(cmd *cobra.Command, args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(config)

	a, err := agent.New(config, agent.Dependencies{Radio: newRadio(), Files: fileService}, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build agent")
		return err
	}
	if err := a.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start agent")
		return err
	}
	log.Info().Str("user_id", a.Identity().UserID).Str("viewer_url", a.ViewerURL()).Msg("All services started successfully")

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh
	signal.Stop(stopCh)

	log.Info().Msg("Shutting down gracefully...")
	if err := a.Stop(); err != nil {
		log.Warn().Err(err).Msg("Shutdown finished with errors")
	}
	return nil
}
