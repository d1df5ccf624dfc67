package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/benmeehan/pulselink/internal/gateway"
	"github.com/benmeehan/pulselink/internal/models"
)

// scanCmd lists nearby heart rate peripherals.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List nearby heart rate devices",
	Long: `Scan for Bluetooth Low Energy peripherals that advertise the heart rate
service, or whose name matches ble.name_filters, and print them. The IDs can be
used as ble.target_device.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be table or json", scanFormat)
	}
	if scanDuration <= 0 {
		return fmt.Errorf("scan duration must be positive")
	}
	config, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(config)

	gw := gateway.New(newRadio(), gateway.Config{
		NameFilters: config.BLE.NameFilters,
		ScanTimeout: scanDuration,
	}, log)
	gw.StartScan()

	// Handle interrupts gracefully
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	var scanErr error
wait:
	for {
		select {
		case ev := <-gw.Events():
			switch ev.Kind {
			case models.GatewayDiscovered:
				log.Debug().Str("device_id", ev.Device.ID).Str("name", ev.Device.Name).Msg("Discovered")
			case models.GatewayScanStopped:
				break wait
			case models.GatewayFailed:
				scanErr = fmt.Errorf("scan failed: %s: %s", ev.Error, ev.Detail)
				break wait
			}
		case <-interrupt:
			fmt.Fprintln(os.Stderr, "Scan interrupted by user")
			break wait
		}
	}

	devices := gw.Devices()
	closeCtx, cancel := contextWithTimeout(config.Shutdown.Timeout)
	defer cancel()
	if err := gw.Close(closeCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to release the radio")
	}
	if scanErr != nil {
		return scanErr
	}
	return printDevices(cmd, devices)
}

func printDevices(cmd *cobra.Command, devices []models.DeviceDescriptor) error {
	out := cmd.OutOrStdout()
	if scanFormat == "json" {
		if devices == nil {
			devices = []models.DeviceDescriptor{}
		}
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(devices)
	}

	if len(devices) == 0 {
		fmt.Fprintln(out, "No heart rate devices found")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID")
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(w, "%s\t%s\n", name, d.ID)
	}
	return w.Flush()
}
