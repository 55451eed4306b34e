package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/mspconf/internal/fcconfig"
	"github.com/shaunagostinho/mspconf/internal/logger"
	"github.com/shaunagostinho/mspconf/internal/server"
)

var (
	cfgPath string
	device  string
	baud    int
	demo    bool
	variant string
	output  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mspconf",
	Short: "Configure iNav, Betaflight and Cleanflight flight controllers over MSP",
	Long: `mspconf talks to a flight controller over a serial port, TCP (SITL,
ser2tcp) or UDP and reads or changes its configuration: mode ranges,
features, mixer and platform, motor and servo mixes.

Changes go over binary MSP first. When the firmware rejects a command or
does not answer, mspconf falls back to the text CLI and saves, which
reboots the board.

Run 'mspconf serve' for the HTTP and WebSocket API.`,
	SilenceUsage: true,
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgPath, "config", "c", server.DefaultConfigPath, "Path to config file")
	flags.StringVarP(&device, "device", "d", "", "Override device (auto, /dev/ttyACM0, tcp://host:5760, udp://host:port)")
	flags.IntVarP(&baud, "baud", "b", 0, "Override serial baud rate")
	flags.BoolVar(&demo, "demo", false, "Talk to a simulated flight controller")
	flags.StringVar(&variant, "demo-variant", "", "Simulated firmware: INAV, BTFL or CLFL")
	flags.StringVarP(&output, "output", "o", "yaml", "Output format: yaml or json")
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(cmd *cobra.Command) *server.Config {
	cfg := server.LoadConfig(cfgPath)
	flags := cmd.Flags()
	if flags.Changed("device") {
		cfg.Connection.Device = device
	}
	if flags.Changed("baud") {
		cfg.Connection.BaudRate = baud
	}
	if demo {
		cfg.Connection.Demo = true
	}
	if variant != "" {
		cfg.Connection.DemoVariant = variant
	}
	log.SetLevel(cfg.LogLevel())
	return cfg
}

// withService connects once, runs fn and disconnects.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *fcconfig.Service) error) error {
	cfg := loadConfig(cmd)
	cfg.Telemetry.Enabled = false

	trace := logger.New(cfg.Trace)
	defer trace.Close()

	ctx := cmd.Context()
	mgr := server.NewManager(cfg, trace)
	if err := mgr.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Connection.Device, err)
	}
	defer mgr.Close()

	svc, err := mgr.Service()
	if err != nil {
		return err
	}
	if err := fn(ctx, svc); err != nil {
		log.Debugf("[main] %v", err)
		return errors.New(fcconfig.UserMessage(err))
	}
	return nil
}

// show prints v in the selected output format.
func show(v any) error {
	if output == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

// readFile decodes a YAML (or JSON) file into v.
func readFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}

var errUnsupported = errors.New("not supported by this firmware")
