package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hcp-ignite/agent/pkg/agent"
	"github.com/hcp-ignite/agent/pkg/config"
	"github.com/hcp-ignite/agent/pkg/log"
	"github.com/hcp-ignite/agent/pkg/types"
	"github.com/hcp-ignite/agent/pkg/uploader"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ignite-agent",
	Short: "Ignite - on-device telemetry agent",
	Long: `Ignite captures application events on the device, persists them
durably under tight storage constraints, and forwards them to the cloud
over authenticated HTTP and MQTT channels. It is built to run for years
across reboots, network outages and storage pressure.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Ignite agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("config", "/etc/ignite/config.json", "Path to the JSON configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the telemetry agent",
	Long: `Start the agent: open the event store, recover unacknowledged
uploads, and begin accepting and forwarding events.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		vin, _ := cmd.Flags().GetString("vin")
		serial, _ := cmd.Flags().GetString("serial")
		imei, _ := cmd.Flags().GetString("imei")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		// file-based sink takes over once config is readable
		if path := cfg.GetString("FileLogger.path", ""); path != "" {
			logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
			log.Init(log.Config{
				Level:      log.Level(cfg.GetString("FileLogger.level", logLevel)),
				JSONOutput: true,
				FilePath:   path,
			})
		}

		identity := types.DeviceIdentity{
			VIN:           vin,
			SerialNumber:  serial,
			IMEI:          imei,
			HWVersion:     cfg.GetString("Device.hwVersion", ""),
			SWVersion:     Version,
			ProductType:   cfg.GetString("ProductType", ""),
			UseDeviceType: cfg.GetBool("useDeviceType", false),
		}

		var factory agent.PublisherFactory
		if brokerURL := cfg.GetString("MQTT.broker", ""); brokerURL != "" {
			clientID := cfg.GetString("MQTT.clientId", "ignite-"+serial)
			factory = func(onAck uploader.AckHandler) (uploader.Publisher, error) {
				return uploader.NewPahoPublisher(brokerURL, clientID, "", "", onAck)
			}
		}

		a, err := agent.New(cfg, identity, factory)
		if err != nil {
			return err
		}
		if err := a.Start(); err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		a.Stop()
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := rootCmd.PersistentFlags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		fmt.Printf("Ignite agent %s\n", Version)
		fmt.Printf("  Store:       %s\n", cfg.GetString("DAM.Database.dbStore", "ignite.db"))
		fmt.Printf("  Size limit:  %d bytes\n", cfg.GetInt("DAM.Database.dbSizeLimit", 0))
		fmt.Printf("  Broker:      %s\n", cfg.GetString("MQTT.broker", "(not configured)"))
		fmt.Printf("  Activation:  %s\n", cfg.GetString("HCPAuth.activate_url", "(not configured)"))
		return nil
	},
}

func init() {
	runCmd.Flags().String("vin", "", "Vehicle identification number (activation qualifier)")
	runCmd.Flags().String("serial", "", "Device serial number")
	runCmd.Flags().String("imei", "", "Modem IMEI")
	runCmd.Flags().String("config", "/etc/ignite/config.json", "Path to the JSON configuration file")
}
