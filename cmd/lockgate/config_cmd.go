package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/lockgate"
	"pkt.systems/lockgate/internal/camera"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage lockgate configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	var role string
	defaultOutput := "$HOME/.lockgate/" + defaultConfigFileName
	if dir, err := defaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, defaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default lockgate configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML(role)
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := defaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, defaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			// The file may carry storage keys and the network passphrase.
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default %s config to %s\n", role, outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	cmd.Flags().StringVar(&role, "role", "controller", "node role to generate defaults for (controller, capture)")
	return cmd
}

type controllerDefaults struct {
	Listen                 string  `yaml:"listen"`
	Store                  string  `yaml:"store"`
	SpoolDir               string  `yaml:"spool-dir"`
	SpoolMemoryThreshold   string  `yaml:"spool-memory-threshold"`
	OutputPin              int     `yaml:"output-pin"`
	OutputDriver           string  `yaml:"output-driver"`
	OutputActiveLow        bool    `yaml:"output-active-low"`
	UnlockDuration         string  `yaml:"unlock-duration"`
	SessionIdleTimeout     string  `yaml:"session-idle-timeout"`
	SweeperInterval        string  `yaml:"sweeper-interval"`
	MaxArtifactBytes       string  `yaml:"max-artifact-bytes"`
	UploadChunkSize        int     `yaml:"upload-chunk-size"`
	Recognizer             string  `yaml:"recognizer"`
	RecognizerURL          string  `yaml:"recognizer-url"`
	RecognizerTimeout      string  `yaml:"recognizer-timeout"`
	RetainArtifacts        bool    `yaml:"retain-artifacts"`
	Audit                  bool    `yaml:"audit"`
	NetworkSSID            string  `yaml:"network-ssid"`
	NetworkPassphrase      string  `yaml:"network-passphrase"`
	S3Region               string  `yaml:"s3-region"`
	S3Endpoint             string  `yaml:"s3-endpoint"`
	S3Insecure             bool    `yaml:"s3-insecure"`
	S3ForcePathStyle       bool    `yaml:"s3-force-path-style"`
	AzureEndpoint          string  `yaml:"azure-endpoint"`
	StorageRetryAttempts   int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay  string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay   string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier float64 `yaml:"storage-retry-multiplier"`
	OTLPEndpoint           string  `yaml:"otlp-endpoint"`
	MetricsListen          string  `yaml:"metrics-listen"`
	LogLevel               string  `yaml:"log-level"`
}

type captureDefaults struct {
	Listen            string `yaml:"listen"`
	ControllerAddress string `yaml:"controller-address"`
	ControllerPort    int    `yaml:"controller-port"`
	CameraSource      string `yaml:"camera-source"`
	FrameSize         string `yaml:"frame-size"`
	JPEGQuality       int    `yaml:"jpeg-quality"`
	ForwardTimeout    string `yaml:"forward-timeout"`
	Watch             bool   `yaml:"watch"`
	WatchDebounce     string `yaml:"watch-debounce"`
	NetworkSSID       string `yaml:"network-ssid"`
	NetworkPassphrase string `yaml:"network-passphrase"`
	OTLPEndpoint      string `yaml:"otlp-endpoint"`
	MetricsListen     string `yaml:"metrics-listen"`
	LogLevel          string `yaml:"log-level"`
}

func defaultConfigYAML(role string) ([]byte, error) {
	var defaults any
	switch role {
	case "controller", "":
		defaults = controllerDefaults{
			Listen:                 lockgate.DefaultListen,
			Store:                  lockgate.DefaultStore,
			SpoolMemoryThreshold:   humanizeBytes(lockgate.DefaultSpoolMemoryThreshold),
			OutputPin:              lockgate.DefaultOutputPin,
			OutputDriver:           lockgate.DefaultOutputDriver,
			OutputActiveLow:        lockgate.DefaultOutputActiveLow,
			UnlockDuration:         lockgate.DefaultUnlockDuration.String(),
			SessionIdleTimeout:     lockgate.DefaultSessionIdleTimeout.String(),
			SweeperInterval:        lockgate.DefaultSweeperInterval.String(),
			MaxArtifactBytes:       humanizeBytes(lockgate.DefaultMaxArtifactBytes),
			UploadChunkSize:        lockgate.DefaultUploadChunkSize,
			Recognizer:             lockgate.DefaultRecognizer,
			RecognizerTimeout:      lockgate.DefaultRecognizerTimeout.String(),
			Audit:                  true,
			S3Region:               lockgate.DefaultS3Region,
			StorageRetryAttempts:   lockgate.DefaultStorageRetryMaxAttempts,
			StorageRetryBaseDelay:  lockgate.DefaultStorageRetryBaseDelay.String(),
			StorageRetryMaxDelay:   lockgate.DefaultStorageRetryMaxDelay.String(),
			StorageRetryMultiplier: lockgate.DefaultStorageRetryMultiplier,
			LogLevel:               "info",
		}
	case "capture":
		defaults = captureDefaults{
			Listen:            lockgate.DefaultCaptureListen,
			ControllerAddress: lockgate.DefaultControllerAddress,
			ControllerPort:    lockgate.DefaultControllerPort,
			CameraSource:      "/run/lockgate/frames",
			FrameSize:         camera.DefaultFrameSizeName,
			JPEGQuality:       camera.DefaultQuality,
			ForwardTimeout:    lockgate.DefaultForwardTimeout.String(),
			WatchDebounce:     lockgate.DefaultWatchDebounce.String(),
			LogLevel:          "info",
		}
	default:
		return nil, fmt.Errorf("unknown role %q (want controller or capture)", role)
	}
	out, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
