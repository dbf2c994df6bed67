package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/lockgate"
	"pkt.systems/lockgate/internal/svcfields"
	"pkt.systems/pslog"
)

const shutdownTimeout = 10 * time.Second

func newControllerCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "controller",
		Aliases: []string{"ctrl"},
		Short:   "Run the lock controller (upload ingest, recognition, actuator)",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			logger := commandLogger(baseLogger, v)
			cliLogger := svcfields.WithSubsystem(logger, "cli.controller")
			cliLogger.Info("welcome to lockgate", "role", "controller", "pid", os.Getpid(), "uid", os.Getuid())
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			cfg, err := controllerConfig(v)
			if err != nil {
				return err
			}
			server, err := lockgate.NewServer(cfg, lockgate.WithLogger(logger))
			if err != nil {
				return err
			}
			return serveUntilDone(cmd.Context(), cliLogger, server.Start, server.Shutdown)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", lockgate.DefaultListen, "HTTP listen address")
	flags.String("store", lockgate.DefaultStore, "artifact store URL (mem://, disk:///path, s3://bucket/prefix, aws://bucket/prefix, azure://account/container)")
	flags.String("spool-dir", "", "directory for upload spool files (defaults to the OS temp dir)")
	flags.String("spool-memory-threshold", humanizeBytes(lockgate.DefaultSpoolMemoryThreshold), "bytes buffered in memory per upload before spooling to disk")
	flags.Int("output-pin", lockgate.DefaultOutputPin, "GPIO line driving the lock relay")
	flags.String("output-driver", lockgate.DefaultOutputDriver, "output driver (log, sysfs)")
	flags.Bool("output-active-low", lockgate.DefaultOutputActiveLow, "relay energises when the line is driven low")
	flags.String("sysfs-root", "", "sysfs GPIO root (defaults to /sys/class/gpio)")
	flags.Duration("unlock-duration", lockgate.DefaultUnlockDuration, "how long a granted decision keeps the lock open")
	flags.Duration("session-idle-timeout", lockgate.DefaultSessionIdleTimeout, "abort uploads idle for longer than this")
	flags.Duration("sweeper-interval", lockgate.DefaultSweeperInterval, "idle-session and re-lock sweep interval")
	flags.String("max-artifact-bytes", humanizeBytes(lockgate.DefaultMaxArtifactBytes), "maximum size of one uploaded frame")
	flags.Int("upload-chunk-size", lockgate.DefaultUploadChunkSize, "ingest read size in bytes")
	flags.String("recognizer", lockgate.DefaultRecognizer, "recognizer (deny, grant, remote)")
	flags.String("recognizer-url", "", "recognition service URL for --recognizer remote")
	flags.Duration("recognizer-timeout", lockgate.DefaultRecognizerTimeout, "timeout for one remote recognition call")
	flags.Bool("retain-artifacts", false, "keep artifacts in the store after the decision")
	flags.Bool("audit", true, "record every decision as an access event")
	flags.String("network-ssid", "", "network SSID for the link bring-up")
	flags.String("network-passphrase", "", "network passphrase (never logged)")
	flags.String("s3-region", lockgate.DefaultS3Region, "region for s3:// and aws:// stores")
	flags.String("s3-endpoint", "", "endpoint for s3:// stores (host:port)")
	flags.Bool("s3-insecure", false, "use plain HTTP for s3:// stores")
	flags.Bool("s3-force-path-style", false, "force path-style bucket addressing for s3:// stores")
	flags.String("s3-access-key", "", "access key for s3:// stores")
	flags.String("s3-secret-key", "", "secret key for s3:// stores")
	flags.String("azure-account", "", "Azure Storage account (overrides the store URL host)")
	flags.String("azure-key", "", "Azure Storage account key")
	flags.String("azure-endpoint", "", "Azure Blob service endpoint")
	flags.String("azure-sas-token", "", "Azure SAS token (alternative to the account key)")
	flags.Int("storage-retry-attempts", lockgate.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	flags.Duration("storage-retry-base-delay", lockgate.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", lockgate.DefaultStorageRetryMaxDelay, "maximum backoff for storage retries")
	flags.Float64("storage-retry-multiplier", lockgate.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	addTelemetryFlags(cmd)
	return cmd
}

func addTelemetryFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("metrics-listen", "", "Prometheus scrape listen address (empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.Bool("disable-http-tracing", false, "disable HTTP server spans")
}

func controllerConfig(v *viper.Viper) (lockgate.Config, error) {
	cfg := lockgate.Config{
		Listen:                  v.GetString("listen"),
		Store:                   v.GetString("store"),
		SpoolDir:                v.GetString("spool-dir"),
		OutputPin:               v.GetInt("output-pin"),
		OutputDriver:            v.GetString("output-driver"),
		OutputActiveLow:         v.GetBool("output-active-low"),
		SysfsRoot:               v.GetString("sysfs-root"),
		UnlockDuration:          v.GetDuration("unlock-duration"),
		SessionIdleTimeout:      v.GetDuration("session-idle-timeout"),
		SweeperInterval:         v.GetDuration("sweeper-interval"),
		UploadChunkSize:         v.GetInt("upload-chunk-size"),
		Recognizer:              v.GetString("recognizer"),
		RecognizerURL:           v.GetString("recognizer-url"),
		RecognizerTimeout:       v.GetDuration("recognizer-timeout"),
		RetainArtifacts:         v.GetBool("retain-artifacts"),
		Audit:                   v.GetBool("audit"),
		Network:                 networkConfig(v),
		S3Region:                v.GetString("s3-region"),
		S3Endpoint:              v.GetString("s3-endpoint"),
		S3Insecure:              v.GetBool("s3-insecure"),
		S3ForcePathStyle:        v.GetBool("s3-force-path-style"),
		S3AccessKey:             v.GetString("s3-access-key"),
		S3SecretKey:             v.GetString("s3-secret-key"),
		AzureAccount:            v.GetString("azure-account"),
		AzureKey:                v.GetString("azure-key"),
		AzureEndpoint:           v.GetString("azure-endpoint"),
		AzureSASToken:           v.GetString("azure-sas-token"),
		StorageRetryMaxAttempts: v.GetInt("storage-retry-attempts"),
		StorageRetryBaseDelay:   v.GetDuration("storage-retry-base-delay"),
		StorageRetryMaxDelay:    v.GetDuration("storage-retry-max-delay"),
		StorageRetryMultiplier:  v.GetFloat64("storage-retry-multiplier"),
		Telemetry:               telemetryConfig(v),
	}
	var err error
	if cfg.SpoolMemoryThreshold, err = parseBytes(v, "spool-memory-threshold"); err != nil {
		return cfg, err
	}
	if cfg.MaxArtifactBytes, err = parseBytes(v, "max-artifact-bytes"); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func networkConfig(v *viper.Viper) lockgate.NetworkConfig {
	return lockgate.NetworkConfig{
		SSID:       v.GetString("network-ssid"),
		Passphrase: v.GetString("network-passphrase"),
	}
}

func telemetryConfig(v *viper.Viper) lockgate.TelemetryConfig {
	return lockgate.TelemetryConfig{
		OTLPEndpoint:           v.GetString("otlp-endpoint"),
		MetricsListen:          v.GetString("metrics-listen"),
		PprofListen:            v.GetString("pprof-listen"),
		EnableProfilingMetrics: v.GetBool("enable-profiling-metrics"),
		DisableHTTPTracing:     v.GetBool("disable-http-tracing"),
	}
}

// serveUntilDone runs start until it returns or ctx is cancelled, then shuts
// down with a bounded deadline.
func serveUntilDone(ctx context.Context, logger pslog.Logger, start func() error, shutdown func(context.Context) error) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()
	err := start()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdown(shutdownCtx)
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
