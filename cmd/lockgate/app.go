package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
)

const (
	envPrefix             = "LOCKGATE"
	defaultConfigFileName = "config.yaml"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("LOCKGATE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "lockgate")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "lockgate",
		Short:         "lockgate unlocks a door when a camera frame is recognised",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Controller with the development log driver and in-memory store
  lockgate controller --recognizer grant

  # Controller on a Raspberry Pi relay (GPIO 23, active low) with a disk store
  lockgate controller --output-driver sysfs --store disk:///var/lib/lockgate

  # Capture node posting frames from a snapshot camera
  lockgate capture --camera-source http://127.0.0.1:8081/snapshot.jpg --controller-address 192.168.1.100

  # Capture node sending every new frame written into a directory
  LOCKGATE_WATCH=true lockgate capture --camera-source /run/frames
`,
	}
	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.lockgate/"+defaultConfigFileName+")")
	persistent.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	cmd.AddCommand(newControllerCommand(baseLogger))
	cmd.AddCommand(newCaptureCommand(baseLogger))
	cmd.AddCommand(newVerifyCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// newViper returns a viper instance reading LOCKGATE_* variables and bound to
// the flags of cmd, including the inherited persistent ones.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	var bindErr error
	bind := func(flag *pflag.Flag) {
		if bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(flag.Name, flag)
	}
	cmd.Flags().VisitAll(bind)
	cmd.InheritedFlags().VisitAll(bind)
	if bindErr != nil {
		return nil, bindErr
	}
	return v, nil
}

// commandLogger applies --log-level to base.
func commandLogger(base pslog.Logger, v *viper.Viper) pslog.Logger {
	logger := base
	level := strings.TrimSpace(v.GetString("log-level"))
	if level == "" {
		level = "info"
	}
	if parsed, ok := pslog.ParseLevel(level); ok {
		logger = logger.LogLevel(parsed)
	}
	return logger
}

func defaultConfigDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("LOCKGATE_CONFIG_DIR")); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".lockgate"), nil
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := defaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, defaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func parseBytes(v *viper.Viper, key string) (int64, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return int64(n), nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
