package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/lockgate"
	"pkt.systems/lockgate/internal/svcfields"
	"pkt.systems/lockgate/internal/camera"
	"pkt.systems/pslog"
)

func newCaptureCommand(baseLogger pslog.Logger) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Run the capture node (camera trigger page and frame forwarding)",
		Args:  cobra.NoArgs,
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
			cliLogger := svcfields.WithSubsystem(logger, "cli.capture")
			cliLogger.Info("welcome to lockgate", "role", "capture", "pid", os.Getpid(), "uid", os.Getuid())
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			cfg, err := captureConfig(v)
			if err != nil {
				return err
			}
			server, err := lockgate.NewCaptureServer(cfg, lockgate.WithCaptureLogger(logger))
			if err != nil {
				return err
			}
			if once {
				defer func() { _ = server.Shutdown(context.Background()) }()
				res, err := server.CaptureAndForward(cmd.Context())
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write([]byte(res.CID + "\n"))
				return err
			}
			return serveUntilDone(cmd.Context(), cliLogger, server.Start, server.Shutdown)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&once, "once", false, "capture and forward a single frame, print its correlation id and exit")
	flags.String("listen", lockgate.DefaultCaptureListen, "HTTP listen address for the trigger page")
	flags.String("controller-address", lockgate.DefaultControllerAddress, "controller host, or a full base URL")
	flags.Int("controller-port", lockgate.DefaultControllerPort, "controller HTTP port")
	flags.String("camera-source", "", "frame source: directory, dir://, file:// or http(s) snapshot URL")
	flags.String("frame-size", camera.DefaultFrameSizeName, "maximum frame size (QQVGA, QVGA, CIF, VGA, SVGA, XGA, SXGA, UXGA)")
	flags.Int("jpeg-quality", camera.DefaultQuality, "JPEG quality for re-encoded frames (1..100)")
	flags.Duration("forward-timeout", lockgate.DefaultForwardTimeout, "timeout for one forward to the controller")
	flags.Bool("watch", false, "forward every new frame written into the camera source directory")
	flags.Duration("watch-debounce", lockgate.DefaultWatchDebounce, "quiet period before a new frame file is forwarded")
	flags.String("network-ssid", "", "network SSID for the link bring-up")
	flags.String("network-passphrase", "", "network passphrase (never logged)")
	addTelemetryFlags(cmd)
	return cmd
}

func captureConfig(v *viper.Viper) (lockgate.CaptureConfig, error) {
	cfg := lockgate.CaptureConfig{
		Listen:            v.GetString("listen"),
		ControllerAddress: v.GetString("controller-address"),
		ControllerPort:    v.GetInt("controller-port"),
		CameraSource:      v.GetString("camera-source"),
		FrameSize:         v.GetString("frame-size"),
		JPEGQuality:       v.GetInt("jpeg-quality"),
		ForwardTimeout:    v.GetDuration("forward-timeout"),
		Watch:             v.GetBool("watch"),
		WatchDebounce:     v.GetDuration("watch-debounce"),
		Network:           networkConfig(v),
		Telemetry:         telemetryConfig(v),
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
