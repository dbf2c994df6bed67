package lockgate

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/lockgate/internal/camera"
)

const (
	// DefaultListen is the controller HTTP endpoint.
	DefaultListen = ":80"
	// DefaultCaptureListen is the capture node HTTP endpoint.
	DefaultCaptureListen = ":80"
	// DefaultStore keeps artifacts and audit events in memory.
	DefaultStore = "mem://"
	// DefaultSpoolMemoryThreshold is how much of an upload is buffered in
	// memory before the slot spills to disk.
	DefaultSpoolMemoryThreshold = 256 << 10
	// DefaultOutputPin is the relay GPIO line.
	DefaultOutputPin = 23
	// DefaultOutputDriver logs level changes instead of touching hardware.
	DefaultOutputDriver = OutputDriverLog
	// DefaultOutputActiveLow matches relay boards that energise on LOW.
	DefaultOutputActiveLow = true
	// DefaultUnlockDuration is how long a grant holds the lock open.
	DefaultUnlockDuration = 5 * time.Second
	// DefaultSessionIdleTimeout aborts uploads that stop sending.
	DefaultSessionIdleTimeout = 30 * time.Second
	// DefaultSweeperInterval is the idle sweep cadence.
	DefaultSweeperInterval = time.Second
	// DefaultMaxArtifactBytes caps one uploaded frame.
	DefaultMaxArtifactBytes = 8 << 20
	// DefaultUploadChunkSize is the ingest read size.
	DefaultUploadChunkSize = 1024
	// DefaultRecognizer fails closed until a real recognizer is configured.
	DefaultRecognizer = RecognizerDeny
	// DefaultRecognizerTimeout bounds one remote recognition call.
	DefaultRecognizerTimeout = 5 * time.Second
	// DefaultControllerAddress is the controller the capture node posts to.
	DefaultControllerAddress = "192.168.1.100"
	// DefaultControllerPort is the controller HTTP port.
	DefaultControllerPort = 80
	// DefaultForwardTimeout bounds one forward request.
	DefaultForwardTimeout = 15 * time.Second
	// DefaultWatchDebounce is the quiet period before a new frame file is sent.
	DefaultWatchDebounce = 250 * time.Millisecond
	// DefaultStorageRetryMaxAttempts bounds retries of transient storage errors.
	DefaultStorageRetryMaxAttempts = 4
	// DefaultStorageRetryBaseDelay is the first retry backoff.
	DefaultStorageRetryBaseDelay = 50 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the retry backoff.
	DefaultStorageRetryMaxDelay = 2 * time.Second
	// DefaultStorageRetryMultiplier grows the backoff between attempts.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultS3Region is used when no region is configured.
	DefaultS3Region = "us-east-1"
)

const (
	// OutputDriverLog logs level changes.
	OutputDriverLog = "log"
	// OutputDriverSysfs drives a Linux GPIO line through sysfs.
	OutputDriverSysfs = "sysfs"
)

const (
	// RecognizerDeny denies every artifact.
	RecognizerDeny = "deny"
	// RecognizerGrant grants every decodable artifact. Development only.
	RecognizerGrant = "grant"
	// RecognizerRemote posts artifacts to an HTTP recognition service.
	RecognizerRemote = "remote"
)

// Config captures the tunables for the controller node.
type Config struct {
	Listen               string
	Store                string
	SpoolDir             string
	SpoolMemoryThreshold int64

	OutputPin       int
	OutputDriver    string
	OutputActiveLow bool
	// SysfsRoot overrides /sys/class/gpio (tests).
	SysfsRoot string

	UnlockDuration     time.Duration
	SessionIdleTimeout time.Duration
	SweeperInterval    time.Duration
	MaxArtifactBytes   int64
	UploadChunkSize    int

	Recognizer        string
	RecognizerURL     string
	RecognizerTimeout time.Duration
	RetainArtifacts   bool
	Audit             bool

	Network NetworkConfig

	S3Region         string
	S3Endpoint       string
	S3Insecure       bool
	S3ForcePathStyle bool
	S3AccessKey      string
	S3SecretKey      string

	AzureAccount  string
	AzureKey      string
	AzureEndpoint string
	AzureSASToken string

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	Telemetry TelemetryConfig
}

// NetworkConfig carries the credentials for the external link bring-up.
// The passphrase is never logged.
type NetworkConfig struct {
	SSID       string `yaml:"ssid"`
	Passphrase string `yaml:"passphrase"`
}

// Redacted returns loggable fields.
func (n NetworkConfig) Redacted() []any {
	return []any{"ssid", n.SSID, "passphrase_set", n.Passphrase != ""}
}

// TelemetryConfig selects tracing, metrics and profiling listeners.
type TelemetryConfig struct {
	OTLPEndpoint           string
	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	DisableHTTPTracing     bool
}

// CaptureConfig captures the tunables for the capture node.
type CaptureConfig struct {
	Listen            string
	ControllerAddress string
	ControllerPort    int
	// CameraSource selects the frame source: a directory path or dir://
	// URL, a file:// URL for a fixed frame, or an http(s) snapshot URL.
	CameraSource   string
	FrameSize      string
	JPEGQuality    int
	ForwardTimeout time.Duration
	Watch          bool
	WatchDebounce  time.Duration

	Network   NetworkConfig
	Telemetry TelemetryConfig
}

// Validate applies defaults and checks the controller configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if c.SpoolMemoryThreshold == 0 {
		c.SpoolMemoryThreshold = DefaultSpoolMemoryThreshold
	} else if c.SpoolMemoryThreshold < 0 {
		return fmt.Errorf("config: spool memory threshold must be >= 0")
	}
	if c.OutputPin == 0 {
		c.OutputPin = DefaultOutputPin
	} else if c.OutputPin < 0 {
		return fmt.Errorf("config: output pin must be >= 0")
	}
	c.OutputDriver = strings.ToLower(strings.TrimSpace(c.OutputDriver))
	if c.OutputDriver == "" {
		c.OutputDriver = DefaultOutputDriver
	}
	switch c.OutputDriver {
	case OutputDriverLog, OutputDriverSysfs:
	default:
		return fmt.Errorf("config: output driver must be %q or %q", OutputDriverLog, OutputDriverSysfs)
	}
	if c.UnlockDuration == 0 {
		c.UnlockDuration = DefaultUnlockDuration
	} else if c.UnlockDuration < 0 {
		return fmt.Errorf("config: unlock duration must be > 0")
	}
	if c.SessionIdleTimeout == 0 {
		c.SessionIdleTimeout = DefaultSessionIdleTimeout
	} else if c.SessionIdleTimeout < 0 {
		return fmt.Errorf("config: session idle timeout must be >= 0")
	}
	if c.SweeperInterval == 0 {
		c.SweeperInterval = DefaultSweeperInterval
	} else if c.SweeperInterval < 0 {
		return fmt.Errorf("config: sweeper interval must be >= 0")
	}
	if c.MaxArtifactBytes == 0 {
		c.MaxArtifactBytes = DefaultMaxArtifactBytes
	} else if c.MaxArtifactBytes < 0 {
		return fmt.Errorf("config: max artifact bytes must be >= 0")
	}
	if c.UploadChunkSize == 0 {
		c.UploadChunkSize = DefaultUploadChunkSize
	} else if c.UploadChunkSize < 0 {
		return fmt.Errorf("config: upload chunk size must be > 0")
	}
	c.Recognizer = strings.ToLower(strings.TrimSpace(c.Recognizer))
	if c.Recognizer == "" {
		c.Recognizer = DefaultRecognizer
	}
	switch c.Recognizer {
	case RecognizerDeny, RecognizerGrant:
	case RecognizerRemote:
		if strings.TrimSpace(c.RecognizerURL) == "" {
			return fmt.Errorf("config: recognizer-url is required for the remote recognizer")
		}
		if _, err := url.ParseRequestURI(c.RecognizerURL); err != nil {
			return fmt.Errorf("config: recognizer-url: %w", err)
		}
	default:
		return fmt.Errorf("config: recognizer must be one of %q, %q or %q", RecognizerDeny, RecognizerGrant, RecognizerRemote)
	}
	if c.RecognizerTimeout == 0 {
		c.RecognizerTimeout = DefaultRecognizerTimeout
	} else if c.RecognizerTimeout < 0 {
		return fmt.Errorf("config: recognizer timeout must be > 0")
	}
	if c.S3Region == "" {
		c.S3Region = DefaultS3Region
	}
	if c.StorageRetryMaxAttempts == 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	} else if c.StorageRetryMaxAttempts < 0 {
		return fmt.Errorf("config: storage retry max attempts must be >= 1")
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	return c.Telemetry.validate()
}

// Validate applies defaults and checks the capture node configuration.
func (c *CaptureConfig) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultCaptureListen
	}
	if strings.TrimSpace(c.ControllerAddress) == "" {
		c.ControllerAddress = DefaultControllerAddress
	}
	if c.ControllerPort == 0 {
		c.ControllerPort = DefaultControllerPort
	} else if c.ControllerPort < 0 || c.ControllerPort > 65535 {
		return fmt.Errorf("config: controller port out of range")
	}
	if strings.TrimSpace(c.CameraSource) == "" {
		return fmt.Errorf("config: camera source is required")
	}
	if c.FrameSize == "" {
		c.FrameSize = camera.DefaultFrameSizeName
	}
	if _, err := camera.ParseFrameSize(c.FrameSize); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = camera.DefaultQuality
	} else if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("config: jpeg quality must be within 1..100")
	}
	if c.ForwardTimeout == 0 {
		c.ForwardTimeout = DefaultForwardTimeout
	} else if c.ForwardTimeout < 0 {
		return fmt.Errorf("config: forward timeout must be > 0")
	}
	if c.WatchDebounce == 0 {
		c.WatchDebounce = DefaultWatchDebounce
	} else if c.WatchDebounce < 0 {
		return fmt.Errorf("config: watch debounce must be > 0")
	}
	if c.Watch {
		if _, ok := watchDir(c.CameraSource); !ok {
			return fmt.Errorf("config: watch mode requires a directory camera source")
		}
	}
	return c.Telemetry.validate()
}

func (t *TelemetryConfig) validate() error {
	if t.EnableProfilingMetrics && strings.TrimSpace(t.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// watchDir reports the directory behind a directory camera source.
func watchDir(source string) (string, bool) {
	source = strings.TrimSpace(source)
	if strings.HasPrefix(source, "dir://") {
		return filepath.Clean(strings.TrimPrefix(source, "dir://")), true
	}
	if strings.Contains(source, "://") {
		return "", false
	}
	return filepath.Clean(source), true
}
