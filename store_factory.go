package lockgate

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/lockgate/internal/clock"
	"pkt.systems/lockgate/internal/storage"
	awsstore "pkt.systems/lockgate/internal/storage/aws"
	azurestore "pkt.systems/lockgate/internal/storage/azure"
	"pkt.systems/lockgate/internal/storage/disk"
	loggingbackend "pkt.systems/lockgate/internal/storage/logging"
	"pkt.systems/lockgate/internal/storage/memory"
	"pkt.systems/lockgate/internal/storage/retry"
	"pkt.systems/lockgate/internal/storage/s3"
	"pkt.systems/pslog"
)

// CredentialSummary describes which credentials were selected for object
// storage. Secrets are never included.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// OpenStore opens the backend selected by cfg.Store behind the same logging
// and retry layers the controller uses. The caller closes it.
func OpenStore(cfg Config, logger pslog.Logger) (storage.Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	backend, err := openBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	return wrapBackend(backend, cfg, logger, clock.Real{}), nil
}

// DescribeStore summarises where cfg.Store points without opening it.
func DescribeStore(cfg Config) (StoreDescription, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return StoreDescription{}, fmt.Errorf("parse store URL: %w", err)
	}
	desc := StoreDescription{Provider: u.Scheme}
	switch u.Scheme {
	case "memory", "mem", "":
		desc.Provider = "memory"
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return desc, err
		}
		desc.Location = diskCfg.Root
	case "s3":
		s3cfg, creds, err := BuildGenericS3Config(cfg)
		if err != nil {
			return desc, err
		}
		desc.Location, desc.Prefix, desc.Endpoint, desc.Credentials = s3cfg.Bucket, s3cfg.Prefix, s3cfg.Endpoint, creds
	case "aws":
		awscfg, creds, err := BuildAWSConfig(cfg)
		if err != nil {
			return desc, err
		}
		desc.Location, desc.Prefix, desc.Endpoint, desc.Credentials = awscfg.Bucket, awscfg.Prefix, awscfg.Region, creds
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return desc, err
		}
		desc.Location, desc.Prefix, desc.Endpoint = azureCfg.Container, azureCfg.Prefix, azureCfg.Endpoint
		desc.Credentials = CredentialSummary{
			AccessKey: azureCfg.Account,
			HasSecret: azureCfg.AccountKey != "" || azureCfg.SASToken != "",
			Source:    "config",
		}
	default:
		return desc, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	return desc, nil
}

// StoreDescription identifies a configured store for diagnostics output.
type StoreDescription struct {
	Provider    string
	Location    string
	Prefix      string
	Endpoint    string
	Credentials CredentialSummary
}

func openBackend(cfg Config, logger pslog.Logger) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.New(), nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		diskCfg.Logger = logger
		return disk.New(diskCfg)
	case "s3":
		s3cfg, creds, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("storage.s3.credentials", "access_key", creds.AccessKey, "has_secret", creds.HasSecret, "source", creds.Source)
		return s3.New(s3cfg)
	case "aws":
		awscfg, creds, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("storage.aws.credentials", "access_key", creds.AccessKey, "has_secret", creds.HasSecret, "source", creds.Source)
		return awsstore.New(awscfg)
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		return azurestore.New(azureCfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// wrapBackend layers tracing/debug logging and transient-error retries over
// backend.
func wrapBackend(backend storage.Backend, cfg Config, logger pslog.Logger, clk clock.Clock) storage.Backend {
	storageLogger := logger.With("svc", "storage")
	backend = loggingbackend.Wrap(backend, storageLogger.With("layer", "backend"), "controller.storage")
	return retry.Wrap(backend, storageLogger.With("layer", "retry"), clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
}

// BuildDiskConfig parses disk:///path URLs. The retention query parameter
// (a Go duration) enables the janitor.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	root := u.Path
	if u.Host != "" {
		root = "/" + u.Host + u.Path
	}
	if strings.TrimSpace(root) == "" || root == "/" {
		return disk.Config{}, fmt.Errorf("disk store missing path (expected disk:///path)")
	}
	out := disk.Config{Root: root}
	if raw := u.Query().Get("retention"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return disk.Config{}, fmt.Errorf("disk store retention: %w", err)
		}
		out.Retention = d
	}
	return out, nil
}

// BuildGenericS3Config parses s3://bucket[/prefix] URLs for S3-compatible
// services (MinIO and friends). The endpoint comes from S3Endpoint or the
// endpoint query parameter.
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket, prefix, err := bucketAndPrefix(u, "s3://bucket[/prefix]")
	if err != nil {
		return s3.Config{}, CredentialSummary{}, err
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.S3Endpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store requires an endpoint (--s3-endpoint or ?endpoint=host:port)")
	}
	insecure := cfg.S3Insecure
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	forcePathStyle := cfg.S3ForcePathStyle
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePathStyle = ok
		}
	}
	creds := summarizeCredentials(cfg)
	return s3.Config{
		Endpoint:       endpoint,
		Region:         cfg.S3Region,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       insecure,
		ForcePathStyle: forcePathStyle,
		AccessKey:      cfg.S3AccessKey,
		SecretKey:      cfg.S3SecretKey,
	}, creds, nil
}

// BuildAWSConfig parses aws://bucket[/prefix] URLs.
func BuildAWSConfig(cfg Config) (awsstore.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket, prefix, err := bucketAndPrefix(u, "aws://bucket[/prefix]")
	if err != nil {
		return awsstore.Config{}, CredentialSummary{}, err
	}
	region := cfg.S3Region
	if v := strings.TrimSpace(u.Query().Get("region")); v != "" {
		region = v
	}
	return awsstore.Config{
		Endpoint:       strings.TrimSpace(cfg.S3Endpoint),
		Region:         region,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       cfg.S3Insecure,
		ForcePathStyle: cfg.S3ForcePathStyle,
		AccessKey:      cfg.S3AccessKey,
		SecretKey:      cfg.S3SecretKey,
	}, summarizeCredentials(cfg), nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing account (expected azure://account/container[/prefix])")
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	parts := strings.SplitN(path, "/", 2)
	var prefix string
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: cfg.AzureKey,
		Endpoint:   cfg.AzureEndpoint,
		SASToken:   cfg.AzureSASToken,
		Container:  parts[0],
		Prefix:     prefix,
	}, nil
}

func bucketAndPrefix(u *url.URL, form string) (string, string, error) {
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return "", "", fmt.Errorf("store missing bucket (expected %s)", form)
	}
	return bucket, strings.Trim(u.Path, "/"), nil
}

func summarizeCredentials(cfg Config) CredentialSummary {
	if cfg.S3AccessKey != "" {
		return CredentialSummary{AccessKey: cfg.S3AccessKey, HasSecret: cfg.S3SecretKey != "", Source: "config"}
	}
	return CredentialSummary{Source: "environment"}
}
