package lockgate

import (
	"strings"
	"testing"

	"pkt.systems/lockgate/internal/storage/memory"
	"pkt.systems/pslog"
)

func TestBuildDiskConfig(t *testing.T) {
	cfg, err := BuildDiskConfig(Config{Store: "disk:///var/lib/lockgate?retention=24h"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cfg.Root != "/var/lib/lockgate" || cfg.Retention.Hours() != 24 {
		t.Fatalf("unexpected disk config %+v", cfg)
	}
	if _, err := BuildDiskConfig(Config{Store: "disk://"}); err == nil {
		t.Fatal("expected error for missing path")
	}
	if _, err := BuildDiskConfig(Config{Store: "disk:///x?retention=soon"}); err == nil {
		t.Fatal("expected error for bad retention")
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	cfg := Config{Store: "s3://frames/gate-1?insecure=true", S3Endpoint: "minio:9000", S3Region: "eu-north-1", S3AccessKey: "ak", S3SecretKey: "sk"}
	s3cfg, creds, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if s3cfg.Bucket != "frames" || s3cfg.Prefix != "gate-1" || s3cfg.Endpoint != "minio:9000" || !s3cfg.Insecure {
		t.Fatalf("unexpected s3 config %+v", s3cfg)
	}
	if creds.AccessKey != "ak" || !creds.HasSecret || creds.Source != "config" {
		t.Fatalf("unexpected credential summary %+v", creds)
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://frames"}); err == nil || !strings.Contains(err.Error(), "endpoint") {
		t.Fatalf("expected endpoint error, got %v", err)
	}
	s3cfg, _, err = BuildGenericS3Config(Config{Store: "s3://frames?endpoint=localhost:9000"})
	if err != nil || s3cfg.Endpoint != "localhost:9000" {
		t.Fatalf("expected endpoint from query, got %+v %v", s3cfg, err)
	}
}

func TestBuildAWSConfig(t *testing.T) {
	cfg, creds, err := BuildAWSConfig(Config{Store: "aws://frames/a/b?region=us-west-2"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cfg.Bucket != "frames" || cfg.Prefix != "a/b" || cfg.Region != "us-west-2" {
		t.Fatalf("unexpected aws config %+v", cfg)
	}
	if creds.Source != "environment" {
		t.Fatalf("expected environment credentials, got %+v", creds)
	}
	if _, _, err := BuildAWSConfig(Config{Store: "aws:///nobucket"}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestBuildAzureConfig(t *testing.T) {
	cfg, err := BuildAzureConfig(Config{Store: "azure://acct/frames/gate", AzureKey: "key"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cfg.Account != "acct" || cfg.Container != "frames" || cfg.Prefix != "gate" || cfg.AccountKey != "key" {
		t.Fatalf("unexpected azure config %+v", cfg)
	}
	if _, err := BuildAzureConfig(Config{Store: "azure://acct"}); err == nil {
		t.Fatal("expected error for missing container")
	}
}

func TestOpenBackend(t *testing.T) {
	backend, err := openBackend(Config{Store: "mem://"}, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open mem: %v", err)
	}
	if _, ok := backend.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", backend)
	}
	if _, err := openBackend(Config{Store: "ftp://x"}, pslog.NoopLogger()); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
	dir := t.TempDir()
	backend, err = openBackend(Config{Store: "disk://" + dir}, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open disk: %v", err)
	}
	_ = backend.Close()
}
