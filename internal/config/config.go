// Package config holds all application configuration.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// ClientID identifies this client on the signaling server.
	ClientID string
	// SignalURL is the websocket signaling endpoint.
	SignalURL string
	// CapabilityFallbackURL is the recording server's debug HTTP endpoint
	// for router capabilities; empty disables the fallback.
	CapabilityFallbackURL string
	// MetricsAddr serves prometheus metrics; empty disables the listener.
	MetricsAddr string
	// Reconnect redials the signaling socket after read failures.
	Reconnect bool
	// Video captures a camera track in addition to the microphone.
	Video bool

	Call      CallConfig
	Producer  ProducerConfig
	Recording RecordingConfig
	Archive   ArchiveConfig
}

type CallConfig struct {
	GraceDelay   time.Duration
	PublishDelay time.Duration
}

type ProducerConfig struct {
	CapabilityAttempts      uint64
	CapabilityTimeout       time.Duration
	CapabilityBackoff       time.Duration
	CreateTransportTimeout  time.Duration
	ConnectTransportTimeout time.Duration
	ProduceTimeout          time.Duration
}

type RecordingConfig struct {
	LocalChecks        int
	LocalCheckInterval time.Duration
	RoomPollInterval   time.Duration
	RoomPollDeadline   time.Duration
	RequestTimeout     time.Duration
}

type ArchiveConfig struct {
	Enabled         bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string
	Prefix          string
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		SignalURL:   "ws://localhost:4000/ws",
		MetricsAddr: "localhost:9091",
		Reconnect:   true,
		Call: CallConfig{
			GraceDelay:   1500 * time.Millisecond,
			PublishDelay: 2 * time.Second,
		},
		Producer: ProducerConfig{
			CapabilityAttempts:      3,
			CapabilityTimeout:       3 * time.Second,
			CapabilityBackoff:       750 * time.Millisecond,
			CreateTransportTimeout:  5 * time.Second,
			ConnectTransportTimeout: 15 * time.Second,
			ProduceTimeout:          10 * time.Second,
		},
		Recording: RecordingConfig{
			LocalChecks:        10,
			LocalCheckInterval: 300 * time.Millisecond,
			RoomPollInterval:   500 * time.Millisecond,
			RoomPollDeadline:   15 * time.Second,
			RequestTimeout:     30 * time.Second,
		},
		Archive: ArchiveConfig{
			Bucket: "call-recordings",
			Prefix: "recordings",
		},
	}
}

// ApplyEnv overlays environment variables onto the config. Load a .env file
// first if one is present.
func (c *Config) ApplyEnv() {
	envString(&c.ClientID, "CALLCORE_CLIENT_ID")
	envString(&c.SignalURL, "CALLCORE_SIGNAL_URL")
	envString(&c.CapabilityFallbackURL, "CALLCORE_CAPS_URL")
	envString(&c.MetricsAddr, "CALLCORE_METRICS_ADDR")
	envBool(&c.Reconnect, "CALLCORE_RECONNECT")
	envBool(&c.Video, "CALLCORE_VIDEO")

	envBool(&c.Archive.Enabled, "CALLCORE_ARCHIVE_ENABLED")
	envString(&c.Archive.Endpoint, "MINIO_ENDPOINT")
	envString(&c.Archive.AccessKeyID, "MINIO_ACCESS_KEY")
	envString(&c.Archive.SecretAccessKey, "MINIO_SECRET_KEY")
	envBool(&c.Archive.UseSSL, "MINIO_USE_SSL")
	envString(&c.Archive.Bucket, "MINIO_BUCKET")
	envString(&c.Archive.Region, "MINIO_REGION")
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
