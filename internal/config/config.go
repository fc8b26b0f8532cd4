// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Configuration is the full service configuration.
type Configuration struct {
	Service       ServiceConfig
	STT           STTConfig
	Segment       SegmentConfig
	Detector      DetectorConfig
	Broadcast     BroadcastConfig
	Kafka         KafkaConfig
	WebSocket     WebSocketConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Principal   string
	HTTPPort    string
	GRPCPort    string
	MetricsAddr string
	Environment string
}

// STTConfig selects and tunes the upstream speech provider.
type STTConfig struct {
	Provider       string // google, mock
	LanguageCode   string
	SampleRateHz   int
	InterimResults bool
	AudioEncoding  string
	Model          string
	PhraseHints    []string
	OpenTimeout    time.Duration
}

// SegmentConfig bounds a single segment. Zero disables a limit.
type SegmentConfig struct {
	MaxPartials    int
	MaxDuration    time.Duration
	MaxAudioBytes  int64
	RetainFinished int
}

// DetectorConfig configures the reference detection backend.
// An empty URL disables detection.
type DetectorConfig struct {
	URL           string
	Timeout       time.Duration
	MaxInFlight   int
	MinConfidence float64
}

// BroadcastConfig controls cross-instance fan-out.
type BroadcastConfig struct {
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ChannelPrefix string
}

type KafkaConfig struct {
	Enabled         bool
	Brokers         []string
	TopicTranscript string
	TopicAnnotation string
	Principal       string
}

type WebSocketConfig struct {
	SendBuffer      int
	MaxMessageBytes int64
	AllowedOrigins  []string
}

type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string
}

// Load reads the configuration, falling back to defaults for unset or
// unparsable values.
func Load() *Configuration {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-transcript-relay")

	return &Configuration{
		Service: ServiceConfig{
			Principal:   principal,
			HTTPPort:    envOrDefault("HTTP_PORT", "8080"),
			GRPCPort:    envOrDefault("GRPC_PORT", "50051"),
			MetricsAddr: envOrDefault("METRICS_ADDR", ":9090"),
			Environment: envOrDefault("ENV", "prod"),
		},
		STT: STTConfig{
			Provider:       envOrDefault("STT_PROVIDER", "mock"),
			LanguageCode:   envOrDefault("STT_LANGUAGE_CODE", "en-US"),
			SampleRateHz:   envOrDefaultInt("STT_SAMPLE_RATE_HZ", 16000),
			InterimResults: envOrDefaultBool("STT_INTERIM_RESULTS", true),
			AudioEncoding:  envOrDefault("STT_AUDIO_ENCODING", "LINEAR16"),
			Model:          envOrDefault("STT_MODEL", ""),
			PhraseHints:    envList("STT_PHRASE_HINTS"),
			OpenTimeout:    envOrDefaultDuration("STT_OPEN_TIMEOUT", 10*time.Second),
		},
		Segment: SegmentConfig{
			MaxPartials:    envOrDefaultInt("SEGMENT_MAX_PARTIALS", 500),
			MaxDuration:    envOrDefaultDuration("SEGMENT_MAX_DURATION", 5*time.Minute),
			MaxAudioBytes:  int64(envOrDefaultInt("SEGMENT_MAX_AUDIO_BYTES", 10*1024*1024)),
			RetainFinished: envOrDefaultInt("SEGMENT_RETAIN_FINISHED", 256),
		},
		Detector: DetectorConfig{
			URL:           envOrDefault("DETECTOR_URL", ""),
			Timeout:       envOrDefaultDuration("DETECTOR_TIMEOUT", 5*time.Second),
			MaxInFlight:   envOrDefaultInt("DETECTOR_MAX_IN_FLIGHT", 64),
			MinConfidence: envOrDefaultFloat("DETECTOR_MIN_CONFIDENCE", 0),
		},
		Broadcast: BroadcastConfig{
			RedisEnabled:  envOrDefaultBool("REDIS_ENABLED", false),
			RedisAddr:     envOrDefault("REDIS_ADDR", "localhost:6379"),
			RedisPassword: envOrDefault("REDIS_PASSWORD", ""),
			RedisDB:       envOrDefaultInt("REDIS_DB", 0),
			ChannelPrefix: envOrDefault("REDIS_CHANNEL_PREFIX", "transcript-relay:group:"),
		},
		Kafka: KafkaConfig{
			Enabled:         envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:         envList("KAFKA_BROKERS"),
			TopicTranscript: envOrDefault("KAFKA_TOPIC_TRANSCRIPT", "session.transcript.final"),
			TopicAnnotation: envOrDefault("KAFKA_TOPIC_ANNOTATION", "session.transcript.annotation"),
			Principal:       envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		WebSocket: WebSocketConfig{
			SendBuffer:      envOrDefaultInt("WS_SEND_BUFFER", 256),
			MaxMessageBytes: int64(envOrDefaultInt("WS_MAX_MESSAGE_BYTES", 1024*1024)),
			AllowedOrigins:  envList("WS_ALLOWED_ORIGINS"),
		},
		Observability: ObservabilityConfig{
			LogLevel:  envOrDefault("LOG_LEVEL", "info"),
			LogFormat: envOrDefault("LOG_FORMAT", "json"),
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// envList splits a comma separated variable, dropping empty items.
func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
