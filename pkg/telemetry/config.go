package telemetry

import "strings"

// Config holds OpenTelemetry configuration. It is populated from the
// "telemetry" section of the citypipe configuration.
type Config struct {
	// Enabled turns on span export. When false, Init leaves the global
	// no-op TracerProvider in place.
	Enabled bool `mapstructure:"enabled"`

	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`

	// Endpoint is the OTLP collector endpoint, with or without scheme.
	Endpoint string `mapstructure:"endpoint"`

	// Protocol is "grpc" (default) or "http/protobuf".
	Protocol string `mapstructure:"protocol"`

	// Headers are sent with every export request, e.g. Authorization.
	Headers map[string]string `mapstructure:"headers"`

	Insecure bool `mapstructure:"insecure"`

	// SampleRatio is the fraction of root spans sampled (0..1).
	// Child spans follow their parent's decision.
	SampleRatio float64 `mapstructure:"sample_ratio"`

	// TraceQueries also traces every gorm statement.
	TraceQueries bool `mapstructure:"trace_queries"`
}

// DefaultConfig returns a disabled configuration with full sampling.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "citypipe",
		ServiceVersion: "unknown",
		Protocol:       "grpc",
		SampleRatio:    1.0,
	}
}

func (c Config) useHTTP() bool {
	switch strings.ToLower(c.Protocol) {
	case "http", "http/protobuf":
		return true
	default:
		return false
	}
}

func (c Config) ratio() float64 {
	switch {
	case c.SampleRatio < 0:
		return 0
	case c.SampleRatio > 1:
		return 1
	default:
		return c.SampleRatio
	}
}
