package telemetry

// Config holds configuration for the tracer
type Config struct {
	// ServiceName is the name of the service
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Environment is the deployment environment (dev, staging, production)
	Environment string

	// Enabled determines whether tracing is enabled.
	// When false, a noop tracer is used
	Enabled bool

	// Endpoint is the OTLP/HTTP collector endpoint, either host:port or a URL.
	// If empty, spans are recorded but not exported
	Endpoint string

	// SampleRate is the fraction of traces to sample (0.0 to 1.0)
	SampleRate float64

	// Runtime enables Go runtime instrumentation
	Runtime bool
}

// DefaultConfig returns the configuration used when nothing is configured.
// Tracing is off for the CLI.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "crust",
		ServiceVersion: "dev",
		Environment:    "development",
		SampleRate:     1.0,
	}
}

// ServerConfig returns a configuration suitable for `crust serve`
func ServerConfig(endpoint string) Config {
	return Config{
		ServiceName:    "crust",
		ServiceVersion: "dev",
		Environment:    "production",
		Enabled:        true,
		Endpoint:       endpoint,
		SampleRate:     0.2,
		Runtime:        true,
	}
}
