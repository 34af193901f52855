package config

// HTTPConfig contains HTTP server configuration for the health and ingest
// endpoints.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// ShutdownGraceSeconds bounds how long in-flight requests may run during
	// shutdown.
	ShutdownGraceSeconds int `env:"HTTP_SHUTDOWN_GRACE_SECONDS" envDefault:"10"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	if h.ShutdownGraceSeconds < 1 {
		h.ShutdownGraceSeconds = 1
	}
}
