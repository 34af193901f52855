package config

import (
	"strings"
	"time"
)

// ReconcilerConfig contains tuning for the result reconciler: the pre-finalize
// consistency waiter, the mark and options retry budgets, and the post-terminal
// teardown grace period.
type ReconcilerConfig struct {
	// WaitInterval is the delay between consistency waiter polls.
	WaitInterval time.Duration `env:"RECONCILER_WAIT_INTERVAL" envDefault:"500ms"`

	// WaitAttempts bounds how many times the waiter polls before giving up.
	WaitAttempts int `env:"RECONCILER_WAIT_ATTEMPTS" envDefault:"15"`

	// MarkRetryInterval is the delay between marked-response poll attempts
	// for grouped runs.
	MarkRetryInterval time.Duration `env:"RECONCILER_MARK_RETRY_INTERVAL" envDefault:"50ms"`

	// MarkRetryAttempts bounds the marked-response poll loop.
	MarkRetryAttempts int `env:"RECONCILER_MARK_RETRY_ATTEMPTS" envDefault:"20"`

	// OptionsRetryInterval is the delay between add-options readiness polls.
	OptionsRetryInterval time.Duration `env:"RECONCILER_OPTIONS_RETRY_INTERVAL" envDefault:"100ms"`

	// OptionsRetryAttempts bounds the add-options readiness poll loop.
	OptionsRetryAttempts int `env:"RECONCILER_OPTIONS_RETRY_ATTEMPTS" envDefault:"600"`

	// TeardownGrace is how long channel and cache resources linger after a
	// terminal status before teardown.
	TeardownGrace time.Duration `env:"RECONCILER_TEARDOWN_GRACE" envDefault:"5s"`

	// DocStore selects the document store backend: postgres or memory.
	DocStore string `env:"RECONCILER_DOC_STORE" envDefault:"postgres"`
}

// Sanitize applies guardrails to reconciler configuration values.
func (c *ReconcilerConfig) Sanitize() {
	if c.WaitInterval <= 0 {
		c.WaitInterval = 500 * time.Millisecond
	}
	if c.WaitAttempts < 1 {
		c.WaitAttempts = 1
	}
	if c.MarkRetryInterval <= 0 {
		c.MarkRetryInterval = 50 * time.Millisecond
	}
	if c.MarkRetryAttempts < 1 {
		c.MarkRetryAttempts = 1
	}
	if c.OptionsRetryInterval <= 0 {
		c.OptionsRetryInterval = 100 * time.Millisecond
	}
	if c.OptionsRetryAttempts < 1 {
		c.OptionsRetryAttempts = 1
	}
	if c.TeardownGrace < 0 {
		c.TeardownGrace = 0
	}
	c.DocStore = strings.ToLower(strings.TrimSpace(c.DocStore))
	if c.DocStore != "postgres" && c.DocStore != "memory" {
		c.DocStore = "postgres"
	}
}

// WriterConfig contains connection settings for the remote result-writer
// channel.
type WriterConfig struct {
	// URL is the websocket endpoint of the result-writer service.
	URL string `env:"WRITER_URL" envDefault:"ws://localhost:9300/channel"`

	// Token authenticates channel opens.
	Token string `env:"WRITER_TOKEN" envDefault:""`

	// ProjectID identifies the owning project on channel opens.
	ProjectID string `env:"WRITER_PROJECT_ID" envDefault:""`

	// ChannelTimeout bounds how long a single channel may stay open.
	ChannelTimeout time.Duration `env:"WRITER_CHANNEL_TIMEOUT" envDefault:"1h"`

	// ScopeTTL bounds how long scope routing entries live in the cache.
	ScopeTTL time.Duration `env:"WRITER_SCOPE_TTL" envDefault:"2h"`
}

// Sanitize applies guardrails to writer channel configuration values.
func (c *WriterConfig) Sanitize() {
	c.URL = strings.TrimSpace(c.URL)
	if c.ChannelTimeout <= 0 {
		c.ChannelTimeout = time.Hour
	}
	if c.ScopeTTL <= 0 {
		c.ScopeTTL = 2 * time.Hour
	}
}

// BlobStoreConfig contains S3 blob storage configuration for result
// artifacts.
type BlobStoreConfig struct {
	Enabled     bool   `env:"BLOB_ENABLED"      envDefault:"false"`
	EndpointURL string `env:"BLOB_ENDPOINT_URL" envDefault:""`
	Region      string `env:"BLOB_REGION"       envDefault:"us-east-1"`
	Bucket      string `env:"BLOB_BUCKET"       envDefault:"loadrun-results"`
	AccessKey   string `env:"BLOB_ACCESS_KEY"   envDefault:""`
	SecretKey   string `env:"BLOB_SECRET_KEY"   envDefault:""`
	KeyPrefix   string `env:"BLOB_KEY_PREFIX"   envDefault:"results/"`
}

// Sanitize applies guardrails to blob store configuration values.
func (c *BlobStoreConfig) Sanitize() {
	c.EndpointURL = strings.TrimSpace(c.EndpointURL)
	c.Bucket = strings.TrimSpace(c.Bucket)
	if c.Bucket == "" {
		c.Enabled = false
	}
}
