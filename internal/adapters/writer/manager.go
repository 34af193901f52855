package writer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/target/loadrun-api/internal/core"
	"github.com/target/loadrun-api/internal/domain/model"
)

// DefaultChannelTimeout bounds how long a channel may stay open for a job
// that never completes. Hitting it is fatal for the channel, not retried.
const DefaultChannelTimeout = time.Hour

// DefaultScopeTTL bounds the routing cache entry registered on create ack.
const DefaultScopeTTL = 2 * time.Hour

// Credentials authenticate against the result-writer service.
type Credentials struct {
	Token string
}

// ManagerOptions groups dependencies for the channel Manager.
type ManagerOptions struct {
	// URL is the websocket endpoint of the result-writer service.
	URL         string
	Credentials Credentials
	Scope       string
	ProjectID   string
	Agent       model.ExecutionAgent

	Scopes   core.ScopeCache
	Logger   *slog.Logger
	Timeout  time.Duration
	ScopeTTL time.Duration

	// OnTimeout runs when a channel hits its time bound so the owning
	// connection's record can still be finalized as failed.
	OnTimeout func(ctx context.Context, st *core.ConnectionJobState)
}

// Manager opens result-writer channels scoped to (scope, credentials,
// project). At most one channel exists per connection: the channel is
// memoized on the connection state and reused until it closes.
type Manager struct {
	url       string
	creds     Credentials
	scope     string
	projectID string
	agent     model.ExecutionAgent
	scopes    core.ScopeCache
	logger    *slog.Logger
	timeout   time.Duration
	scopeTTL  time.Duration
	onTimeout func(ctx context.Context, st *core.ConnectionJobState)
}

// NewManager constructs a channel Manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("writer service url is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultChannelTimeout
	}
	agent := opts.Agent
	if !agent.Valid() {
		agent = model.AgentCloud
	}
	scopeTTL := opts.ScopeTTL
	if scopeTTL <= 0 {
		scopeTTL = DefaultScopeTTL
	}
	return &Manager{
		url:       opts.URL,
		creds:     opts.Credentials,
		scope:     opts.Scope,
		projectID: opts.ProjectID,
		agent:     agent,
		scopes:    opts.Scopes,
		logger:    logger,
		timeout:   timeout,
		scopeTTL:  scopeTTL,
		onTimeout: opts.OnTimeout,
	}, nil
}

// Get returns the connection's writer channel, opening one if none is
// memoized yet.
func (m *Manager) Get(ctx context.Context, st *core.ConnectionJobState) (core.WriterChannel, error) {
	if ch := st.Channel(); ch != nil {
		return ch, nil
	}

	header := http.Header{}
	if m.creds.Token != "" {
		header.Set("Authorization", "Bearer "+m.creds.Token)
	}
	header.Set("X-Loadrun-Project", m.projectID)

	//nolint:bodyclose // the websocket hijacks the connection; Close owns it
	conn, _, err := websocket.Dial(ctx, m.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial writer service: %w", err)
	}

	ch := &Channel{
		conn:     conn,
		state:    st,
		scopes:   m.scopes,
		logger:   m.logger,
		scope:    m.scope,
		agent:    m.agent,
		scopeTTL: m.scopeTTL,
		done:     make(chan struct{}),
	}
	ch.timer = time.AfterFunc(m.timeout, func() { m.expire(st, ch) })

	go ch.readLoop(context.WithoutCancel(ctx))

	m.logger.InfoContext(ctx, "writer channel opened",
		"job_id", st.JobID(), "agent", string(m.agent))
	return ch, nil
}

// expire force-closes a channel whose job never completed within the time
// bound. The record would otherwise stay Loading forever, so the timeout
// hook finalizes it as failed before the close.
func (m *Manager) expire(st *core.ConnectionJobState, ch *Channel) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m.logger.ErrorContext(ctx, "writer channel timed out",
		"job_id", st.JobID(), "timeout", m.timeout.String())

	if m.onTimeout != nil {
		m.onTimeout(ctx, st)
	}
	if err := ch.Close(); err != nil {
		m.logger.DebugContext(ctx, "close timed-out channel failed", "error", err)
	}
}
