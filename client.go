package langsmith

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/langchain-ai/langsmith-sdk-go/internal/log"
	"github.com/langchain-ai/langsmith-sdk-go/internal/wire"
)

// config holds the client configuration keys, loadable either via
// functional Option or via environment variables through caarlos0/env
// (mirrors the teacher's env-tag driven option defaults). There is no
// byte-size batch limit: batches are cut by item count only. RunsEndpoints
// is read from the environment only, with env's own map syntax rather than
// JSON, and nothing routes runs by it.
type config struct {
	Endpoint       string            `env:"LANGSMITH_ENDPOINT" envDefault:"https://api.smith.langchain.com"`
	APIKey         string            `env:"LANGSMITH_API_KEY"`
	WorkspaceID    string            `env:"LANGSMITH_WORKSPACE_ID"`
	Project        string            `env:"LANGSMITH_PROJECT" envDefault:"default"`
	TimeoutMs      int               `env:"LANGSMITH_TIMEOUT_MS" envDefault:"15000"`
	MaxRetries     uint              `env:"LANGSMITH_MAX_RETRIES" envDefault:"5"`
	MaxConcurrency int               `env:"LANGSMITH_MAX_CONCURRENCY" envDefault:"4"`
	BatchSizeLimit int               `env:"LANGSMITH_BATCH_SIZE_LIMIT" envDefault:"100"`
	SamplingRate   float64           `env:"LANGSMITH_SAMPLING_RATE" envDefault:"1.0"`
	HideInputs     bool              `env:"LANGSMITH_HIDE_INPUTS"`
	HideOutputs    bool              `env:"LANGSMITH_HIDE_OUTPUTS"`
	TracingEnabled bool              `env:"LANGSMITH_TRACING_ENABLED" envDefault:"true"`
	RunsEndpoints  map[string]string `env:"LANGSMITH_RUNS_ENDPOINTS"`

	replicas []Replica
	httpTransport http.RoundTripper
}

// Option configures a Client at construction (spec §6), in the teacher's
// functional-option idiom (`ddtrace/tracer.StartOption`).
type Option func(*config)

func WithEndpoint(endpoint string) Option {
	return func(c *config) { c.Endpoint = strings.TrimSuffix(endpoint, "/") }
}

func WithAPIKey(key string) Option { return func(c *config) { c.APIKey = key } }

func WithWorkspaceID(id string) Option { return func(c *config) { c.WorkspaceID = id } }

func WithProject(project string) Option { return func(c *config) { c.Project = project } }

func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.TimeoutMs = int(d.Milliseconds()) }
}

func WithMaxRetries(n uint) Option { return func(c *config) { c.MaxRetries = n } }

func WithMaxConcurrency(n int) Option { return func(c *config) { c.MaxConcurrency = n } }

func WithBatchSizeLimit(n int) Option { return func(c *config) { c.BatchSizeLimit = n } }

func WithSamplingRate(r float64) Option { return func(c *config) { c.SamplingRate = r } }

func WithHideInputs(hide bool) Option { return func(c *config) { c.HideInputs = hide } }

func WithHideOutputs(hide bool) Option { return func(c *config) { c.HideOutputs = hide } }

// WithTracingEnabled toggles the kill switch from spec §6: when false,
// Traceable becomes an identity wrapper that still preserves ambient
// context (see traceable.go).
func WithTracingEnabled(enabled bool) Option { return func(c *config) { c.TracingEnabled = enabled } }

// WithReplicas configures additional fan-out destinations. A replica whose
// endpoint+project pair (empty fields falling back to the client's own)
// collides with the client's or another replica's is a construction-time
// error (ErrConflictingDestinations),
// not a runtime one, so misconfiguration is caught at Start/NewClient.
func WithReplicas(replicas ...Replica) Option {
	return func(c *config) { c.replicas = replicas }
}

// WithHTTPTransport overrides the http.RoundTripper used by the default
// sender, for tests that want to point the client at an in-process fake
// server without going over the network.
func WithHTTPTransport(rt http.RoundTripper) Option {
	return func(c *config) { c.httpTransport = rt }
}

func loadConfigFromEnv() config {
	var c config
	if err := env.Parse(&c); err != nil {
		log.Warn("langsmith: failed to parse environment configuration, using defaults: %v", err)
	}
	return c
}

// Client is the top-level handle a host application holds: it owns the
// dispatcher, the sampler, and the resolved configuration. Mirrors the
// teacher's *tracer type sitting behind the package-level Tracer
// interface (spec §6, SPEC_FULL §4 "Client lifecycle helpers").
type Client struct {
	cfg       config
	dispatcher *dispatcher
	sampler    *sampler
	env        EnvironmentSnapshot
}

// NewClient builds a Client from environment defaults overridden by opts.
// Returns ErrConflictingDestinations if replicas and the primary endpoint
// resolve to the same destination (spec §7 "Validation failure").
func NewClient(opts ...Option) (*Client, error) {
	cfg := loadConfigFromEnv()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := validateDestinations(cfg); err != nil {
		return nil, err
	}

	dcfg := defaultDispatcherConfig()
	if cfg.MaxRetries > 0 {
		dcfg.MaxRetries = cfg.MaxRetries
	}
	if cfg.MaxConcurrency > 0 {
		dcfg.MaxConcurrency = cfg.MaxConcurrency
	}
	if cfg.BatchSizeLimit > 0 {
		dcfg.BatchSize = cfg.BatchSizeLimit
	}

	transport := cfg.httpTransport
	if transport == nil {
		transport = http.DefaultTransport
	}
	httpClient := &http.Client{
		Timeout:   time.Duration(cfg.TimeoutMs) * time.Millisecond,
		Transport: transport,
	}
	s := &httpSender{
		client:      httpClient,
		endpoint:    cfg.Endpoint,
		apiKey:      cfg.APIKey,
		workspaceID: cfg.WorkspaceID,
		hideInputs:  cfg.HideInputs,
		hideOutputs: cfg.HideOutputs,
	}

	return &Client{
		cfg:        cfg,
		dispatcher: newDispatcher(dcfg, s),
		sampler:    newSampler(cfg.SamplingRate),
		env:        CaptureEnvironment(),
	}, nil
}

func validateDestinations(cfg config) error {
	if len(cfg.replicas) == 0 {
		return nil
	}
	seen := map[string]bool{cfg.Endpoint + "\x00" + cfg.Project: true}
	for _, r := range cfg.replicas {
		endpoint := r.Endpoint
		if endpoint == "" {
			endpoint = cfg.Endpoint
		}
		project := r.Project
		if project == "" {
			project = cfg.Project
		}
		key := endpoint + "\x00" + project
		if seen[key] {
			return ErrConflictingDestinations
		}
		seen[key] = true
	}
	return nil
}

// Close stops the dispatcher after draining pending work, waiting up to
// ctx's deadline.
func (c *Client) Close(ctx context.Context) error {
	err := c.dispatcher.awaitPending(ctx)
	c.dispatcher.close()
	return err
}

// Flush blocks until every operation enqueued so far has been handed to
// the sender, without stopping the client (spec §4.5 "awaitPending").
func (c *Client) Flush(ctx context.Context) error {
	return c.dispatcher.awaitPending(ctx)
}

var (
	defaultClientMu sync.Mutex
	defaultClient    *Client
)

// Start installs the package-level default client, mirroring
// tracer.Start/tracer.Stop (SPEC_FULL §4 "Client lifecycle helpers").
func Start(opts ...Option) error {
	c, err := NewClient(opts...)
	if err != nil {
		return err
	}
	defaultClientMu.Lock()
	defaultClient = c
	defaultClientMu.Unlock()
	return nil
}

// Stop closes the package-level default client, if one was started.
func Stop(ctx context.Context) error {
	defaultClientMu.Lock()
	c := defaultClient
	defaultClient = nil
	defaultClientMu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close(ctx)
}

// defaultClientOrNil returns the package-level client, if Start has been
// called.
func defaultClientOrNil() *Client {
	defaultClientMu.Lock()
	defer defaultClientMu.Unlock()
	return defaultClient
}

// httpSender is the production sender: POSTs a multipart-encoded batch to
// {endpoint}/runs/multipart (spec §6).
type httpSender struct {
	client      *http.Client
	endpoint    string
	apiKey      string
	workspaceID string
	hideInputs  bool
	hideOutputs bool
}

func (s *httpSender) Send(ctx context.Context, dest destination, batch []runSnapshot) error {
	endpoint := dest.Endpoint
	if endpoint == "" {
		endpoint = s.endpoint
	}
	apiKey := dest.APIKey
	if apiKey == "" {
		apiKey = s.apiKey
	}
	workspaceID := dest.WorkspaceID
	if workspaceID == "" {
		workspaceID = s.workspaceID
	}

	ops := make([]wire.RunOperation, 0, len(batch))
	for _, snap := range batch {
		ops = append(ops, snapshotToWireOp(snap, s.hideInputs, s.hideOutputs))
	}
	contentType, body, err := wire.EncodeBatch(ops)
	if err != nil {
		return fmt.Errorf("langsmith: encoding batch: %w", err)
	}

	url := strings.TrimSuffix(endpoint, "/") + "/runs/multipart"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("langsmith: building request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	if workspaceID != "" {
		req.Header.Set("x-tenant-id", workspaceID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("langsmith: sending batch: %w", err)
	}
	defer resp.Body.Close()
	if isRetryableStatus(resp.StatusCode) {
		return fmt.Errorf("langsmith: ingest returned retryable status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		// Permanent per-batch failure: log and drop rather than retry, since
		// retrying a 4xx would just repeat the same rejection forever.
		log.Error("langsmith: ingest rejected batch of %d run(s) with status %d", len(batch), resp.StatusCode)
		return nil
	}
	return nil
}

// isRetryableStatus reports whether status is one of the transient
// failures spec §4.5/§7 name as retryable: 408, 409, 429, and 500-599.
// Every other 4xx is treated as a permanent client error and is not
// retried.
func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return true
	default:
		return status >= 500
	}
}

func snapshotToWireOp(snap runSnapshot, hideInputs, hideOutputs bool) wire.RunOperation {
	kind := wire.OpCreate
	if !snap.EndTime.IsZero() || snap.HasEnded {
		kind = wire.OpUpdate
	}
	var endTime *time.Time
	if !snap.EndTime.IsZero() {
		t := snap.EndTime
		endTime = &t
	}
	inputs := snap.Inputs
	if hideInputs && inputs != nil {
		inputs = map[string]any{}
	}
	outputs := snap.Outputs
	if hideOutputs && outputs != nil {
		outputs = map[string]any{}
	}

	events := make([]wire.EventJSON, 0, len(snap.Events))
	for _, e := range snap.Events {
		events = append(events, wire.EventJSON{Name: e.Name, Time: e.Time, Kwargs: e.Kwargs})
	}
	attachments := make([]wire.Attachment, 0, len(snap.Attachments))
	for name, a := range snap.Attachments {
		attachments = append(attachments, wire.Attachment{Name: name, MimeType: a.MimeType, Data: a.Data})
	}

	var parentRunID string
	if snap.HasParent {
		parentRunID = snap.ParentRunID.String()
	}

	extra := snap.Extra
	if extra != nil {
		if _, err := json.Marshal(extra); err != nil {
			log.Warn("langsmith: run %s has non-serializable extra metadata, dropping it: %v", snap.ID, err)
			extra = nil
		}
	}

	return wire.RunOperation{
		Kind: kind,
		Summary: wire.RunSummary{
			ID:                 snap.ID.String(),
			TraceID:            snap.TraceID.String(),
			ParentRunID:        parentRunID,
			DottedOrder:        string(snap.DottedOrder),
			Name:               snap.Name,
			RunType:            string(snap.RunType),
			StartTime:          snap.StartTime,
			EndTime:            endTime,
			Error:              snap.Error,
			Tags:               snap.Tags,
			Extra:              extra,
			ReferenceExampleID: snap.ReferenceExampleID,
			Project:            snap.ProjectName,
		},
		Inputs:      inputs,
		Outputs:     outputs,
		Events:      events,
		Attachments: attachments,
	}
}
