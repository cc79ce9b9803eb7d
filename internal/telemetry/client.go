// Package telemetry sends anonymous evaluation-round events to PostHog. It is
// opt-in and never blocks the training loop.
package telemetry

import (
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/posthog/posthog-go"
)

// Event names.
const (
	EventRoundEvaluated   = "round_evaluated"
	EventBestImproved     = "best_checkpoint_improved"
	EventTrainingFinished = "training_finished"
	EventCommandExecuted  = "command_executed"
)

// Client tracks events.
type Client interface {
	// Track enqueues an event and returns immediately.
	Track(event string, properties map[string]any)
	// Close flushes pending events.
	Close() error
}

// enqueuer is the subset of the PostHog client in use.
type enqueuer interface {
	io.Closer
	Enqueue(msg posthog.Message) error
}

// PostHogClient sends events through the PostHog SDK.
type PostHogClient struct {
	client      enqueuer
	distinctID  string
	version     string
	mu          sync.RWMutex
	initialized bool
}

// ClientConfig configures a PostHogClient.
type ClientConfig struct {
	APIKey string
	// Endpoint overrides the PostHog cloud endpoint (self-hosted).
	Endpoint string
	Version  string
	// DistinctID identifies the installation, never the user.
	DistinctID string
}

// NewPostHogClient returns a client. Without an API key it returns an
// uninitialized client whose Track is a no-op.
func NewPostHogClient(cfg ClientConfig) (*PostHogClient, error) {
	if cfg.APIKey == "" {
		return &PostHogClient{distinctID: cfg.DistinctID, version: cfg.Version}, nil
	}
	phConfig := posthog.Config{
		BatchSize: 20,
		Interval:  5 * time.Second,
		Logger:    quietPostHogLogger{},
	}
	if cfg.Endpoint != "" {
		phConfig.Endpoint = cfg.Endpoint
	}
	client, err := posthog.NewWithConfig(cfg.APIKey, phConfig)
	if err != nil {
		return nil, err
	}
	return newPostHogClientWithEnqueuer(client, cfg.DistinctID, cfg.Version), nil
}

func newPostHogClientWithEnqueuer(enq enqueuer, distinctID, version string) *PostHogClient {
	return &PostHogClient{
		client:      enq,
		distinctID:  distinctID,
		version:     version,
		initialized: true,
	}
}

// Track implements Client.
func (c *PostHogClient) Track(event string, properties map[string]any) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return
	}

	props := posthog.NewProperties()
	for k, v := range properties {
		props.Set(k, v)
	}
	props.Set("os", runtime.GOOS)
	props.Set("arch", runtime.GOARCH)
	props.Set("cli_version", c.version)
	props.Set("$process_person_profile", false)

	_ = c.client.Enqueue(posthog.Capture{
		DistinctId: c.distinctID,
		Event:      event,
		Properties: props,
	})
}

// Close implements Client.
func (c *PostHogClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized || c.client == nil {
		return nil
	}
	c.initialized = false
	return c.client.Close()
}

// NoopClient drops every event.
type NoopClient struct{}

func (NoopClient) Track(string, map[string]any) {}
func (NoopClient) Close() error                 { return nil }

type quietPostHogLogger struct{}

func (quietPostHogLogger) Debugf(string, ...interface{}) {}
func (quietPostHogLogger) Logf(string, ...interface{})   {}
func (quietPostHogLogger) Warnf(string, ...interface{})  {}
func (quietPostHogLogger) Errorf(string, ...interface{}) {}
