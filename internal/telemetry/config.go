package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// StateFileName holds the installation id.
const StateFileName = "telemetry.json"

// State is persisted next to the user configuration.
type State struct {
	AnonymousID string `json:"anonymous_id"`
}

// LoadState reads dir/telemetry.json, creating it with a fresh anonymous id
// when missing.
func LoadState(fs afero.Fs, dir string) (State, error) {
	path := filepath.Join(dir, StateFileName)
	var st State
	data, err := afero.ReadFile(fs, path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &st); err != nil {
			return State{}, fmt.Errorf("parse telemetry state: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return State{}, fmt.Errorf("read telemetry state: %w", err)
	}
	if st.AnonymousID != "" {
		return st, nil
	}

	st.AnonymousID = uuid.NewString()
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return State{}, fmt.Errorf("create telemetry dir: %w", err)
	}
	data, err = json.MarshalIndent(st, "", "  ")
	if err != nil {
		return State{}, err
	}
	if err := afero.WriteFile(fs, path, data, 0o600); err != nil {
		return State{}, fmt.Errorf("write telemetry state: %w", err)
	}
	return st, nil
}

// New returns a PostHog client when enabled and an API key is set, and a
// NoopClient otherwise.
func New(fs afero.Fs, dir string, enabled bool, cfg ClientConfig) (Client, error) {
	if !enabled || cfg.APIKey == "" {
		return NoopClient{}, nil
	}
	st, err := LoadState(fs, dir)
	if err != nil {
		return nil, err
	}
	cfg.DistinctID = st.AnonymousID
	return NewPostHogClient(cfg)
}
