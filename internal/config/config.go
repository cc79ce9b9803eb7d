// Package config loads tunewatch configuration from defaults, a YAML file, a
// .env file and TUNEWATCH_* environment variables.
package config

// Config is the effective configuration of a run.
type Config struct {
	// JobID identifies the training job. Empty means a new id per run.
	JobID string `mapstructure:"job_id" yaml:"job_id"`
	// StateDir holds the telemetry state and crash reports.
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`

	Model       ModelConfig       `mapstructure:"model" yaml:"model"`
	Data        DataConfig        `mapstructure:"data" yaml:"data"`
	Predictions PredictionsConfig `mapstructure:"predictions" yaml:"predictions"`
	Remote      RemoteConfig      `mapstructure:"remote" yaml:"remote"`
	Sinks       SinksConfig       `mapstructure:"sinks" yaml:"sinks"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry" yaml:"telemetry"`
}

// ModelConfig describes the model being fine-tuned.
type ModelConfig struct {
	ID string `mapstructure:"id" yaml:"id"`
	// TemplateFamily forces a chat template family. Empty means detect it
	// from ChatTemplatePath and ID.
	TemplateFamily   string `mapstructure:"template_family" yaml:"template_family" validate:"omitempty,oneof=chatml qwen llama3 llama-3 mistral llama2 llama-2 alpaca gemma phi3 phi-3 custom unknown"`
	ResponseMarker   string `mapstructure:"response_marker" yaml:"response_marker" validate:"required_if=TemplateFamily custom"`
	ChatTemplatePath string `mapstructure:"chat_template_path" yaml:"chat_template_path"`
	Tokenizer        string `mapstructure:"tokenizer" yaml:"tokenizer" validate:"oneof=bpe word"`
	Encoding         string `mapstructure:"encoding" yaml:"encoding"`
	MaxLength        int    `mapstructure:"max_length" yaml:"max_length" validate:"gte=0"`
}

// DataConfig locates the training data and the tokenized cache.
type DataConfig struct {
	DatasetPath       string  `mapstructure:"dataset_path" yaml:"dataset_path"`
	PredictionSetPath string  `mapstructure:"prediction_set_path" yaml:"prediction_set_path"`
	CacheDir          string  `mapstructure:"cache_dir" yaml:"cache_dir" validate:"required"`
	EvalRatio         float64 `mapstructure:"eval_ratio" yaml:"eval_ratio" validate:"gte=0,lt=1"`
	Seed              uint64  `mapstructure:"seed" yaml:"seed"`
}

// PredictionsConfig controls per-round generation.
type PredictionsConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	Count        int    `mapstructure:"count" yaml:"count" validate:"gte=0"`
	Seed         uint64 `mapstructure:"seed" yaml:"seed"`
	MaxNewTokens int    `mapstructure:"max_new_tokens" yaml:"max_new_tokens" validate:"gt=0"`
	Scorer       string `mapstructure:"scorer" yaml:"scorer" validate:"omitempty,oneof=none exact_match edit_similarity"`
	QueueSize    int    `mapstructure:"queue_size" yaml:"queue_size" validate:"gte=0"`
}

// RemoteConfig points at the server hosting the checkpoint for generation.
type RemoteConfig struct {
	Provider string `mapstructure:"provider" yaml:"provider" validate:"omitempty,oneof=openai ollama"`
	Model    string `mapstructure:"model" yaml:"model"`
	BaseURL  string `mapstructure:"base_url" yaml:"base_url" validate:"omitempty,url"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Seed     int    `mapstructure:"seed" yaml:"seed"`
}

// SinksConfig selects where prediction records go. Several may be set.
type SinksConfig struct {
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	JSONLPath  string `mapstructure:"jsonl_path" yaml:"jsonl_path"`
	HTTPURL    string `mapstructure:"http_url" yaml:"http_url" validate:"omitempty,url"`
	HTTPToken  string `mapstructure:"http_token" yaml:"http_token,omitempty"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
	File   string `mapstructure:"file" yaml:"file"`
}

// TelemetryConfig controls anonymous usage events. Off by default.
type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
}

// Redacted returns a copy with secrets masked, for display.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "****"
	}
	c.Remote.APIKey = mask(c.Remote.APIKey)
	c.Sinks.HTTPToken = mask(c.Sinks.HTTPToken)
	c.Telemetry.APIKey = mask(c.Telemetry.APIKey)
	return c
}
