package config

import "github.com/spf13/viper"

// Default values.
const (
	DefaultCacheDir     = ".tunewatch/cache"
	DefaultStateDir     = ".tunewatch"
	DefaultMaxLength    = 2048
	DefaultEvalRatio    = 0.05
	DefaultSeed         = 42
	DefaultSampleCount  = 8
	DefaultMaxNewTokens = 128
	DefaultQueueSize    = 16
	DefaultSQLitePath   = ".tunewatch/predictions.db"
)

// Every key gets a default, empty when there is none, so that environment
// overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("job_id", "")
	v.SetDefault("state_dir", DefaultStateDir)

	v.SetDefault("model.id", "")
	v.SetDefault("model.template_family", "")
	v.SetDefault("model.response_marker", "")
	v.SetDefault("model.chat_template_path", "")

	v.SetDefault("model.tokenizer", "bpe")
	v.SetDefault("model.encoding", "cl100k_base")
	v.SetDefault("model.max_length", DefaultMaxLength)

	v.SetDefault("data.dataset_path", "")
	v.SetDefault("data.prediction_set_path", "")
	v.SetDefault("data.cache_dir", DefaultCacheDir)
	v.SetDefault("data.eval_ratio", DefaultEvalRatio)
	v.SetDefault("data.seed", DefaultSeed)

	v.SetDefault("predictions.enabled", true)
	v.SetDefault("predictions.count", DefaultSampleCount)
	v.SetDefault("predictions.seed", DefaultSeed)
	v.SetDefault("predictions.max_new_tokens", DefaultMaxNewTokens)
	v.SetDefault("predictions.scorer", "edit_similarity")
	v.SetDefault("predictions.queue_size", DefaultQueueSize)

	v.SetDefault("remote.provider", "")
	v.SetDefault("remote.model", "")
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.seed", DefaultSeed)

	v.SetDefault("sinks.sqlite_path", DefaultSQLitePath)
	v.SetDefault("sinks.jsonl_path", "")
	v.SetDefault("sinks.http_url", "")
	v.SetDefault("sinks.http_token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.api_key", "")
	v.SetDefault("telemetry.endpoint", "")
}
