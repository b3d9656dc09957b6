// Package configfile loads jqm.Config plus deployment-level settings
// (database DSN, node identity, listen address) from a YAML file with
// environment-variable overrides, using viper (§6/§6.1).
package configfile

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	jqm "github.com/ErikWegner/jqm"
)

// File is the on-disk/environment shape. Field names are the
// mapstructure keys; nested "engine"/"node"/"artifact"/"killsignal"
// sections mirror the option names listed in §6/§6.1.
type File struct {
	Node struct {
		Name                  string `mapstructure:"name"`
		Host                  string `mapstructure:"host"`
		Port                  int    `mapstructure:"port"`
		RepoPath              string `mapstructure:"repo_path"`
		TmpPath               string `mapstructure:"tmp_path"`
		PollIntervalMsDefault int    `mapstructure:"poll_interval_ms_default"`
		MaxConcurrentDefault  int    `mapstructure:"max_concurrent_default"`
	} `mapstructure:"node"`

	Engine struct {
		DrainTimeoutMs  int  `mapstructure:"drain_timeout_ms"`
		RestartOnCrash  bool `mapstructure:"restart_on_crash"`
		MaxMessageChars int  `mapstructure:"max_message_chars"`
		MaxRestartChain int  `mapstructure:"max_restart_chain"`
	} `mapstructure:"engine"`

	Artifact struct {
		FetchRatePerSecond float64 `mapstructure:"fetch_rate_per_second"`
		SourceBaseURL      string  `mapstructure:"source_base_url"`
	} `mapstructure:"artifact"`

	Killsignal struct {
		RedisAddr string `mapstructure:"redis_addr"`
	} `mapstructure:"killsignal"`

	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // json | text
	} `mapstructure:"log"`
}

// Load reads path (YAML) into a File, applying JQM_-prefixed
// environment variable overrides (e.g. JQM_DATABASE_DSN overrides
// database.dsn), and returns the parsed File plus a jqm.Config
// initialized from jqm.DefaultConfig() and overlaid with any values
// path set.
func Load(path string) (*File, jqm.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("jqm")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, jqm.Config{}, fmt.Errorf("jqm/configfile: read %s: %w", path, err)
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, jqm.Config{}, fmt.Errorf("jqm/configfile: unmarshal %s: %w", path, err)
	}

	return &f, f.toConfig(), nil
}

func setDefaults(v *viper.Viper) {
	def := jqm.DefaultConfig()
	v.SetDefault("node.poll_interval_ms_default", def.NodePollIntervalDefault.Milliseconds())
	v.SetDefault("node.max_concurrent_default", def.NodeMaxConcurrentDefault)
	v.SetDefault("engine.drain_timeout_ms", def.DrainTimeout.Milliseconds())
	v.SetDefault("engine.restart_on_crash", def.RestartOnCrash)
	v.SetDefault("engine.max_message_chars", def.MaxMessageChars)
	v.SetDefault("engine.max_restart_chain", def.MaxRestartChain)
	v.SetDefault("artifact.fetch_rate_per_second", def.ArtifactFetchRatePerSecond)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// toConfig projects File onto jqm.Config, the subset the engine
// actually consumes; Node/Database/Log settings are bootstrap-only and
// have no jqm.Config equivalent.
func (f *File) toConfig() jqm.Config {
	return jqm.Config{
		NodePollIntervalDefault:    time.Duration(f.Node.PollIntervalMsDefault) * time.Millisecond,
		NodeMaxConcurrentDefault:   f.Node.MaxConcurrentDefault,
		DrainTimeout:               time.Duration(f.Engine.DrainTimeoutMs) * time.Millisecond,
		RestartOnCrash:             f.Engine.RestartOnCrash,
		MaxMessageChars:            f.Engine.MaxMessageChars,
		MaxRestartChain:            f.Engine.MaxRestartChain,
		ArtifactFetchRatePerSecond: f.Artifact.FetchRatePerSecond,
		RedisAddr:                  f.Killsignal.RedisAddr,
	}
}
