package jqm

import "time"

// Config holds the configuration options named in §6/§6.1 of the
// specification. A binding with a zero PollInterval uses
// NodePollIntervalDefault. A binding with a zero MaxConcurrent is not
// started at all; NodeMaxConcurrentDefault does not fill in for it.
type Config struct {
	// NodePollIntervalDefault is node.pollIntervalMsDefault: the default
	// poll cadence when a binding does not override it.
	NodePollIntervalDefault time.Duration

	// NodeMaxConcurrentDefault is node.maxConcurrentDefault.
	NodeMaxConcurrentDefault int

	// DrainTimeout is engine.drainTimeoutMs: the graceful shutdown
	// deadline before the Dispatcher force-cancels in-flight Runners.
	DrainTimeout time.Duration

	// RestartOnCrash is engine.restartOnCrash. It is loaded from
	// configuration, but nothing in the engine reads it: whether a
	// crashed instance is restarted depends on JobDefinition.CanRestart
	// alone.
	RestartOnCrash bool

	// MaxMessageChars is engine.maxMessageChars: the truncation length
	// for Message.TextBody.
	MaxMessageChars int

	// MaxRestartChain resolves spec.md §9 Open Question 2: the maximum
	// number of CRASHED→restart hops a chain of instances may take
	// before the tail is dead-lettered instead of restarted.
	MaxRestartChain int

	// ArtifactFetchRatePerSecond bounds outbound artifact fetches per
	// node (§5, shared artifact cache).
	ArtifactFetchRatePerSecond float64

	// RedisAddr, when non-empty, enables the optional killsignal
	// fast-path fan-out described in §5.1. Empty disables it; the
	// database-backed kill marker remains authoritative either way.
	RedisAddr string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		NodePollIntervalDefault:   1 * time.Second,
		NodeMaxConcurrentDefault:  10,
		DrainTimeout:              30 * time.Second,
		RestartOnCrash:            true,
		MaxMessageChars:           1000,
		MaxRestartChain:           1,
		ArtifactFetchRatePerSecond: 5,
	}
}
