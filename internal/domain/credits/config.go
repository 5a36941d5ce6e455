package credits

import "time"

// Config holds credit accounting configuration.
type Config struct {
	// InitialGrant is credited as a top-up when an account is opened.
	InitialGrant int64
	// CacheTTL bounds how long the credits read view may be cached.
	CacheTTL time.Duration
	// DefaultEntryLimit is used when listing entries without a limit.
	DefaultEntryLimit int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		InitialGrant:      0,
		CacheTTL:          30 * time.Second,
		DefaultEntryLimit: 50,
	}
}
