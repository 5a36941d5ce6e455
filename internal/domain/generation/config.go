package generation

import "time"

// Config contains orchestrator configuration.
type Config struct {
	CostPerImage        int64         `json:"cost_per_image" mapstructure:"cost_per_image"`
	MaxImagesPerRequest int           `json:"max_images_per_request" mapstructure:"max_images_per_request"`
	DefaultModel        string        `json:"default_model" mapstructure:"default_model"`
	DefaultSize         string        `json:"default_size" mapstructure:"default_size"`
	DefaultListLimit    int           `json:"default_list_limit" mapstructure:"default_list_limit"`
	MaxConcurrent       int           `json:"max_concurrent" mapstructure:"max_concurrent"`
	PollInterval        time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	MaxBackoff          time.Duration `json:"max_backoff" mapstructure:"max_backoff"`
	MaxPollDuration     time.Duration `json:"max_poll_duration" mapstructure:"max_poll_duration"`
	SubmitTimeout       time.Duration `json:"submit_timeout" mapstructure:"submit_timeout"`
	SubmitRetries       int           `json:"submit_retries" mapstructure:"submit_retries"`
	FinalizeTimeout     time.Duration `json:"finalize_timeout" mapstructure:"finalize_timeout"`
	RehostResults       bool          `json:"rehost_results" mapstructure:"rehost_results"`

	// ReservationGrace is how long a held reservation may exist without a
	// task row before SettlePending refunds it.
	ReservationGrace time.Duration `json:"reservation_grace" mapstructure:"reservation_grace"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() *Config {
	return &Config{
		CostPerImage:        1,
		MaxImagesPerRequest: 4,
		DefaultModel:        "default",
		DefaultSize:         "1024x1024",
		DefaultListLimit:    20,
		MaxConcurrent:       10,
		PollInterval:        3 * time.Second,
		MaxBackoff:          time.Minute,
		MaxPollDuration:     15 * time.Minute,
		SubmitTimeout:       30 * time.Second,
		SubmitRetries:       2,
		FinalizeTimeout:     30 * time.Second,
		ReservationGrace:    5 * time.Minute,
	}
}
