// Package config loads and validates the tokengate YAML configuration.
package config

// Config is the root configuration for tokengate.
type Config struct {
	Gateway      GatewayConfig            `yaml:"gateway,omitempty"`
	Providers    map[string]ProviderEntry `yaml:"providers,omitempty"`
	Metering     MeteringConfig           `yaml:"metering,omitempty"`
	Conversation ConversationConfig       `yaml:"conversation,omitempty"`
	Store        StoreConfig              `yaml:"store,omitempty"`
	Logging      LoggingConfig            `yaml:"logging,omitempty"`
}

// GatewayConfig controls the HTTP/SSE/WebSocket server.
type GatewayConfig struct {
	Port           int         `yaml:"port,omitempty"`
	Bind           string      `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string      `yaml:"customBindHost,omitempty"`
	Auth           GatewayAuth `yaml:"auth,omitempty"`
	AllowedOrigins []string    `yaml:"allowedOrigins,omitempty"`
}

// GatewayAuth configures bearer-token authentication.
type GatewayAuth struct {
	Token string `yaml:"token,omitempty"`
}

// ProviderEntry defines one AI provider and its models.
type ProviderEntry struct {
	APIKey         string       `yaml:"apiKey,omitempty"`
	BaseURL        string       `yaml:"baseUrl,omitempty"`
	TimeoutSeconds int          `yaml:"timeoutSeconds,omitempty"` // hard per-call ceiling
	Models         []ModelEntry `yaml:"models,omitempty"`
}

// ModelEntry defines a single model and its static capability set.
type ModelEntry struct {
	ID            string   `yaml:"id"`
	Capabilities  []string `yaml:"capabilities"`
	TestStatus    string   `yaml:"testStatus,omitempty"` // "connected" | "failed" | "untested"
	MaxTokens     int      `yaml:"maxTokens,omitempty"`
	ContextWindow int      `yaml:"contextWindow,omitempty"`
}

// MeteringConfig controls token estimation and media pricing.
type MeteringConfig struct {
	// CharsPerToken is the divisor for length-derived token measurement.
	CharsPerToken int `yaml:"charsPerToken,omitempty"`
	// MaxOutputReserve caps the output portion of a reservation estimate.
	MaxOutputReserve int64 `yaml:"maxOutputReserve,omitempty"`
	// RetryAttempts bounds pre-first-chunk retries of transient failures.
	RetryAttempts int `yaml:"retryAttempts,omitempty"`
	// FilePrices maps media capabilities to fixed file-token prices.
	FilePrices map[string]int64 `yaml:"filePrices,omitempty"`
}

// ConversationConfig controls chatbot-mode history.
type ConversationConfig struct {
	// HistoryTurns bounds how many prior turns are supplied as context.
	HistoryTurns int `yaml:"historyTurns,omitempty"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
}
