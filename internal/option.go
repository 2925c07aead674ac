package internal

// Option configures the application assembled by Run and RunMCP.
type Option func(*application)

// application collects everything the entry points need before wiring the
// store, HTTP, and MCP surfaces together.
type application struct {
	config *Config
}

// WithConfig supplies the loaded configuration. Run fails without one.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}
