package cli

// Config holds the global flags shared by every command.
type Config struct {
	ConfigFile string
	Root       string
	// Verbosity overrides the configured log level when set
	Verbosity string
	Version   string
}

// NewConfig creates a new CLI configuration with defaults.
func NewConfig() *Config {
	return &Config{
		Root: ".",
	}
}
