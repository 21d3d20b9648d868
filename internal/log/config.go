package log

// LoggerConfig is the ambient logging configuration, decoded by viper
// from the engine's own config file (never the pipeline graph spec).
type LoggerConfig struct {
	Level     string           `mapstructure:"level"`
	Pattern   string           `mapstructure:"pattern"`
	Time      string           `mapstructure:"time"`
	Appenders []AppenderConfig `mapstructure:"appenders"`
}

// AppenderConfig describes one log output sink.
type AppenderConfig struct {
	Type    string               `mapstructure:"type"` // "console" | "file"
	File    FileAppenderOptions  `mapstructure:"file,omitempty"`
}

// FileAppenderOptions configures the lumberjack-backed rotating file appender.
type FileAppenderOptions struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns the engine's default logging configuration:
// plain console output at info level.
func DefaultConfig() LoggerConfig {
	return LoggerConfig{
		Level:   "info",
		Pattern: "%time [%level] %caller: %msg",
		Time:    "2006-01-02 15:04:05.000",
		Appenders: []AppenderConfig{
			{Type: "console"},
		},
	}
}
