package logging

import "go.uber.org/zap/zapcore"

// Config is the configuration for the logging subsystem.
type Config struct {
	// Level is the logging level.
	Level zapcore.Level `yaml:"level"`
	// Format selects "console" (default) or "json" output.
	Format string `yaml:"format"`
	// Sample rate-limits repeated messages; protocol-path debug logging
	// can otherwise flood under retransmit storms. Zero disables
	// sampling.
	Sample int `yaml:"sample"`
}
