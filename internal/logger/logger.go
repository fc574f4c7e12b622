package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger owns the process-wide zerolog logger and the sinks behind it.
type Logger struct {
	logger   zerolog.Logger
	file     io.Closer
	redactor *Redactor
}

// Config holds logger configuration
type Config struct {
	Level     string   // trace, debug, info, warn, error
	File      string   // log file path, empty disables file output
	Console   bool     // write to stderr
	Pretty    bool     // human readable console output
	Redaction bool     // mask secrets before anything is written
	Secrets   []string // literal values to mask in addition to the built-in patterns
	MaxSize   int      // MB before rotation, 0 disables rotation
	MaxAge    int      // days to keep rotated files
	Compress  bool     // gzip rotated files

	// Output overrides every sink. Used by tests.
	Output io.Writer
}

// New creates the logger and installs it as the global zerolog logger.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var (
		writers []io.Writer
		file    io.Closer
	)

	if cfg.Output != nil {
		writers = append(writers, cfg.Output)
	} else {
		if cfg.Console {
			var console io.Writer = os.Stderr
			if cfg.Pretty {
				console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
			}
			writers = append(writers, console)
		}
		if cfg.File != "" {
			rw, err := NewRotatingWriter(cfg.File, cfg.MaxSize, cfg.MaxAge, cfg.Compress)
			if err != nil {
				return nil, err
			}
			writers = append(writers, rw)
			file = rw
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stderr
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	var redactor *Redactor
	if cfg.Redaction {
		redactor = NewRedactor()
		for _, s := range cfg.Secrets {
			redactor.AddSecret(s)
		}
		writer = redactor.Wrap(writer)
	}

	logger := zerolog.New(writer).
		With().
		Timestamp().
		Logger()

	// The level is global so child loggers handed out earlier follow
	// SetLevel.
	zerolog.SetGlobalLevel(level)
	log.Logger = logger

	return &Logger{
		logger:   logger,
		file:     file,
		redactor: redactor,
	}, nil
}

// Close closes the log file, if any
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Zerolog returns the underlying zerolog.Logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.logger
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.logger.With().Str("component", name).Logger()
}

// Redactor returns the redactor applied to log output. It is nil when
// redaction is disabled.
func (l *Logger) Redactor() *Redactor {
	return l.redactor
}

// SetLevel changes the log level of every logger at runtime.
func (l *Logger) SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
		MaxSize:   100,
		MaxAge:    7,
		Compress:  true,
	}
}
