// Package log wraps zerolog with the field conventions the rest of the
// Controller logs by: a component tag per package, plus node_id/group_id
// context on anything that touches a specific server or tensor-parallel
// group (spec §4.E/§4.F: every switch and publish decision is per-node,
// per-group, and needs to be traceable back to the rank table entry that
// produced it).
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/mindie/ms-controller/pkg/types"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	// Set log level
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID creates a child logger with node_id field
func WithNodeID(nodeID uint64) zerolog.Logger {
	return Logger.With().Uint64("node_id", nodeID).Logger()
}

// WithGroupID creates a child logger with group_id field
func WithGroupID(groupID int) zerolog.Logger {
	return Logger.With().Int("group_id", groupID).Logger()
}

// WithNode scopes base (typically a component logger from WithComponent)
// to a single rank table entry: node_id, group_id, and its current role.
// The Role Switcher and Cluster Scheduler both reach decision points with
// exactly this triple on hand, so this replaces chaining WithNodeID and
// WithGroupID separately and losing the component field in the process.
func WithNode(base zerolog.Logger, n *types.NodeInfo) zerolog.Logger {
	return base.With().
		Uint64("node_id", n.ID).
		Int("group_id", n.GroupID).
		Str("role", string(n.CurrentRole)).
		Logger()
}

// WithSwitch scopes base to one role-switch attempt, tagging it with the
// state-machine stage the switch reached (spec §4.E: idle / draining /
// announcing / waitingReady / done / failed) so a grep for a single
// node_id reconstructs the whole attempt in order.
func WithSwitch(base zerolog.Logger, nodeID uint64, groupID int, stage string) zerolog.Logger {
	return base.With().
		Uint64("node_id", nodeID).
		Int("group_id", groupID).
		Str("stage", stage).
		Logger()
}

// SetLevel changes the global log level at runtime; wired to the
// Configuration Loader's dotted-path reload callbacks (spec §4.A).
func SetLevel(level Level) {
	switch level {
	case DebugLevel:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case InfoLevel:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case WarnLevel:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case ErrorLevel:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	}
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
