// Package log holds the zerolog loggers of the wallet daemon, one per
// component, all derived from Logger.
package log

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the root logger. Component loggers are rebuilt from it by Init.
var Logger zerolog.Logger

var (
	Wallet       zerolog.Logger
	Balance      zerolog.Logger
	Mempool      zerolog.Logger
	TxMgr        zerolog.Logger
	CommitReveal zerolog.Logger
	Scheduler    zerolog.Logger
	Gateway      zerolog.Logger
	Simnet       zerolog.Logger
	RPC          zerolog.Logger
	Storage      zerolog.Logger
	Node         zerolog.Logger
)

var components = map[string]*zerolog.Logger{
	"wallet":       &Wallet,
	"balance":      &Balance,
	"mempool":      &Mempool,
	"txmgr":        &TxMgr,
	"commitreveal": &CommitReveal,
	"scheduler":    &Scheduler,
	"gateway":      &Gateway,
	"simnet":       &Simnet,
	"rpc":          &RPC,
	"storage":      &Storage,
	"node":         &Node,
}

func init() {
	setRoot(NewConsoleLogger(os.Stdout, "info"))
}

// Init replaces the root logger. Console output is colored unless
// jsonOutput is set. A non-empty file additionally receives JSON lines.
func Init(level string, jsonOutput bool, file string) error {
	var console io.Writer = os.Stdout
	if !jsonOutput {
		console = consoleWriter(os.Stdout)
	}
	out := console
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(console, f)
	}
	setRoot(newLogger(out, level))
	return nil
}

func setRoot(l zerolog.Logger) {
	Logger = l
	for name, c := range components {
		*c = WithComponent(name)
	}
}

func consoleWriter(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
}

// NewConsoleLogger returns a colored human-readable logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	return newLogger(consoleWriter(w), level)
}

// NewJSONLogger returns a logger writing one JSON object per line.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return newLogger(w, level)
}

// parseLevel falls back to info for unknown or empty names.
func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// WithWallet tags component with a wallet id.
func WithWallet(component zerolog.Logger, walletID string) zerolog.Logger {
	return component.With().Str("wallet", walletID).Logger()
}
