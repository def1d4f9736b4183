// Package logger wires up the engine's hclog.Logger hierarchy: one named
// sub-logger per component (session, dispatch, monitor.<backend>,
// operator.<process>), colorized when attached to a terminal.
package logger

import (
	"os"

	"github.com/fatih/color"
	"github.com/hashicorp/go-hclog"
	"github.com/mattn/go-isatty"
)

// IsTTY reports whether stdout is attached to a terminal.
var IsTTY = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

// IsCI reports whether the engine appears to be running under a CI system,
// which disables interactive terminal UX (spinners, progress bars).
var IsCI = os.Getenv("CI") == "true" || os.Getenv("BUILD_NUMBER") == "true"

var successPrefix = color.New(color.Bold, color.FgGreen, color.ReverseVideo).Sprint(" OK ")
var warningPrefix = color.New(color.Bold, color.FgYellow, color.ReverseVideo).Sprint(" WARN ")
var errorPrefix = color.New(color.Bold, color.FgRed, color.ReverseVideo).Sprint(" ERROR ")

// New builds the session's root logger. Components derive their own named
// sub-logger from it via Named("dispatch"), Named("monitor.local"), etc.
func New(level hclog.Level) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:            "flowcore",
		Level:           level,
		Color:           colorOption(),
		IncludeLocation: level <= hclog.Debug,
	})
}

func colorOption() hclog.ColorOption {
	if IsTTY && !IsCI {
		return hclog.AutoColor
	}
	return hclog.ColorOff
}

// Success renders a one-line success banner with a reverse-video prefix.
func Success(msg string) string {
	return successPrefix + color.GreenString(" %s", msg)
}

// Warning renders a one-line warning banner.
func Warning(msg string) string {
	return warningPrefix + color.YellowString(" %s", msg)
}

// Failure renders a one-line error banner.
func Failure(msg string) string {
	return errorPrefix + color.RedString(" %s", msg)
}
