// Package termui renders session-level terminal output: a base
// github.com/mitchellh/cli.Ui (colorized when attached to a terminal),
// one github.com/mitchellh/cli.PrefixedUi per process so its lines are
// tagged with the process name, a github.com/briandowns/spinner for the
// "waiting on backend" indicator, and a merge-accumulation progress bar
// built on github.com/schollz/progressbar/v3.
package termui

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/mitchellh/cli"
)

// IsTTY reports whether stdout is attached to a terminal — spinners and
// progress bars degrade to a single static line when it is not (redirected
// to a file, CI log, etc.).
var IsTTY = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

// New builds the session's root Ui: colorized when IsTTY, a plain
// cli.BasicUi otherwise.
func New() cli.Ui {
	base := &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}
	if !IsTTY {
		return base
	}
	return &cli.ColoredUi{
		Ui:          base,
		OutputColor: cli.UiColorNone,
		InfoColor:   cli.UiColorNone,
		WarnColor:   cli.UiColor{Code: int(color.FgYellow), Bold: false},
		ErrorColor:  cli.UiColorRed,
	}
}

// ForProcess wraps root in a PrefixedUi tagging every line with name, so a
// session running several processes concurrently keeps their output
// visually separated.
func ForProcess(root cli.Ui, name string) cli.Ui {
	prefix := fmt.Sprintf("[%s] ", name)
	return &cli.PrefixedUi{
		Ui:           root,
		OutputPrefix: prefix,
		InfoPrefix:   prefix,
		ErrorPrefix:  prefix,
		WarnPrefix:   prefix,
	}
}

// uiWriter unwraps terminal down to the underlying io.Writer a spinner or
// progress bar can render directly onto.
func uiWriter(terminal cli.Ui) io.Writer {
	switch u := terminal.(type) {
	case *cli.BasicUi:
		return u.Writer
	case *cli.ColoredUi:
		return uiWriter(u.Ui)
	case *cli.PrefixedUi:
		return uiWriter(u.Ui)
	case *cli.ConcurrentUi:
		return uiWriter(u.Ui)
	default:
		return os.Stdout
	}
}
