package termui

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/mitchellh/cli"
	"github.com/schollz/progressbar/v3"
)

// spinnerCharset is a braille dot-spinner style.
var spinnerCharset = spinner.CharSets[11]

// WaitForBackend runs fn and, if it takes longer than initialDelay,
// starts a spinner suffixed with msg — cmd/flowcore uses it while it
// waits for a script's output to drain. On a non-tty (CI logs, redirected
// output) it prints msg once instead of animating.
func WaitForBackend(ctx context.Context, terminal cli.Ui, msg string, initialDelay time.Duration, fn func()) {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		return
	case <-time.After(initialDelay):
	}

	if !IsTTY {
		terminal.Output(msg)
		<-done
		return
	}

	interval := 125 * time.Millisecond
	if os.Getenv("CI") == "true" {
		interval = 30 * time.Second
	}
	s := spinner.New(spinnerCharset, interval, spinner.WithHiddenCursor(true))
	s.Writer = uiWriter(terminal)
	s.Color("faint")
	s.Suffix = fmt.Sprintf(" %s", msg)
	s.Start()
	defer s.Stop()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// MergeProgress renders a determinate progress bar over a merge process's
// accumulated firing count, advanced by one call to Add per firing
// collected before the pill that submits the one merged task.
type MergeProgress struct {
	bar *progressbar.ProgressBar
}

// NewMergeProgress builds a MergeProgress bar for processName, described
// by total expected firings (-1 when the count is not known in advance).
func NewMergeProgress(terminal cli.Ui, processName string, total int) *MergeProgress {
	return &MergeProgress{bar: progressbar.NewOptions(total,
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetDescription(fmt.Sprintf("[cyan]%s[reset] accumulating", processName)),
		progressbar.OptionSetWriter(uiWriter(terminal)),
	)}
}

// Add records one more firing collected into the fold.
func (p *MergeProgress) Add() {
	_ = p.bar.Add(1)
}

// Done finalizes the bar once the pill arrives and the merged task has
// been submitted (or the zero-firing warning path is taken).
func (p *MergeProgress) Done() {
	_ = p.bar.Finish()
}
