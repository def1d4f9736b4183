// Command flowcore hosts internal/session as a single-binary CLI: the
// `<script>` positional, and the `-bg`/`-resume`/`-w` flags of the core's
// external interface (§6). Everything beyond admitting one script as a
// single-firing process — the surface workflow language, its parser, the
// multi-process DAG a real workflow would declare — is out of scope; this
// host exists to exercise the engine end to end, not to replace the parser.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/meshrun/flowcore/internal/config"
	"github.com/meshrun/flowcore/internal/dataflow"
	"github.com/meshrun/flowcore/internal/logger"
	"github.com/meshrun/flowcore/internal/model"
	"github.com/meshrun/flowcore/internal/session"
	"github.com/meshrun/flowcore/internal/signals"
	"github.com/meshrun/flowcore/internal/termui"
)

var (
	flagConfig  string
	flagWorkDir string
	flagResume  bool
	flagBg      bool
)

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "flowcore <script>",
		Short:         "run a workflow script as a flowcore session",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], v)
		},
	}

	cmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to a flowcore config file")
	cmd.PersistentFlags().StringVarP(&flagWorkDir, "work-dir", "w", "", "session work directory")
	cmd.PersistentFlags().BoolVar(&flagResume, "resume", false, "enable cache hits from a prior run")
	cmd.PersistentFlags().BoolVar(&flagBg, "bg", false, "daemonize: run the session detached and return immediately")
	config.BindFlags(cmd.PersistentFlags(), v)

	return cmd
}

// Execute runs the flowcore root command and returns the process exit code.
func Execute() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func run(cmd *cobra.Command, scriptPath string, v *viper.Viper) error {
	if flagBg && os.Getenv(daemonChildEnv) == "" {
		return daemonize(cmd, scriptPath)
	}

	opts, err := config.Load(flagConfig, cmd.Flags())
	if err != nil {
		return err
	}

	workDir := flagWorkDir
	if workDir == "" {
		workDir, err = defaultWorkDir()
		if err != nil {
			return err
		}
	}

	if flagBg {
		lock, err := acquireDaemonLock(workDir)
		if err != nil {
			return err
		}
		defer lock.Unlock()
	}

	hashMode, cacheEnabled, err := opts.HashMode()
	if err != nil {
		return err
	}
	if flagResume {
		cacheEnabled = true
	}

	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("reading script %s: %w", scriptPath, err)
	}

	log := logger.New(hclog.Info)
	ui := termui.New()
	processUi := termui.ForProcess(ui, "main")

	sess, err := session.New(session.Config{
		WorkDir:        workDir,
		Executor:       opts.Executor,
		MaxForks:       opts.MaxForks,
		MaxDuration:    opts.MaxDuration,
		Container:      opts.Container,
		ClusterOptions: opts.ClusterOptions,
		HashMode:       hashMode,
		CacheEnabled:   cacheEnabled,
		StoreDir:       opts.StoreDir,
		Logger:         log,
	})
	if err != nil {
		return err
	}

	trigger := dataflow.NewChannel(1)
	result := dataflow.NewChannel(1)
	spec := session.ProcessSpec{
		Name: "main",
		Mode: session.ModeParallel,
		Inputs: []*model.InParam{
			{Name: "trigger", Kind: model.KindValue, Channel: trigger},
		},
		Outputs: []*model.OutParam{
			{Name: "exit", Kind: model.OutValue, Channel: result},
		},
		Order: []string{"trigger"},
		Render: func(context map[string]interface{}) (string, error) {
			return string(script), nil
		},
	}
	if err := sess.AddProcess(spec); err != nil {
		return err
	}

	watcher := signals.NewWatcher()
	watcher.AddOnClose(sess.Shutdown)

	if err := sess.Start(); err != nil {
		return err
	}
	trigger.Send("run")
	trigger.SendPoison()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	termui.WaitForBackend(ctx, processUi, "waiting for "+scriptPath, 500*time.Millisecond, func() {
		for {
			pkt, ok := result.Recv()
			if !ok || pkt.Poison {
				return
			}
		}
	})

	sess.Wait()
	watcher.Close()

	snap := sess.Accumulator("main").Snapshot()
	if snap.Errors > 0 {
		processUi.Error(fmt.Sprintf("%d submitted, %d completed, %d errors", snap.Submitted, snap.Completed, snap.Errors))
		return fmt.Errorf("session finished with %d error(s)", snap.Errors)
	}
	processUi.Output(fmt.Sprintf("%d submitted, %d completed", snap.Submitted, snap.Completed))
	return nil
}

// defaultWorkDir resolves the session root when -w is absent: a
// home-directory-relative, timestamped run directory, so concurrent
// invocations never collide the way a single shared default would.
func defaultWorkDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".flowcore", "runs", time.Now().Format("20060102-150405.000000")), nil
}
