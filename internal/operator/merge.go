package operator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/meshrun/flowcore/internal/dataflow"
	"github.com/meshrun/flowcore/internal/hashkey"
	"github.com/meshrun/flowcore/internal/model"
	"github.com/meshrun/flowcore/internal/wrapper"
)

// Merge is MergeProcessor (§4.9): a fold from many firings down to a single
// TaskRun. Every incoming tuple contributes a section to a running shell
// script buffer and a sub-hash to an ordered list; the pill closes the fold
// and submits one task built from everything collected.
type Merge struct {
	def     Definition
	inputs  []*model.InParam
	outputs []*model.OutParam
	order   []string
}

// NewMerge constructs a Merge operator.
func NewMerge(def Definition, inputs []*model.InParam, outputs []*model.OutParam, order []string) *Merge {
	return &Merge{def: def, inputs: inputs, outputs: outputs, order: order}
}

// Run drives the fold to completion and submits (or warns and skips) the
// resulting single task, blocking the calling goroutine for its lifetime.
func (m *Merge) Run() {
	channels := channelsOf(m.inputs)

	var buf strings.Builder
	var subHashes []string
	accumulated := make(map[string][]model.FileHolder)
	firingCount := 0

	for {
		tup := dataflow.ReadTuple(channels)
		if tup.Poison {
			break
		}

		firingCount++
		if err := m.collect(firingCount, tup.Values, &buf, &subHashes, accumulated); err != nil {
			m.def.logger().Error("collecting merge firing failed", "process", m.def.ProcessName, "firing", firingCount, "error", err)
		}
	}

	if firingCount == 0 {
		m.def.logger().Warn("merge received zero firings, terminating without submission", "process", m.def.ProcessName)
		for _, o := range m.outputs {
			o.Channel.SendPoison()
		}
		m.def.State.Close()
		return
	}

	m.submit(buf.String(), subHashes, accumulated)

	for _, o := range m.outputs {
		o.Channel.SendPoison()
	}
	m.def.State.Close()
}

// collect implements mergeScriptCollector: resolve this firing's inputs
// against a fresh context map, append its section to buf, and record its
// sub-hash and staged files.
func (m *Merge) collect(firingIndex int, values []interface{}, buf *strings.Builder, subHashes *[]string, accumulated map[string][]model.FileHolder) error {
	task, envs, stdin, files, err := setupTask(&m.def, firingIndex, firingIndex, m.inputs, values)
	if err != nil {
		return err
	}
	namespaceFiles(firingIndex, task, m.inputs, files)

	cmd, err := m.def.Render(task.Context)
	if err != nil {
		return err
	}
	task.Script = cmd

	fmt.Fprintf(buf, "# --- firing %d ---\n", firingIndex)
	buf.WriteString(wrapper.StageScript(".", files))
	if m.def.Container == "" {
		for _, e := range envs {
			fmt.Fprintf(buf, "export %s=%q\n", e.Key, e.Value)
		}
	} else if len(envs) > 0 {
		envFile := fmt.Sprintf(".env-%d", firingIndex)
		fmt.Fprintf(buf, "cat > %s <<'FLOWCORE_ENV'\n", envFile)
		for _, e := range envs {
			fmt.Fprintf(buf, "%s=%s\n", e.Key, e.Value)
		}
		buf.WriteString("FLOWCORE_ENV\n")
	}

	cmdFile := fmt.Sprintf(".cmd-%d.sh", firingIndex)
	fmt.Fprintf(buf, "cat > %s <<'FLOWCORE_CMD'\n%s\nFLOWCORE_CMD\n", cmdFile, cmd)
	fmt.Fprintf(buf, "chmod +x %s\n", cmdFile)
	invocation := "./" + cmdFile
	if m.def.Container != "" {
		invocation = fmt.Sprintf("docker run --rm -v \"$PWD\":/work -w /work %s %s", m.def.Container, invocation)
	}
	if stdin != "" {
		stdinFile := fmt.Sprintf(".stdin-%d", firingIndex)
		fmt.Fprintf(buf, "cat > %s <<'FLOWCORE_STDIN'\n%s\nFLOWCORE_STDIN\n", stdinFile, stdin)
		invocation += " < " + stdinFile
	}
	fmt.Fprintln(buf, invocation)

	hash, err := computeHash(&m.def, task, m.order)
	if err != nil {
		return err
	}
	*subHashes = append(*subHashes, hash)
	accumulated[fmt.Sprintf("firing-%d", firingIndex)] = files
	return nil
}

// namespaceFiles prefixes this firing's staged file names with its firing
// index so every firing's stage-in lands at a distinct name within the
// single shared work directory a merged task stages into — without this,
// two firings given the same pattern would both stage to e.g. "file1" and
// overwrite each other. task.Context is rewritten in step so Render sees
// the namespaced name.
func namespaceFiles(firingIndex int, task *model.TaskRun, inputs []*model.InParam, files []model.FileHolder) {
	if len(files) == 0 {
		return
	}
	prefix := fmt.Sprintf("m%d_", firingIndex)
	renamed := make(map[string]string, len(files))
	for i := range files {
		old := files[i].StoredName
		files[i].StoredName = prefix + old
		renamed[old] = files[i].StoredName
	}
	for _, p := range inputs {
		if !p.Kind.IsFile() {
			continue
		}
		switch v := task.Context[p.Name].(type) {
		case string:
			if nn, ok := renamed[v]; ok {
				task.Context[p.Name] = nn
			}
		case []string:
			out := make([]string, len(v))
			for i, s := range v {
				if nn, ok := renamed[s]; ok {
					out[i] = nn
				} else {
					out[i] = s
				}
			}
			task.Context[p.Name] = out
		}
	}
}

// submit folds the sorted sub-hash list into one merge hash, builds the
// final TaskRun (its StagedProvider returns every firing's accumulated
// files), and hands it to the dispatcher — consulting the cache first.
func (m *Merge) submit(script string, subHashes []string, accumulated map[string][]model.FileHolder) {
	sort.Strings(subHashes)
	hk := hashkey.New(m.def.HashMode)
	hk.Feed("session", m.def.SessionID)
	for _, h := range subHashes {
		hk.Feed("firing", h)
	}
	mergeHash := hk.Finalize()

	task := model.NewTaskRun(1, 1, m.def.ProcessName)
	task.WorkDirectory = m.def.WorkDir(1)
	task.StagedProvider = func() map[string][]model.FileHolder { return accumulated }

	if m.def.Cache != nil {
		if dir, ok := m.def.Cache.Lookup(mergeHash); ok {
			if err := bindOutputs(task, m.outputs, dir); err == nil {
				m.def.State.Completed()
				return
			}
			m.def.logger().Warn("cache hit rejected, resubmitting merge task", "process", m.def.ProcessName, "hash", mergeHash)
		}
	}

	// Per-firing file staging is already embedded in the script buffer
	// (collect appends each firing's stage-in commands directly), so the
	// wrapper itself stages nothing further.
	rendered, wrapperPath, exitCodePath, stdoutPath := wrapper.Build(task.WorkDirectory, wrapper.Spec{Command: script})
	task.Script = rendered
	task.WrapperPath = wrapperPath
	task.ExitCodePath = exitCodePath
	task.OutputPath = stdoutPath
	task.Stdout = stdoutPath

	if err := persistScript(task); err != nil {
		m.def.logger().Error("writing merge wrapper script failed", "process", m.def.ProcessName, "error", err)
		return
	}

	// Merge has exactly one terminal task by construction, so there is no
	// concurrency to serialize against: always await its completion.
	m.def.State.Submitted()
	_ = m.def.Dispatcher.Submit(m.def.BackendClass, m.def.Backend.CreateMonitor, m.def.Backend, task, true,
		fmt.Sprintf("submitting merged %s", m.def.ProcessName),
		func(err error) {
			if err != nil {
				m.def.State.Errored()
				m.def.logger().Error("merge task failed", "process", m.def.ProcessName, "error", err)
				return
			}
			if m.def.Cache != nil {
				m.def.Cache.Record(mergeHash, task.WorkDirectory, task.GetExitStatus())
			}
			if bindErr := bindOutputs(task, m.outputs, task.WorkDirectory); bindErr != nil {
				m.def.State.Errored()
				m.def.logger().Error("binding merge outputs failed", "process", m.def.ProcessName, "error", bindErr)
				return
			}
			m.def.State.Completed()
		},
	)
}
