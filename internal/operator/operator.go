// Package operator implements ParallelProcessor and MergeProcessor (§4.8,
// §4.9): the two dataflow operators that turn firings into TaskRuns,
// resolve their inputs, hand them to the dispatcher, and bind outputs.
package operator

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/meshrun/flowcore/internal/backend"
	"github.com/meshrun/flowcore/internal/dataflow"
	"github.com/meshrun/flowcore/internal/dispatch"
	"github.com/meshrun/flowcore/internal/errkind"
	"github.com/meshrun/flowcore/internal/hashkey"
	"github.com/meshrun/flowcore/internal/model"
	"github.com/meshrun/flowcore/internal/stage"
	"github.com/meshrun/flowcore/internal/state"
	"github.com/meshrun/flowcore/internal/util"
	"github.com/meshrun/flowcore/internal/wrapper"
)

// CacheIndex is the narrow view ParallelProcessor/MergeProcessor need of
// CacheIndex (§4.10): look a hash up, and record one after a successful
// submission. internal/cacheindex implements this; operator depends only
// on the interface so the two packages have no import cycle.
type CacheIndex interface {
	Lookup(hash string) (workDir string, ok bool)
	Record(hash, workDir string, exitStatus int)
}

// Definition is everything an operator needs to know about the process it
// is instantiated for, gathered by internal/session from process config.
type Definition struct {
	SessionID    string // fed as the first HashKey entry, per §3's hash(sessionId, script, inputs)
	ProcessName  string
	BackendClass string
	Backend      backend.Backend
	Dispatcher   *dispatch.Dispatcher
	Cache        CacheIndex // nil disables caching entirely
	HashMode     hashkey.Mode
	Render       model.ScriptRenderer
	Container    string
	StoreDir     string // optional: persisted output root, keyed by process+index
	MaxForks     int
	WorkDir      func(taskID int) string
	Logger       hclog.Logger
	State        *state.Accumulator // optional: nil disables progress tracking
}

func (d *Definition) logger() hclog.Logger {
	if d.Logger == nil {
		return hclog.NewNullLogger()
	}
	return d.Logger
}

// setupTask builds the TaskRun for one firing's resolved input values,
// following §4.8 step 1-2: map by kind into the context map (files deferred
// to a second pass), then expand file patterns once the map is complete.
// It returns the task, its collected env exports, its stdin payload (if
// any), and the flattened list of files to stage into its work directory.
func setupTask(def *Definition, id, index int, inputs []*model.InParam, values []interface{}) (*model.TaskRun, []wrapper.EnvExport, string, []model.FileHolder, error) {
	task := model.NewTaskRun(id, index, def.ProcessName)
	task.WorkDirectory = def.WorkDir(id)

	var envs []wrapper.EnvExport
	var stdin string
	var fileParams []int

	for i, p := range inputs {
		val := values[i]
		task.Inputs[p.Name] = val

		switch {
		case p.Kind.IsFile():
			fileParams = append(fileParams, i)
			continue
		case p.Kind == model.KindEnv:
			envs = append(envs, wrapper.EnvExport{Key: p.Name, Value: fmt.Sprintf("%v", val)})
		case p.Kind == model.KindStdin:
			stdin = fmt.Sprintf("%v", val)
		}
		task.Context[p.Name] = val
	}

	var files []model.FileHolder
	for _, i := range fileParams {
		p := inputs[i]
		holders, err := stage.Normalize(values[i])
		if err != nil {
			return nil, nil, "", nil, errkind.New(errkind.Staging, def.ProcessName, "normalizing file input "+p.Name, err)
		}
		staged, err := stage.Stage(p.Pattern, holders)
		if err != nil {
			return nil, nil, "", nil, errkind.New(errkind.Staging, def.ProcessName, "staging file input "+p.Name, err)
		}
		if len(staged) == 1 && !isCollectionValue(values[i]) {
			task.Inputs[p.Name] = staged[0]
			task.Context[p.Name] = staged[0].StoredName
		} else {
			task.Inputs[p.Name] = staged
			task.Context[p.Name] = storedNames(staged)
		}
		files = append(files, staged...)
	}

	return task, envs, stdin, files, nil
}

func isCollectionValue(v interface{}) bool {
	switch v.(type) {
	case []interface{}, []string, []model.FileHolder:
		return true
	default:
		return false
	}
}

func storedNames(holders []model.FileHolder) []string {
	out := make([]string, len(holders))
	for i, h := range holders {
		out[i] = h.StoredName
	}
	return out
}

// buildScript renders def.Render against task.Context and builds the
// wrapper script/paths (§4.3), recording them onto task.
func buildScript(def *Definition, task *model.TaskRun, envs []wrapper.EnvExport, stdin string, files []model.FileHolder) error {
	cmd, err := def.Render(task.Context)
	if err != nil {
		return errkind.New(errkind.Validation, def.ProcessName, "rendering script", err)
	}
	task.Script = cmd

	spec := wrapper.Spec{
		Env:       envs,
		Files:     files,
		Command:   cmd,
		Container: def.Container,
	}
	if stdin != "" {
		spec.Command = fmt.Sprintf("%s <<'FLOWCORE_STDIN'\n%s\nFLOWCORE_STDIN", cmd, stdin)
	}

	script, wrapperPath, exitCodePath, stdoutPath := wrapper.Build(task.WorkDirectory, spec)
	task.WrapperPath = wrapperPath
	task.ExitCodePath = exitCodePath
	task.OutputPath = stdoutPath
	task.Container = def.Container
	task.Script = script
	// Stdout defaults to the captured-output file path; NativeHandler
	// overwrites it with the inline result once its task completes, per
	// TaskRun.Stdout's documented "path, or inline value for native" shape.
	task.Stdout = stdoutPath
	err = persistScript(task)
	// Keep the rendered command, not the wrapper text (which embeds the
	// work directory), as the script computeHash feeds.
	task.Script = cmd
	return err
}

// persistScript writes a built wrapper script to disk at task.WrapperPath,
// creating the work directory first: wrapper.Build only renders text, the
// caller is responsible for making it executable by the handler's shell.
func persistScript(task *model.TaskRun) error {
	if err := os.MkdirAll(task.WorkDirectory, 0o755); err != nil {
		return errkind.New(errkind.Staging, task.ProcessName, "creating work directory", err)
	}
	if err := os.WriteFile(task.WrapperPath, []byte(task.Script), 0o755); err != nil {
		return errkind.New(errkind.Staging, task.ProcessName, "writing wrapper script", err)
	}
	return nil
}

// computeHash feeds the session id, the task's rendered script, then its
// declared-order inputs, into a fresh HashKey (§3: hash is a pure function of
// (sessionId, script, [(inputName, value)...]) in declared order).
func computeHash(def *Definition, task *model.TaskRun, order []string) (string, error) {
	hk := hashkey.New(def.HashMode)
	if err := hk.Feed("session", def.SessionID); err != nil {
		return "", errkind.New(errkind.Staging, def.ProcessName, "hashing session id", err)
	}
	if err := hk.Feed("script", task.Script); err != nil {
		return "", errkind.New(errkind.Staging, def.ProcessName, "hashing script", err)
	}
	for _, kv := range task.HashableInputs(order) {
		if err := feedValue(hk, kv.Key, kv.Value); err != nil {
			return "", errkind.New(errkind.Staging, def.ProcessName, "hashing input "+kv.Key, err)
		}
	}
	return hk.Finalize(), nil
}

func feedValue(hk *hashkey.HashKey, key string, v interface{}) error {
	switch val := v.(type) {
	case model.FileHolder:
		return hk.Feed(key, hashkey.FilePath(val.SourcePath))
	case []model.FileHolder:
		paths := make([]hashkey.FilePath, len(val))
		for i, h := range val {
			paths[i] = hashkey.FilePath(h.SourcePath)
		}
		return hk.Feed(key, paths)
	default:
		return hk.Feed(key, v)
	}
}

// storedOutputDir is the deterministic path checked by the stored-output
// short-circuit (§4.8 step 4): a fixed location keyed by process name and
// task id rather than content hash, so a user-designated storeDir persists
// one set of outputs per index run after run.
func storedOutputDir(storeDir, processName string, id int) string {
	return filepath.Join(storeDir, processName, fmt.Sprintf("%d", id))
}

// bindOutputs resolves each OutParam against a finished task's work
// directory (or a cached/stored directory when dir != task.WorkDirectory)
// and sends the result on its channel.
func bindOutputs(task *model.TaskRun, outputs []*model.OutParam, dir string) error {
	for _, o := range outputs {
		if err := bindOutput(task, o, dir); err != nil {
			return err
		}
	}
	return nil
}

func bindOutput(task *model.TaskRun, o *model.OutParam, dir string) error {
	switch o.Kind {
	case model.OutValue:
		o.Channel.Send(task.Context[o.Name])
	case model.OutStdout:
		o.Channel.Send(task.Stdout)
	case model.OutFile:
		holders, err := stage.MatchOutputs(dir, o.Pattern)
		if err != nil {
			return errkind.New(errkind.Staging, task.ProcessName, "matching output "+o.Name, err)
		}
		o.Channel.Send(holders)
	case model.OutSet:
		for _, inner := range o.Inner {
			if err := bindOutput(task, inner, dir); err != nil {
				return err
			}
		}
	}
	return nil
}

// forkPool bounds the number of concurrently in-flight firings a
// ParallelProcessor runs, per §4.8's "maxForks of the operator = pool size
// by default; forced to 1 when any shared input exists or when the process
// requests blocking mode."
type forkPool struct {
	sem      *util.Semaphore
	capacity int
	wg       sync.WaitGroup
}

func newForkPool(size int) *forkPool {
	if size <= 0 {
		size = 1
	}
	return &forkPool{sem: util.NewSemaphore(size), capacity: size}
}

// run acquires a slot and invokes fn in its own goroutine, passing a
// release closure fn must call exactly once when the firing is truly
// finished. Firings that dispatch asynchronously must defer release until
// their completion callback runs, not until fn itself returns — otherwise
// a poison pill could stop the operator and forward outputs before an
// in-flight task has actually bound them.
func (f *forkPool) run(fn func(release func())) {
	f.sem.Acquire()
	f.wg.Add(1)
	var once sync.Once
	release := func() {
		once.Do(func() {
			f.sem.Release()
			f.wg.Done()
		})
	}
	go fn(release)
}

func (f *forkPool) wait() {
	f.wg.Wait()
}
