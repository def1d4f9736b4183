// Package session wires processes, their channels, the dispatcher, and the
// cache index into one running engine instance (§5, §9 "global state").
// A Session owns everything that is scoped to a single invocation of the
// engine: its work directory, its dispatcher, its backend set, and the
// operators it starts. No process-wide singletons exist outside it.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/pyr-sh/dag"
	"golang.org/x/sync/errgroup"

	"github.com/meshrun/flowcore/internal/backend"
	"github.com/meshrun/flowcore/internal/cacheindex"
	"github.com/meshrun/flowcore/internal/dataflow"
	"github.com/meshrun/flowcore/internal/dispatch"
	"github.com/meshrun/flowcore/internal/errkind"
	"github.com/meshrun/flowcore/internal/handler"
	"github.com/meshrun/flowcore/internal/hashkey"
	"github.com/meshrun/flowcore/internal/model"
	"github.com/meshrun/flowcore/internal/operator"
	"github.com/meshrun/flowcore/internal/state"
)

// Mode distinguishes the two operator shapes a ProcessSpec may select,
// matching ParallelProcessor (§4.8) and MergeProcessor (§4.9).
type Mode int

const (
	ModeParallel Mode = iota
	ModeMerge
)

// ProcessSpec is everything a session needs to instantiate one process as
// an operator: its declared params (§3), its script body, and the
// execution options §6 lists under process.*.
type ProcessSpec struct {
	Name         string
	Mode         Mode
	Inputs       []*model.InParam
	Outputs      []*model.OutParam
	Order        []string // declared input order, for HashKey.Feed
	Render       model.ScriptRenderer
	Executor     string // "local", "grid", or "native"; defaults to the session's process.executor
	Container    string
	StoreDir     string
	MaxForks     int
	NativeFunc   handler.NativeFunc // only used when Executor == "native"
}

// Config bundles the process.* options (§6) a session applies to every
// process that doesn't override them, plus the ambient services
// (logger, cache mode) it builds on construction.
type Config struct {
	WorkDir        string
	Executor       string // default backend: "local" or "grid"
	MaxForks       int
	MaxDuration    time.Duration
	Container      string
	ClusterOptions string
	QueueName      string
	Walltime       time.Duration
	HashMode       hashkey.Mode // Mode value; caching is disabled by passing CacheEnabled=false
	CacheEnabled   bool
	StoreDir       string
	Logger         hclog.Logger
}

// Session is a single run of the engine: a work directory, a dispatcher,
// a set of backends, an optional cache index, and the processes it has
// been asked to run.
type Session struct {
	ID      string
	WorkDir string
	Logger  hclog.Logger

	cfg        Config
	dispatcher *dispatch.Dispatcher
	cache      operator.CacheIndex
	backends   map[string]backend.Backend

	graph        dag.AcyclicGraph
	channelOwner map[*dataflow.Channel]string // output channel -> producing process name

	specs []ProcessSpec
	accum map[string]*state.Accumulator

	group *errgroup.Group
}

// New constructs a Session: creates its work directory, its cache index
// (if enabled), and its local/grid backends. The session ID is a fresh
// UUID, used to name the default work directory when cfg.WorkDir is
// empty and to seed every
// task's hash (§3: a hash is a pure function of (sessionId, script,
// inputs...)).
func New(cfg Config) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	id := uuid.New().String()
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "flowcore-"+id)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, errkind.New(errkind.Validation, "", "creating session work directory", err)
	}

	s := &Session{
		ID:           id,
		WorkDir:      workDir,
		Logger:       logger,
		cfg:          cfg,
		dispatcher:   dispatch.New(logger.Named("dispatch")),
		backends:     make(map[string]backend.Backend),
		channelOwner: make(map[*dataflow.Channel]string),
		accum:        make(map[string]*state.Accumulator),
	}

	if cfg.CacheEnabled {
		cacheDir := filepath.Join(workDir, ".cache")
		idx, err := cacheindex.New(cacheDir, logger.Named("cacheindex"))
		if err != nil {
			return nil, errkind.New(errkind.Validation, "", "opening cache index", err)
		}
		s.cache = idx
	}

	maxForks := cfg.MaxForks
	if maxForks <= 0 {
		maxForks = 1
	}
	s.backends["local"] = backend.NewLocal(backend.Config{
		Capacity:    maxForks,
		MaxDuration: cfg.MaxDuration,
		Logger:      logger.Named("monitor.local"),
	})
	s.backends["grid"] = backend.NewGrid(backend.Config{
		Capacity: maxForks,
		Logger:   logger.Named("monitor.grid"),
	}, backend.GridOptions{
		ClusterOptions: cfg.ClusterOptions,
		Walltime:       cfg.Walltime,
		QueueName:      cfg.QueueName,
	})

	return s, nil
}

// AddProcess registers spec with the session: every OutParam's channel is
// recorded as owned by spec.Name; Validate later checks every InParam's
// channel against that ownership map to add a directed edge into the
// session's static topology graph — upstream process -> downstream process. The
// graph is purely a validation aid (§9: "the runtime execution remains
// purely channel/operator-driven... never a graph-walk"); it is not
// consulted again once Validate succeeds.
func (s *Session) AddProcess(spec ProcessSpec) error {
	if spec.Name == "" {
		return errkind.New(errkind.Validation, "", "registering process", fmt.Errorf("process name is required"))
	}
	if spec.MaxForks <= 0 {
		spec.MaxForks = s.cfg.MaxForks
	}
	if spec.Executor == "" {
		spec.Executor = s.cfg.Executor
	}
	if spec.Container == "" {
		spec.Container = s.cfg.Container
	}
	if spec.StoreDir == "" {
		spec.StoreDir = s.cfg.StoreDir
	}

	s.graph.Add(spec.Name)
	for _, o := range flattenOut(spec.Outputs) {
		s.channelOwner[o.Channel] = spec.Name
	}
	s.specs = append(s.specs, spec)
	s.accum[spec.Name] = state.New()
	return nil
}

// Validate connects every registered process's inbound channels to
// whichever process owns the channel on the other end, then rejects the
// topology if it contains a cycle or a self-edge — detecting the mistake
// before any operator starts, rather than deadlocking at runtime on a
// channel nothing will ever feed.
func (s *Session) Validate() error {
	for _, spec := range s.specs {
		for _, in := range flattenIn(spec.Inputs) {
			owner, ok := s.channelOwner[in.Channel]
			if !ok {
				continue
			}
			s.graph.Connect(dag.BasicEdge(owner, spec.Name))
		}
	}

	// Every cycle and every self-edge is an independent mistake in the
	// caller's topology; report all of them at once via go-multierror
	// rather than making the caller fix and re-run one at a time.
	var result *multierror.Error
	for _, cycle := range s.graph.Cycles() {
		names := make([]string, len(cycle))
		for j, v := range cycle {
			names[j] = fmt.Sprintf("%v", v)
		}
		result = multierror.Append(result, fmt.Errorf("cyclic channel dependency detected: %s", strings.Join(names, " -> ")))
	}
	for _, e := range s.graph.Edges() {
		if e.Source() == e.Target() {
			result = multierror.Append(result, fmt.Errorf("%v feeds its own input directly", e.Source()))
		}
	}
	if result != nil {
		return errkind.New(errkind.Validation, "", "validating process topology", result.ErrorOrNil())
	}
	return nil
}

// Accumulator returns the process's StateAccumulator, which cmd/flowcore
// reads a progress snapshot from once the session has finished.
func (s *Session) Accumulator(processName string) *state.Accumulator {
	return s.accum[processName]
}

// Start validates the topology, starts the dispatcher, and launches one
// operator goroutine per registered process. Start does not block; call
// Wait to block until every operator has stopped.
func (s *Session) Start() error {
	if err := s.Validate(); err != nil {
		return err
	}
	s.dispatcher.Start()

	group := &errgroup.Group{}
	for _, spec := range s.specs {
		spec := spec
		def, err := s.buildDefinition(spec)
		if err != nil {
			return err
		}
		group.Go(func() error {
			s.runOperator(spec, def)
			return nil
		})
	}
	s.group = group
	return nil
}

func (s *Session) runOperator(spec ProcessSpec, def operator.Definition) {
	switch spec.Mode {
	case ModeMerge:
		operator.NewMerge(def, spec.Inputs, spec.Outputs, spec.Order).Run()
	default:
		operator.NewParallel(def, spec.Inputs, spec.Outputs, spec.Order).Run()
	}
}

func (s *Session) buildDefinition(spec ProcessSpec) (operator.Definition, error) {
	backendClass := spec.Executor
	if backendClass == "" {
		backendClass = "local"
	}

	b, ok := s.backends[backendClass]
	if backendClass == "native" {
		if spec.NativeFunc == nil {
			return operator.Definition{}, errkind.New(errkind.Validation, spec.Name, "resolving backend",
				fmt.Errorf("process declares executor=native but no native function"))
		}
		b = backend.NewNative(backend.Config{Capacity: spec.MaxForks, Logger: s.Logger.Named("monitor.native")},
			func(*model.TaskRun) handler.NativeFunc { return spec.NativeFunc })
	} else if !ok {
		return operator.Definition{}, errkind.New(errkind.Validation, spec.Name, "resolving backend",
			fmt.Errorf("unknown executor %q", backendClass))
	}

	hashMode := s.cfg.HashMode

	return operator.Definition{
		SessionID:    s.ID,
		ProcessName:  spec.Name,
		BackendClass: backendClass,
		Backend:      b,
		Dispatcher:   s.dispatcher,
		Cache:        s.cache,
		HashMode:     hashMode,
		Render:       spec.Render,
		Container:    spec.Container,
		StoreDir:     spec.StoreDir,
		MaxForks:     spec.MaxForks,
		WorkDir:      func(taskID int) string { return s.taskWorkDir(spec.Name, taskID) },
		Logger:       s.Logger.Named("operator." + spec.Name),
		State:        s.accum[spec.Name],
	}, nil
}

func (s *Session) taskWorkDir(processName string, taskID int) string {
	return filepath.Join(s.WorkDir, processName, fmt.Sprintf("%d", taskID))
}

// Wait blocks until every operator launched by Start has stopped (every
// process's upstream channels drained and its poison pill propagated).
func (s *Session) Wait() {
	if s.group != nil {
		_ = s.group.Wait()
	}
}

// backendShutdowner is implemented by backends that track their own
// in-flight handlers and can stop them all at once (the Local backend's
// process.Manager); grid and native backends have nothing to centrally
// kill, so they simply don't implement it.
type backendShutdowner interface {
	Shutdown()
}

// Shutdown asks the dispatcher to stop every monitor it owns, which halts
// polling and releases any Put blocked on admission capacity (§5
// "Cancellation"), then asks every backend that tracks in-flight handlers
// to kill them.
func (s *Session) Shutdown() {
	s.dispatcher.Stop()
	for _, b := range s.backends {
		if sb, ok := b.(backendShutdowner); ok {
			sb.Shutdown()
		}
	}
}

func flattenIn(params []*model.InParam) []*model.InParam {
	var out []*model.InParam
	for _, p := range params {
		if p.Kind == model.KindSet {
			out = append(out, flattenIn(p.Inner)...)
			continue
		}
		out = append(out, p)
	}
	return out
}

func flattenOut(params []*model.OutParam) []*model.OutParam {
	var out []*model.OutParam
	for _, p := range params {
		if p.Kind == model.OutSet {
			out = append(out, flattenOut(p.Inner)...)
			continue
		}
		out = append(out, p)
	}
	return out
}
