package operator

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/meshrun/flowcore/internal/dataflow"
	"github.com/meshrun/flowcore/internal/model"
)

// Parallel is ParallelProcessor (§4.8): a dataflow operator with one input
// channel per InParam and one output channel per OutParam, firing a new
// TaskRun per complete input tuple and binding outputs as each completes.
type Parallel struct {
	def     Definition
	inputs  []*model.InParam
	outputs []*model.OutParam
	order   []string // declared input order, for HashKey.Feed

	pool *forkPool

	nextID int32

	sharedVars map[string]*dataflow.Variable
}

// NewParallel constructs a Parallel operator. inputs/outputs are the
// process's declared params in source order; order is that same order's
// input names, used for hashing (§3: the hash is a pure function of
// declaration order).
func NewParallel(def Definition, inputs []*model.InParam, outputs []*model.OutParam, order []string) *Parallel {
	maxForks := def.MaxForks
	if hasSharedInput(inputs) {
		maxForks = 1
	}
	return &Parallel{
		def:        def,
		inputs:     inputs,
		outputs:    outputs,
		order:      order,
		pool:       newForkPool(maxForks),
		sharedVars: make(map[string]*dataflow.Variable),
	}
}

func hasSharedInput(inputs []*model.InParam) bool {
	for _, p := range inputs {
		if p.Kind.IsShared() {
			return true
		}
	}
	return false
}

// Run drives the operator until a poison pill closes every input, blocking
// the calling goroutine for the operator's whole lifetime.
func (p *Parallel) Run() {
	perFiring, sharedVars := splitShared(p.inputs)
	p.sharedVars = sharedVars
	for name, v := range sharedVars {
		go p.resolveShared(name, v)
	}

	var channels []*dataflow.Channel
	if HasEach(perFiring) {
		channels = SpliceEachFanout(perFiring)
	} else {
		channels = channelsOf(perFiring)
	}

	for {
		tup := dataflow.ReadTuple(channels)
		if tup.Poison {
			p.pool.wait()
			p.onStop()
			return
		}

		id := int(atomic.AddInt32(&p.nextID, 1))
		values := mergeShared(perFiring, tup.Values, p.inputs, sharedVars)
		p.pool.run(func(release func()) {
			p.fire(id, values, release)
		})
	}
}

// splitShared partitions inputs into the per-firing subset (fed through
// ReadTuple every firing) and the Shared subset (resolved once via a
// dataflow.Variable, outside the per-firing tuple read entirely, since a
// Shared input's upstream channel only ever delivers once).
func splitShared(inputs []*model.InParam) ([]*model.InParam, map[string]*dataflow.Variable) {
	var perFiring []*model.InParam
	shared := make(map[string]*dataflow.Variable)
	for _, p := range inputs {
		if p.Kind.IsShared() {
			shared[p.Name] = dataflow.NewVariable()
			continue
		}
		perFiring = append(perFiring, p)
	}
	return perFiring, shared
}

func (p *Parallel) resolveShared(name string, v *dataflow.Variable) {
	var param *model.InParam
	for _, ip := range p.inputs {
		if ip.Name == name {
			param = ip
			break
		}
	}
	if param == nil {
		return
	}
	pkt, ok := param.Channel.Recv()
	if !ok || pkt.Poison {
		return
	}
	v.Bind(pkt.Value)
}

// mergeShared reassembles a full values slice (in declared inputs order)
// from this firing's per-firing values plus every Shared input's
// once-resolved value.
func mergeShared(perFiring []*model.InParam, perFiringValues []interface{}, all []*model.InParam, shared map[string]*dataflow.Variable) []interface{} {
	index := make(map[string]interface{}, len(perFiring))
	for i, p := range perFiring {
		index[p.Name] = perFiringValues[i]
	}
	out := make([]interface{}, len(all))
	for i, p := range all {
		if v, ok := shared[p.Name]; ok {
			out[i] = v.Get()
			continue
		}
		out[i] = index[p.Name]
	}
	return out
}

func (p *Parallel) fire(id int, values []interface{}, release func()) {
	task, envs, stdin, files, err := setupTask(&p.def, id, id, p.inputs, values)
	if err != nil {
		p.def.State.Errored()
		p.def.logger().Error("setting up task failed", "process", p.def.ProcessName, "error", err)
		release()
		return
	}

	// Stored-output short-circuit (§4.8 step 4): a user-designated
	// persisted output directory for this exact (process, id) pair.
	if p.def.StoreDir != "" {
		dir := storedOutputDir(p.def.StoreDir, p.def.ProcessName, id)
		if info, statErr := os.Stat(dir); statErr == nil && info.IsDir() {
			if bindErr := bindOutputs(task, p.outputs, dir); bindErr == nil {
				p.def.State.Completed()
				release()
				return
			}
		}
	}

	if err := buildScript(&p.def, task, envs, stdin, files); err != nil {
		p.def.State.Errored()
		p.def.logger().Error("rendering script failed", "process", p.def.ProcessName, "error", err)
		release()
		return
	}

	hash, err := computeHash(&p.def, task, p.order)
	if err != nil {
		p.def.State.Errored()
		p.def.logger().Error("hashing task failed", "process", p.def.ProcessName, "error", err)
		release()
		return
	}

	if p.def.Cache != nil {
		if dir, ok := p.def.Cache.Lookup(hash); ok {
			if bindErr := bindOutputs(task, p.outputs, dir); bindErr == nil {
				p.def.State.Completed()
				release()
				return
			}
			p.def.logger().Warn("cache hit rejected, resubmitting", "process", p.def.ProcessName, "hash", hash)
		}
	}

	awaitTermination := hasSharedInput(p.inputs) || p.pool.capacity == 1
	logMsg := fmt.Sprintf("submitting %s#%d", p.def.ProcessName, id)

	p.def.State.Submitted()
	_ = p.def.Dispatcher.Submit(p.def.BackendClass, p.def.Backend.CreateMonitor, p.def.Backend, task, awaitTermination, logMsg, func(cbErr error) {
		p.finish(task, hash, cbErr)
		release()
	})
}

func (p *Parallel) finish(task *model.TaskRun, hash string, err error) {
	if err != nil {
		p.def.State.Errored()
		p.def.logger().Error("task failed", "process", p.def.ProcessName, "id", task.ID, "error", err)
		return
	}
	if p.def.Cache != nil {
		p.def.Cache.Record(hash, task.WorkDirectory, task.GetExitStatus())
	}
	if bindErr := bindOutputs(task, p.outputs, task.WorkDirectory); bindErr != nil {
		p.def.State.Errored()
		p.def.logger().Error("binding outputs failed", "process", p.def.ProcessName, "id", task.ID, "error", bindErr)
		return
	}
	p.def.State.Completed()
}

// onStop implements the poison-pill clause of §4.8: after the operator
// stops, bind any resolved shared-output values once to their output
// channels, then forward the pill downstream. A "shared output" here is an
// OutParam whose name matches a Shared InParam's name — the process simply
// re-exposes its shared input under an output of the same name, resolved
// exactly once for the whole run.
func (p *Parallel) onStop() {
	for _, o := range p.outputs {
		if v, ok := p.sharedVars[o.Name]; ok && v.Bound() {
			o.Channel.Send(v.Get())
		}
	}
	for _, o := range p.outputs {
		o.Channel.SendPoison()
	}
	p.def.State.Close()
}
