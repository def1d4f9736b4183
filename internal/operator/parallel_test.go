package operator

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meshrun/flowcore/internal/backend"
	"github.com/meshrun/flowcore/internal/dataflow"
	"github.com/meshrun/flowcore/internal/dispatch"
	"github.com/meshrun/flowcore/internal/hashkey"
	"github.com/meshrun/flowcore/internal/model"
)

type noCache struct{}

func (noCache) Lookup(string) (string, bool) { return "", false }
func (noCache) Record(string, string, int)   {}

func newLocalDef(t *testing.T, processName string) Definition {
	t.Helper()
	root := t.TempDir()
	d := dispatch.New(nil)
	d.Start()
	t.Cleanup(d.Stop)

	b := backend.NewLocal(backend.Config{Capacity: 4, PollInterval: 2 * time.Millisecond})
	return Definition{
		ProcessName:  processName,
		BackendClass: "local",
		Backend:      b,
		Dispatcher:   d,
		Cache:        noCache{},
		HashMode:     hashkey.Standard,
		Render: func(ctx map[string]interface{}) (string, error) {
			return fmt.Sprintf("echo %v", ctx["x"]), nil
		},
		MaxForks: 4,
		WorkDir: func(id int) string {
			dir := filepath.Join(root, fmt.Sprintf("task-%d", id))
			_ = os.MkdirAll(dir, 0o755)
			return dir
		},
	}
}

// TestParallelSingleTaskS1 covers scenario S1: one Value input x=42, script
// "echo $x"; exactly one firing binds 42's echoed stdout.
func TestParallelSingleTaskS1(t *testing.T) {
	def := newLocalDef(t, "s1")

	x := &model.InParam{Name: "x", Kind: model.KindValue, Channel: dataflow.NewChannel(1)}
	stdout := &model.OutParam{Name: "stdout", Kind: model.OutStdout, Channel: dataflow.NewChannel(1)}

	p := NewParallel(def, []*model.InParam{x}, []*model.OutParam{stdout}, []string{"x"})
	done := make(chan struct{})
	go func() { p.Run(); close(done) }()

	x.Channel.Send(42)
	x.Channel.SendPoison()

	tup := dataflow.ReadTuple([]*dataflow.Channel{stdout.Channel})
	if tup.Poison {
		t.Fatalf("expected a bound stdout value before poison")
	}

	pill := dataflow.ReadTuple([]*dataflow.Channel{stdout.Channel})
	if !pill.Poison {
		t.Fatalf("expected poison to follow the bound output")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("operator never stopped")
	}
}

// recordingCache is a CacheIndex that counts Lookup/Record calls and backs
// them with a real hash->workDir map, so TestParallelResumeHitSkipsSubmitS4
// can tell a resumed run apart from one that actually submitted.
type recordingCache struct {
	mu      sync.Mutex
	entries map[string]string
	lookups int
	records int
}

func newRecordingCache() *recordingCache {
	return &recordingCache{entries: make(map[string]string)}
}

func (c *recordingCache) Lookup(hash string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	dir, ok := c.entries[hash]
	return dir, ok
}

func (c *recordingCache) Record(hash, workDir string, exitStatus int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records++
	c.entries[hash] = workDir
}

// TestParallelResumeHitSkipsSubmitS4 covers scenario S4: a second run with
// identical session id, script and inputs binds the first run's output
// directly from the cache, never invoking the dispatcher's submit listener.
func TestParallelResumeHitSkipsSubmitS4(t *testing.T) {
	cache := newRecordingCache()

	runOnce := func(label string) (submits int) {
		def := newLocalDef(t, label)
		def.Cache = cache
		def.Render = func(ctx map[string]interface{}) (string, error) {
			return "echo -n ok > out.txt", nil
		}

		var submitCount int32
		def.Dispatcher.AddListener(func(event dispatch.Event, task *model.TaskRun, err error) {
			if event == dispatch.EventSubmit {
				atomic.AddInt32(&submitCount, 1)
			}
		})

		// ReadTuple's rendezvous over zero channels never reports poison, so
		// a Parallel with no declared inputs would busy-fire forever; a
		// single Value trigger, sent once and then poisoned, is what gives
		// it exactly one firing before it stops.
		trigger := &model.InParam{Name: "trigger", Kind: model.KindValue, Channel: dataflow.NewChannel(1)}
		out := &model.OutParam{Name: "out", Kind: model.OutFile, Pattern: "out.txt", Channel: dataflow.NewChannel(1)}
		p := NewParallel(def, []*model.InParam{trigger}, []*model.OutParam{out}, []string{"trigger"})
		done := make(chan struct{})
		go func() { p.Run(); close(done) }()

		trigger.Channel.Send("run")
		trigger.Channel.SendPoison()

		tup := dataflow.ReadTuple([]*dataflow.Channel{out.Channel})
		if tup.Poison {
			t.Fatalf("%s: expected a bound output before poison", label)
		}
		holders, ok := tup.Values[0].([]model.FileHolder)
		if !ok || len(holders) != 1 {
			t.Fatalf("%s: expected exactly one matched output file, got %#v", label, tup.Values[0])
		}
		content, err := os.ReadFile(holders[0].SourcePath)
		if err != nil {
			t.Fatalf("%s: reading bound output: %v", label, err)
		}
		if string(content) != "ok" {
			t.Fatalf("%s: expected output content %q, got %q", label, "ok", content)
		}

		pill := dataflow.ReadTuple([]*dataflow.Channel{out.Channel})
		if !pill.Poison {
			t.Fatalf("%s: expected poison to follow the bound output", label)
		}

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: operator never stopped", label)
		}
		return int(atomic.LoadInt32(&submitCount))
	}

	if submits := runOnce("r1"); submits != 1 {
		t.Fatalf("first run: expected 1 submit, got %d", submits)
	}
	if cache.records != 1 {
		t.Fatalf("first run: expected cache to record once, got %d", cache.records)
	}

	if submits := runOnce("r2"); submits != 0 {
		t.Fatalf("resumed run: expected 0 submits, got %d", submits)
	}
	if cache.lookups < 2 {
		t.Fatalf("expected the cache listener to be consulted on both runs, got %d lookups", cache.lookups)
	}
}

func TestParallelSharedInputResolvesOnce(t *testing.T) {
	def := newLocalDef(t, "shared")

	shared := &model.InParam{Name: "ref", Kind: model.KindValueShared, Channel: dataflow.NewChannel(1)}
	x := &model.InParam{Name: "x", Kind: model.KindValue, Channel: dataflow.NewChannel(1)}
	out := &model.OutParam{Name: "stdout", Kind: model.OutStdout, Channel: dataflow.NewChannel(1)}

	def.Render = func(ctx map[string]interface{}) (string, error) {
		return fmt.Sprintf("echo %v-%v", ctx["ref"], ctx["x"]), nil
	}

	p := NewParallel(def, []*model.InParam{shared, x}, []*model.OutParam{out}, []string{"ref", "x"})
	done := make(chan struct{})
	go func() { p.Run(); close(done) }()

	shared.Channel.Send("genome")
	x.Channel.Send(1)
	x.Channel.Send(2)
	x.Channel.SendPoison()

	for i := 0; i < 2; i++ {
		tup := dataflow.ReadTuple([]*dataflow.Channel{out.Channel})
		if tup.Poison {
			t.Fatalf("firing %d: unexpected poison", i)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("operator never stopped")
	}
}
