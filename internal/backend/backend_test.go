package backend

import (
	"context"
	"testing"
	"time"

	"github.com/meshrun/flowcore/internal/handler"
	"github.com/meshrun/flowcore/internal/model"
)

func TestGridSubmitCommand(t *testing.T) {
	g := NewGrid(Config{}, GridOptions{Walltime: 90 * time.Minute, ClusterOptions: "--mem=4G"})
	task := model.NewTaskRun(1, 1, "align")
	task.WorkDirectory = "/work/align-1"

	argv := g.SubmitCommand(task, "/work/align-1/wrapper.sh")
	want := []string{
		"sbatch", "-D", "/work/align-1", "-J", "nf-align", "-o", "/dev/null",
		"-t", "01:30:00", "--mem=4G", "/work/align-1/wrapper.sh",
	}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q (full: %v)", i, argv[i], want[i], argv)
		}
	}
}

func TestGridKillCommand(t *testing.T) {
	g := NewGrid(Config{}, GridOptions{})
	argv := g.KillCommand("123")
	want := []string{"scancel", "123"}
	if len(argv) != 2 || argv[0] != want[0] || argv[1] != want[1] {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
}

func TestGridParseSubmitID(t *testing.T) {
	g := NewGrid(Config{}, GridOptions{})
	id, err := g.ParseSubmitID("Submitted batch job 10\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "10" {
		t.Fatalf("id = %q, want %q", id, "10")
	}
}

func TestGridParseSubmitIDRejectsGarbage(t *testing.T) {
	g := NewGrid(Config{}, GridOptions{})
	if _, err := g.ParseSubmitID("sbatch: error: invalid partition"); err == nil {
		t.Fatalf("expected an error for unparseable submit output")
	}
}

func TestParseQueueStatus(t *testing.T) {
	stdout := "5 PD\n6 PD\n13 R\n14 CA\n15 F\n4 R"
	got := ParseQueueStatus(stdout)
	want := map[string]handler.QueueStatus{
		"4":  handler.Running,
		"5":  handler.Pending,
		"6":  handler.Pending,
		"13": handler.Running,
		"14": handler.ErrorStatus,
		"15": handler.ErrorStatus,
	}
	if len(got) != len(want) {
		t.Fatalf("got %v entries, want %v (got=%v)", len(got), len(want), got)
	}
	for id, status := range want {
		if got[id] != status {
			t.Fatalf("job %s: got %v, want %v", id, got[id], status)
		}
	}
}

func TestParseQueueStatusCompletedJobDropsToUnknown(t *testing.T) {
	got := ParseQueueStatus("7 CD")
	if got["7"] != handler.Unknown {
		t.Fatalf("completed job status = %v, want Unknown", got["7"])
	}
}

func TestLocalAndNativeBackendsConstructHandlers(t *testing.T) {
	local := NewLocal(Config{Capacity: 2})
	if local.Name() != "local" {
		t.Fatalf("Name() = %q, want local", local.Name())
	}
	task := model.NewTaskRun(1, 1, "p")
	if h := local.CreateHandler(task); h == nil {
		t.Fatalf("CreateHandler returned nil")
	}
	if m := local.CreateMonitor(); m == nil {
		t.Fatalf("CreateMonitor returned nil")
	}

	native := NewNative(Config{Capacity: 1}, func(*model.TaskRun) handler.NativeFunc {
		return func(ctx context.Context) (interface{}, error) { return nil, nil }
	})
	if native.Name() != "native" {
		t.Fatalf("Name() = %q, want native", native.Name())
	}
	if h := native.CreateHandler(task); h == nil {
		t.Fatalf("CreateHandler returned nil")
	}
}
