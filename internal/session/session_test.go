package session

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/meshrun/flowcore/internal/dataflow"
	"github.com/meshrun/flowcore/internal/model"
)

func newChannelInOut(name string) (*model.InParam, *model.OutParam) {
	ch := dataflow.NewChannel(1)
	return &model.InParam{Name: name, Kind: model.KindValue, Channel: ch},
		&model.OutParam{Name: name, Kind: model.OutValue, Channel: ch}
}

func TestValidateAcceptsAcyclicTopology(t *testing.T) {
	s, err := New(Config{WorkDir: t.TempDir(), Executor: "local"})
	assert.NilError(t, err)

	aIn, aOut := newChannelInOut("a_out")
	assert.NilError(t, s.AddProcess(ProcessSpec{Name: "produce", Outputs: []*model.OutParam{aOut}}))
	assert.NilError(t, s.AddProcess(ProcessSpec{Name: "consume", Inputs: []*model.InParam{aIn}}))

	assert.NilError(t, s.Validate())
}

func TestValidateRejectsCycle(t *testing.T) {
	s, err := New(Config{WorkDir: t.TempDir(), Executor: "local"})
	assert.NilError(t, err)

	fwdIn, fwdOut := newChannelInOut("fwd")
	backIn, backOut := newChannelInOut("back")

	assert.NilError(t, s.AddProcess(ProcessSpec{
		Name:    "left",
		Inputs:  []*model.InParam{backIn},
		Outputs: []*model.OutParam{fwdOut},
	}))
	assert.NilError(t, s.AddProcess(ProcessSpec{
		Name:    "right",
		Inputs:  []*model.InParam{fwdIn},
		Outputs: []*model.OutParam{backOut},
	}))

	err = s.Validate()
	assert.ErrorContains(t, err, "cyclic channel dependency")
}

func TestValidateRejectsSelfFeed(t *testing.T) {
	s, err := New(Config{WorkDir: t.TempDir(), Executor: "local"})
	assert.NilError(t, err)

	in, out := newChannelInOut("loop")
	assert.NilError(t, s.AddProcess(ProcessSpec{
		Name:    "solo",
		Inputs:  []*model.InParam{in},
		Outputs: []*model.OutParam{out},
	}))

	err = s.Validate()
	assert.ErrorContains(t, err, "feeds its own input")
}

func TestAddProcessAppliesSessionDefaults(t *testing.T) {
	s, err := New(Config{WorkDir: t.TempDir(), Executor: "grid", MaxForks: 4, Container: "alpine"})
	assert.NilError(t, err)

	assert.NilError(t, s.AddProcess(ProcessSpec{Name: "p"}))
	got := s.specs[0]
	assert.Equal(t, got.Executor, "grid")
	assert.Equal(t, got.MaxForks, 4)
	assert.Equal(t, got.Container, "alpine")
}
