package wrapper

import (
	"strings"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/meshrun/flowcore/internal/model"
)

func TestBuildPlainCommand(t *testing.T) {
	script, wrapperPath, exitCodePath, stdoutPath := Build("/work/t1", Spec{
		Env:     []EnvExport{{Key: "SAMPLE", Value: "s1"}},
		Files:   []model.FileHolder{{SourcePath: "/in/a.fq", StoredName: "sample_1.fq"}},
		Command: "align sample_1.fq",
	})

	assert.Equal(t, wrapperPath, "/work/t1/wrapper.sh")
	assert.Equal(t, exitCodePath, "/work/t1/.exitcode")
	assert.Equal(t, stdoutPath, "/work/t1/.command.out")

	assert.Assert(t, strings.HasPrefix(script, "#!/bin/sh\n"))
	assert.Assert(t, strings.Contains(script, "export SAMPLE='s1'"))
	assert.Assert(t, strings.Contains(script, "ln -sf '/in/a.fq' '/work/t1/sample_1.fq'"))
	assert.Assert(t, strings.Contains(script, "( align sample_1.fq ) > '/work/t1/.command.out' 2>&1"))
	assert.Assert(t, strings.Contains(script, "echo $? > '/work/t1/.exitcode'"))
}

func TestBuildContainerizedSkipsExportsUsesEnvFile(t *testing.T) {
	script, _, _, _ := Build("/work/t2", Spec{
		Env:       []EnvExport{{Key: "X", Value: "1"}},
		Command:   "run-thing",
		Container: "example/image:latest",
	})

	assert.Assert(t, !strings.Contains(script, "export X=1"))
	assert.Assert(t, strings.Contains(script, "cat > '/work/t2/.env' <<'FLOWCORE_ENV'"))
	assert.Assert(t, strings.Contains(script, "docker run --rm"))
	assert.Assert(t, strings.Contains(script, "--env-file '/work/t2/.env'"))
	assert.Assert(t, strings.Contains(script, "'example/image:latest'"))
}

func TestBuildContainerizedMountsStagedFiles(t *testing.T) {
	script, _, _, _ := Build("/work/t3", Spec{
		Files:     []model.FileHolder{{SourcePath: "/data/in/a.fq", StoredName: "a.fq"}},
		Command:   "run",
		Container: "img",
	})
	assert.Assert(t, strings.Contains(script, "-v '/work/t3':'/work/t3'"))
}

func TestStageScriptRendersOnlyLinks(t *testing.T) {
	got := StageScript("/work/m", []model.FileHolder{
		{SourcePath: "/a", StoredName: "a1"},
		{SourcePath: "/b", StoredName: "b1"},
	})
	assert.Equal(t, got, "ln -sf '/a' '/work/m/a1'\nln -sf '/b' '/work/m/b1'\n")
}
