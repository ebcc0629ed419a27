package script

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorry-ci/lorry/internal/model"
)

// testCommands backs the lookup function for parsed streams.
var testCommands = map[model.Phase][]string{
	model.PhaseBeforeInstall: {"wget miniconda.sh"},
	model.PhaseInstall:       {"pip install pytest", "python setup.py install"},
	model.PhaseScript:        {"python -m coverage run setup.py test", "python -m coverage report"},
	model.PhaseAfterSuccess:  {"codecov"},
	model.PhaseAfterFailure:  {"pwd", "find . -iname '*.log'"},
}

func lookupTestCommand(phase model.Phase, index int) string {
	commands := testCommands[phase]
	if index < 0 || index >= len(commands) {
		return ""
	}
	return commands[index]
}

// TestParseStream_Passed walks a clean run: every phase exits zero, the
// success hook runs, regular output reaches the sink without markers.
func TestParseStream_Passed(t *testing.T) {
	stream := strings.Join([]string{
		"##[lorry:phase:install:start]",
		"##[lorry:cmd:install:0:start]",
		"$ pip install pytest",
		"Collecting pytest",
		"##[lorry:cmd:install:0:exit:0:d=3]",
		"##[lorry:cmd:install:1:start]",
		"$ python setup.py install",
		"##[lorry:cmd:install:1:exit:0:d=8]",
		"##[lorry:phase:install:exit:0:d=11]",
		"##[lorry:phase:script:start]",
		"##[lorry:cmd:script:0:start]",
		"$ python -m coverage run setup.py test",
		"Ran 42 tests in 12.3s",
		"OK",
		"##[lorry:cmd:script:0:exit:0:d=13]",
		"##[lorry:phase:script:exit:0:d=13]",
		"##[lorry:phase:after_success:start]",
		"##[lorry:cmd:after_success:0:start]",
		"$ codecov",
		"##[lorry:cmd:after_success:0:exit:0:d=2]",
		"##[lorry:phase:after_success:exit:0:d=2]",
	}, "\n") + "\n"

	var sink strings.Builder
	result, err := ParseStream(strings.NewReader(stream), &sink, lookupTestCommand)
	require.NoError(t, err)

	assert.False(t, result.Incomplete)
	assert.Equal(t, model.JobPassed, result.Status())
	require.Len(t, result.Phases, 3)

	install := result.Phases[0]
	assert.Equal(t, model.PhaseInstall, install.Phase)
	assert.Equal(t, 0, install.ExitCode)
	assert.Equal(t, 11*time.Second, install.Duration)
	require.Len(t, install.Commands, 2)
	assert.Equal(t, "pip install pytest", install.Commands[0].Command)
	assert.Equal(t, 3*time.Second, install.Commands[0].Duration)
	assert.Equal(t, "python setup.py install", install.Commands[1].Command)

	assert.Equal(t, model.PhaseScript, result.Phases[1].Phase)
	assert.Equal(t, model.PhaseAfterSuccess, result.Phases[2].Phase)

	// The sink sees output lines only, never markers.
	assert.NotContains(t, sink.String(), "##[lorry:")
	assert.Contains(t, sink.String(), "Collecting pytest\n")
	assert.Contains(t, sink.String(), "Ran 42 tests in 12.3s\n")
}

// TestParseStream_ScriptFailure verifies that a failing script command
// fails the job even when a later command succeeds, and that a failing
// after_failure hook leaves the result alone.
func TestParseStream_ScriptFailure(t *testing.T) {
	stream := strings.Join([]string{
		"##[lorry:phase:script:start]",
		"##[lorry:cmd:script:0:start]",
		"FAILED tests/test_sparse.py::test_dot",
		"##[lorry:cmd:script:0:exit:1:d=9]",
		"##[lorry:cmd:script:1:start]",
		"##[lorry:cmd:script:1:exit:0:d=1]",
		"##[lorry:phase:script:exit:1:d=10]",
		"##[lorry:phase:after_failure:start]",
		"##[lorry:cmd:after_failure:0:start]",
		"/home/builder/work",
		"##[lorry:cmd:after_failure:0:exit:0:d=0]",
		"##[lorry:cmd:after_failure:1:start]",
		"##[lorry:cmd:after_failure:1:exit:1:d=0]",
		"##[lorry:phase:after_failure:exit:1:d=0]",
	}, "\n") + "\n"

	result, err := ParseStream(strings.NewReader(stream), nil, lookupTestCommand)
	require.NoError(t, err)

	assert.Equal(t, model.JobFailed, result.Status())

	script, ok := result.Phase(model.PhaseScript)
	require.True(t, ok)
	assert.Equal(t, 1, script.ExitCode)
	require.Len(t, script.Commands, 2)
	assert.Equal(t, 1, script.Commands[0].ExitCode)
	assert.Equal(t, 0, script.Commands[1].ExitCode)

	hook, ok := result.Phase(model.PhaseAfterFailure)
	require.True(t, ok)
	assert.Equal(t, 1, hook.ExitCode, "hook failures are recorded but never change the job result")
}

// TestParseStream_SetupError verifies that a failing setup phase errors
// the job.
func TestParseStream_SetupError(t *testing.T) {
	stream := strings.Join([]string{
		"##[lorry:phase:before_install:start]",
		"##[lorry:cmd:before_install:0:start]",
		"wget: unable to resolve host address",
		"##[lorry:cmd:before_install:0:exit:4:d=30]",
		"##[lorry:phase:before_install:exit:4:d=30]",
		"##[lorry:phase:after_failure:start]",
		"##[lorry:cmd:after_failure:0:start]",
		"##[lorry:cmd:after_failure:0:exit:0:d=0]",
		"##[lorry:phase:after_failure:exit:0:d=0]",
	}, "\n") + "\n"

	result, err := ParseStream(strings.NewReader(stream), nil, lookupTestCommand)
	require.NoError(t, err)

	assert.Equal(t, model.JobErrored, result.Status())
	setup, ok := result.Phase(model.PhaseBeforeInstall)
	require.True(t, ok)
	assert.Equal(t, 4, setup.ExitCode)
}

// TestParseStream_Incomplete verifies that a stream cut off inside a
// phase is flagged and the partial phase keeps exit code -1.
func TestParseStream_Incomplete(t *testing.T) {
	stream := strings.Join([]string{
		"##[lorry:phase:install:start]",
		"##[lorry:cmd:install:0:start]",
		"Collecting pytest",
	}, "\n") + "\n"

	result, err := ParseStream(strings.NewReader(stream), nil, lookupTestCommand)
	require.NoError(t, err)

	assert.True(t, result.Incomplete)
	assert.Equal(t, model.JobErrored, result.Status())
	require.Len(t, result.Phases, 1)
	assert.Equal(t, model.PhaseInstall, result.Phases[0].Phase)
	assert.Equal(t, -1, result.Phases[0].ExitCode)
}

// TestParseStream_MalformedMarkers verifies that lines resembling
// markers but failing to parse pass through as ordinary output.
func TestParseStream_MalformedMarkers(t *testing.T) {
	stream := strings.Join([]string{
		"##[lorry:phase:not_a_phase:start]",
		"##[lorry:cmd:script:zero:start]",
		"##[lorry:something:else]",
		"##[lorry:phase:script:exit:0:d=1]",
	}, "\n") + "\n"

	var sink strings.Builder
	result, err := ParseStream(strings.NewReader(stream), &sink, nil)
	require.NoError(t, err)

	assert.Empty(t, result.Phases)
	assert.False(t, result.Incomplete)
	assert.Equal(t, 4, strings.Count(sink.String(), "\n"), "every unparseable line is forwarded")
}

// TestParseStream_CarriageReturns verifies markers survive CRLF output
// from TTY-attached containers.
func TestParseStream_CarriageReturns(t *testing.T) {
	stream := "##[lorry:phase:script:start]\r\n" +
		"##[lorry:cmd:script:0:start]\r\n" +
		"##[lorry:cmd:script:0:exit:0:d=1]\r\n" +
		"##[lorry:phase:script:exit:0:d=1]\r\n"

	result, err := ParseStream(strings.NewReader(stream), nil, lookupTestCommand)
	require.NoError(t, err)

	assert.Equal(t, model.JobPassed, result.Status())
	require.Len(t, result.Phases, 1)
	assert.Equal(t, model.PhaseScript, result.Phases[0].Phase)
}

// TestParseStream_NilLookup verifies command records survive without a
// lookup function, just with empty command text.
func TestParseStream_NilLookup(t *testing.T) {
	stream := strings.Join([]string{
		"##[lorry:phase:script:start]",
		"##[lorry:cmd:script:0:start]",
		"##[lorry:cmd:script:0:exit:0:d=2]",
		"##[lorry:phase:script:exit:0:d=2]",
	}, "\n") + "\n"

	result, err := ParseStream(strings.NewReader(stream), nil, nil)
	require.NoError(t, err)

	require.Len(t, result.Phases, 1)
	require.Len(t, result.Phases[0].Commands, 1)
	assert.Empty(t, result.Phases[0].Commands[0].Command)
	assert.Equal(t, 2*time.Second, result.Phases[0].Commands[0].Duration)
}

// TestStreamResult_Phase verifies lookup of individual phase records.
func TestStreamResult_Phase(t *testing.T) {
	result := &StreamResult{
		Phases: []model.PhaseResult{
			{Phase: model.PhaseInstall, ExitCode: 0},
			{Phase: model.PhaseScript, ExitCode: 1},
		},
	}

	script, ok := result.Phase(model.PhaseScript)
	assert.True(t, ok)
	assert.Equal(t, 1, script.ExitCode)

	_, ok = result.Phase(model.PhaseAfterScript)
	assert.False(t, ok)
}
