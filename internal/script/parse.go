// parse.go consumes marker-annotated build output.
package script

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/lorry-ci/lorry/internal/model"
)

const (
	markerPrefix = "##[lorry:"
	markerSuffix = "]"
)

// maxLineSize bounds a single line of build output; longer lines abort
// the scan with bufio.ErrTooLong.
const maxLineSize = 1024 * 1024

// StreamResult is the parsed outcome of one job's build output.
type StreamResult struct {
	// Phases holds one record per phase that ran, in output order.
	Phases []model.PhaseResult

	// Incomplete reports that the stream ended inside a phase, which
	// happens when the build process is killed.
	Incomplete bool
}

// Status derives a job status from the parsed phases: a non-zero setup
// phase errors the job, a non-zero script phase fails it, and hook
// phases never change the result. The runner cross-checks this against
// the build process exit code and substitutes JobCanceled when the
// context was canceled.
func (r *StreamResult) Status() model.JobStatus {
	if r.Incomplete {
		return model.JobErrored
	}
	for _, phase := range r.Phases {
		if phase.ExitCode == 0 || phase.Phase.Hook() {
			continue
		}
		if phase.Phase.Setup() {
			return model.JobErrored
		}
		if phase.Phase == model.PhaseScript {
			return model.JobFailed
		}
	}
	return model.JobPassed
}

// Phase returns the record for the named phase, if it ran.
func (r *StreamResult) Phase(phase model.Phase) (model.PhaseResult, bool) {
	for _, p := range r.Phases {
		if p.Phase == phase {
			return p, true
		}
	}
	return model.PhaseResult{}, false
}

// ParseStream reads build output line by line, separating marker lines
// from regular output. Regular lines stream to sink as they arrive, so
// the caller sees live output; markers update phase and command
// records and are not forwarded. lookup supplies the command text for
// a phase and command index, since markers carry only positions.
//
// A scan error returns the partial result alongside the error.
func ParseStream(r io.Reader, sink io.Writer, lookup func(phase model.Phase, index int) string) (*StreamResult, error) {
	parser := &streamParser{
		result: &StreamResult{},
		lookup: lookup,
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		body, ok := cutMarker(line)
		if ok && parser.apply(body) {
			continue
		}
		if sink != nil {
			fmt.Fprintln(sink, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return parser.finish(), fmt.Errorf("failed to scan build output: %w", err)
	}
	return parser.finish(), nil
}

// streamParser tracks the phase currently being read from the stream.
type streamParser struct {
	result    *StreamResult
	current   *model.PhaseResult
	inCommand bool
	lookup    func(phase model.Phase, index int) string
}

// apply dispatches one marker body. It reports false for bodies it does
// not understand, so the caller can pass the line through as output.
func (p *streamParser) apply(body string) bool {
	fields := strings.Split(body, ":")
	switch fields[0] {
	case "phase":
		return p.phaseMarker(fields)
	case "cmd":
		return p.commandMarker(fields)
	}
	return false
}

func (p *streamParser) phaseMarker(fields []string) bool {
	if len(fields) < 3 {
		return false
	}
	phase, err := model.ParsePhase(fields[1])
	if err != nil {
		return false
	}
	switch fields[2] {
	case "start":
		if len(fields) != 3 {
			return false
		}
		if p.current != nil {
			// The previous phase never exited; keep its partial record.
			p.result.Phases = append(p.result.Phases, *p.current)
		}
		p.current = &model.PhaseResult{Phase: phase, ExitCode: -1}
		p.inCommand = false
		return true
	case "exit":
		if len(fields) != 5 || p.current == nil || p.current.Phase != phase {
			return false
		}
		code, codeErr := strconv.Atoi(fields[3])
		duration, durationErr := parseDuration(fields[4])
		if codeErr != nil || durationErr != nil {
			return false
		}
		p.current.ExitCode = code
		p.current.Duration = duration
		p.result.Phases = append(p.result.Phases, *p.current)
		p.current = nil
		p.inCommand = false
		return true
	}
	return false
}

func (p *streamParser) commandMarker(fields []string) bool {
	if len(fields) < 4 {
		return false
	}
	phase, err := model.ParsePhase(fields[1])
	if err != nil {
		return false
	}
	index, err := strconv.Atoi(fields[2])
	if err != nil || index < 0 {
		return false
	}
	if p.current == nil || p.current.Phase != phase {
		return false
	}
	switch fields[3] {
	case "start":
		if len(fields) != 4 {
			return false
		}
		p.inCommand = true
		return true
	case "exit":
		if len(fields) != 6 {
			return false
		}
		code, codeErr := strconv.Atoi(fields[4])
		duration, durationErr := parseDuration(fields[5])
		if codeErr != nil || durationErr != nil {
			return false
		}
		command := model.CommandResult{ExitCode: code, Duration: duration}
		if p.lookup != nil {
			command.Command = p.lookup(phase, index)
		}
		p.current.Commands = append(p.current.Commands, command)
		p.inCommand = false
		return true
	}
	return false
}

// finish flushes any phase the stream ended inside of. The unfinished
// phase keeps exit code -1 to distinguish it from a clean zero exit.
func (p *streamParser) finish() *StreamResult {
	if p.current != nil || p.inCommand {
		p.result.Incomplete = true
		if p.current != nil {
			p.result.Phases = append(p.result.Phases, *p.current)
			p.current = nil
		}
		p.inCommand = false
	}
	return p.result
}

// cutMarker extracts the marker body from a line, tolerating a trailing
// carriage return from TTY-attached container output.
func cutMarker(line string) (string, bool) {
	trimmed := strings.TrimRight(line, "\r")
	if !strings.HasPrefix(trimmed, markerPrefix) || !strings.HasSuffix(trimmed, markerSuffix) {
		return "", false
	}
	return trimmed[len(markerPrefix) : len(trimmed)-len(markerSuffix)], true
}

// parseDuration decodes the d=<seconds> field of an exit marker.
func parseDuration(field string) (time.Duration, error) {
	value, found := strings.CutPrefix(field, "d=")
	if !found {
		return 0, fmt.Errorf("malformed duration field %q", field)
	}
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("malformed duration field %q", field)
	}
	return time.Duration(seconds) * time.Second, nil
}
