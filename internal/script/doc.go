// Package script compiles an expanded matrix job into a single bash
// build script and parses the marker stream that script emits.
//
// Each job runs as one shell process so that state mutations — exported
// variables, PATH changes, cd, `source activate` — persist across
// lifecycle phases exactly as configurations expect. Per-phase and
// per-command results are recovered from marker lines (##[lorry:...])
// that the generated script prints around every command, so the runner
// never has to split a job into separate shell invocations.
//
// The generated script encodes the lifecycle semantics directly:
// setup phases return on the first non-zero exit, the script phase runs
// every command and keeps the first non-zero result, and the
// after_success/after_failure choice happens in-script based on the
// accumulated result.
package script
