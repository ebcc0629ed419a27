// Package model defines the domain types and value objects for the
// lorry CI runner.
//
// This package contains pure data structures with no external dependencies.
// All entities (Build, Job, PhaseResult, etc.) describe one execution of a
// Travis-style configuration: a build is the unit triggered by the user, a
// job is one expanded matrix entry, and phase results record what each
// lifecycle phase did.
//
// The package also defines exit codes (ExitCode) and a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling.
package model
