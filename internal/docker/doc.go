// Package docker wraps the Docker Engine SDK for the container build
// backend.
//
// This package handles:
//   - Docker client initialization with automatic socket detection
//     (Linux, macOS)
//   - Container labels that tie containers to lorry builds and jobs,
//     so leftovers from crashed runs can be found and removed
//   - Container lifecycle operations for one build job: ensure image,
//     create, copy the workspace in, start, stream logs, wait, remove
//
// The package uses github.com/docker/docker/client as the underlying
// Docker SDK, with version negotiation enabled for broad compatibility.
package docker
