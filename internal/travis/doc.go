// Package travis handles parsing, validation, and matrix expansion of
// .travis.yml configuration files.
//
// Travis configuration is permissive YAML: most fields accept either a
// scalar or a list, the env section has three shapes, and the job matrix
// can be declared implicitly (os/version/env axes) or explicitly
// (jobs.include rows). This package normalizes all of that into a single
// Config struct and expands it into concrete JobSpec values the runner
// can execute.
//
// Key responsibilities:
//   - Locate .travis.yml for a repository directory
//   - Parse the YAML into a normalized Config (gopkg.in/yaml.v3)
//   - Validate the configuration and collect lint warnings
//   - Expand the build matrix into jobs, honoring include/exclude rows,
//     allow_failures, and fast_finish
//   - Decide branch eligibility from the branches safelist/blocklist
package travis
