// Package defaults provides the embedded example configuration for the
// asgard init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the annotated example configuration.
//
//go:embed asgard.example.yaml
var ConfigYAML []byte
