// Package ps4cord embeds the assets shared by the ps4cord binaries.
//
// The root package exists solely to embed [config.default.toml] via
// [DefaultConfigTOML], which the daemon copies into the data directory on
// first run.
package ps4cord

import _ "embed"

// DefaultConfigTOML holds the raw bytes of config.default.toml, generated
// by cmd/genconfig from the config package defaults.
//
//go:embed config.default.toml
var DefaultConfigTOML []byte
