// Package config handles configuration loading for pairchat.
//
// # Overview
//
// Configuration is read from a YAML file, or TOML when the file name ends
// in .toml. Before parsing, ${VAR} references are replaced with environment
// values, so secrets stay out of the file:
//
//	auth:
//	  jwt_secret: "${PAIRCHAT_JWT_SECRET}"
//
// Durations are written as Go duration strings ("50ms", "5m", "720h").
// Missing values fall back to defaults; Validate reports the first problem.
//
// # Location
//
// DefaultPath resolves $PAIRCHAT_CONFIG, then
// $XDG_CONFIG_HOME/pairchat/config.yaml, then ~/.config/pairchat/config.yaml.
// `pairchat init` writes Template there.
package config
