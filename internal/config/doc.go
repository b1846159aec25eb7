// Package config loads pipeline configuration from defaults, an optional
// YAML file, and environment variable overrides, and defines the
// ConstraintProfile shared by the validator and the normalization pipeline.
package config
