// Package config loads the coordinator configuration: a YAML file decoded
// over Default(), then SHARDOPS_* environment overrides, then Validate.
package config
