// Package config loads, normalizes, and validates lockbox configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// LOCKBOX_NTFY_TOPIC and LOCKBOX_REDIS_ADDR. The Config type centralizes every
// knob the daemon and CLI need: the lock sequence, the inputs and outputs it
// references, autolock timing, and the ambient services around the core.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, a non-empty sequence whose references resolve, and clear
// validation errors.
package config
