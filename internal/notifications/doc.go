// Package notifications delivers lock events via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and degrades to a no-op when no topic is set. Each event type
// can be switched off individually in the [notifications] section.
package notifications
