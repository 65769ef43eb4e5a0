// Package monitor implements the integrity-monitoring engine: a registry
// of protected regions with SHA-256 baselines, an on-demand scanner with
// drift tolerance for volatile files, a periodic background scan driver,
// and an event-driven watcher for file-backed regions.
package monitor
