// Package engine coordinates the deployed set. The Orchestrator owns the
// deployment lock, the known artifacts of each kind, the zombie registries
// and the domain membership tracker, and routes both watcher passes and
// explicit operations through the lifecycle engine.
package engine
