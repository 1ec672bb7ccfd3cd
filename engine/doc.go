// Package engine implements LayerFS, the engine that mounts, stacks, merges and
// garbage-collects the layers it registers, together with its metadata cache,
// batch operations and parallel processing.
package engine
