// Package engine implements the GeoFlow workflow execution core: DAG
// validation and scheduling, the per-node retry and circuit-breaker
// wrapper, the streaming data-exchange contract between nodes, and the
// hand-off of terminally failed runs to the dead letter store.
//
// The engine is generic over node behavior. Node implementations are
// resolved through the Registry and interact with the engine only through
// the batch and streaming execution contracts. Geospatial semantics
// (coordinate systems, geometry validity) are a node's responsibility.
//
// Concurrency model: independent nodes of one run execute in parallel,
// bounded by a weighted semaphore shared across all runs of the engine.
// Nodes connected by an edge are strictly ordered: a consumer never
// starts before its producer's terminal success. A single cancellation
// signal scopes an entire run and is observed inside retry backoff waits,
// not only after they elapse.
package engine
