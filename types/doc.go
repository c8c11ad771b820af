// Package types defines the shared data model of the GeoFlow workflow
// engine: workflow definitions, run state, node run state, and the
// structured error model attached to terminally failed node runs.
//
// The package has no third-party dependencies so that every other package
// (engine, stores, API handlers) can exchange these values without cycles.
package types
