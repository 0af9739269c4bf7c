// Package featurestore defines the versioned feature store gateway and a
// SQLite-backed implementation of it.
//
// A workspace is one SQLite database holding feature classes, a single root
// (default) version and any number of edit versions derived from it. Edit
// versions store copy-on-write deltas over the root: reading a layer in an
// edit version sees the edit's own rows first and inherits the rest from the
// root. Deletes are recorded as tombstones so they can be reconciled,
// synchronized to another workspace and exported before Compress purges them.
//
// Every write to a workspace advances its generation counter. Reconcile
// posts edit rows into the root and detects conflicts by comparing the
// root's current generation with the generation the edit was based on.
// Synchronize and ExportChanges ship root rows newer than the generation a
// replica last synchronized.
package featurestore
