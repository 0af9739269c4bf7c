// Package engine provides helpers for working with the modernc.org/sqlite
// driver in this module: opening workspace databases and registering the
// geometry scalar functions used by the feature store. It intentionally keeps
// a thin surface so other packages can share the same driver instance.
package engine
