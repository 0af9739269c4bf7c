// Package catalog turns the raw replica configuration into immutable
// replica and dataset definitions. Disabled entries are dropped with an
// informational log entry; a missing required field fails the whole load with
// a ConfigError so no replica runs against a partial catalog.
package catalog
