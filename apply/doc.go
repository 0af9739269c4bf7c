// Package apply maps change records onto a feature store layer.
//
// An Applier applies one cdc.Record at a time to the target table of a
// dataset within an edit version, using the primary key for every lookup.
// Inserts are idempotent, updates without a matching feature fall back to
// an insert and deletes succeed when at least one feature was removed.
package apply
