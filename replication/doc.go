// Package replication drives replicas through import and promotion.
//
// The Importer pulls change records for every dataset of a replica, applies
// them to the staging workspace's edit version, acknowledges what was
// applied and, when anything changed, reconciles staging and synchronizes
// it into production. The Exporter ships the staging changes a replica has
// not yet seen as an XML change message before synchronizing.
//
// Both hold the replica's lock file for the duration of a run.
package replication
