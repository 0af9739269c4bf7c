// Package cdc reads captured row changes from a change source and
// acknowledges (deletes) the entries that were applied downstream.
//
// A Connector opens one Source per replica. The Source owns a single pinned
// connection: datasets are fetched one after another, and fetching the next
// dataset closes whatever Cursor is still open. Every fetched batch carries
// one validated FieldIndex used for all field reads of its records.
//
// Two sources are provided:
//   - SQLServer reads SQL Server change data capture table-valued functions
//     through github.com/microsoft/go-mssqldb.
//   - SQLite reads a trigger-populated change log (see CaptureTriggers) and
//     is used for local deployments and tests.
package cdc
