package replication

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/viant/featuresync/catalog"
	"github.com/viant/featuresync/cdc"
)

var scenario = []string{
	`INSERT INTO plants VALUES ('A1', 'Foo', -71.125, 42.5, 3)`,
	`UPDATE plants SET NAME = 'Bar' WHERE ACC_NUM = 'A1'`,
	`INSERT INTO plants VALUES ('B2', 'Baz', NULL, NULL, 1)`,
	`DELETE FROM plants WHERE ACC_NUM = 'B2'`,
}

func newImporter(t *testing.T, f *fixture, g *faultyGateway) (*Importer, *countingConnector) {
	t.Helper()
	conn := &countingConnector{Connector: cdc.DriverConnector{Log: zaptest.NewLogger(t)}}
	imp := NewImporter(zaptest.NewLogger(t), conn, g)
	imp.Now = later
	return imp, conn
}

func TestImporterPromotes(t *testing.T) {
	f := newFixture(t, scenario...)
	g := newFaultyGateway(f.engine)
	imp, _ := newImporter(t, f, g)

	report := imp.ProcessReplica(context.Background(), f.replica)
	require.NoError(t, report.Err)
	assert.Equal(t, Promoted, report.Outcome)
	assert.Equal(t, 4, report.Applied)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, []State{Idle, Locked, Fetching, Applying, PromotionGate, Reconciling, Synchronizing, Unlocked}, report.States)

	production := f.find(t, f.replica.ProductionWorkspace, "DEFAULT", "A1")
	require.Len(t, production, 1)
	assert.Equal(t, "Bar", production[0].Attributes["NAME"])
	require.NotNil(t, production[0].Shape)
	assert.Equal(t, -71.125, production[0].Shape.X)
	assert.Empty(t, f.find(t, f.replica.ProductionWorkspace, "DEFAULT", "B2"))

	// reconciled into the staging default version as well
	assert.Len(t, f.find(t, f.replica.StagingWorkspace, "DEFAULT", "A1"), 1)

	assert.Empty(t, f.pending(t))
	locked, err := LockHeld(f.replica.LockFilePath)
	require.NoError(t, err)
	assert.False(t, locked)
	assert.Equal(t, 2, g.called("compress"))
}

func TestImporterNoChangesSkipsPromotion(t *testing.T) {
	f := newFixture(t)
	g := newFaultyGateway(f.engine)
	imp, _ := newImporter(t, f, g)

	report := imp.ProcessReplica(context.Background(), f.replica)
	require.NoError(t, report.Err)
	assert.Equal(t, NoChanges, report.Outcome)
	assert.Equal(t, 0, report.Applied)
	assert.False(t, report.Reached(Reconciling))
	assert.True(t, report.Reached(Unlocked))
	assert.Zero(t, g.called("reconcile"))
	assert.Zero(t, g.called("synchronize"))
	assert.Zero(t, g.called("compress"))

	_, err := os.Stat(f.replica.ProductionWorkspace)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestImporterBusy(t *testing.T) {
	f := newFixture(t, scenario...)
	g := newFaultyGateway(f.engine)
	imp, conn := newImporter(t, f, g)

	require.NoError(t, os.MkdirAll(filepath.Dir(f.replica.LockFilePath), 0o755))
	require.NoError(t, os.WriteFile(f.replica.LockFilePath, []byte("2026-01-01 00:00:00\n"), 0o644))

	report := imp.ProcessReplica(context.Background(), f.replica)
	assert.Equal(t, Busy, report.Outcome)
	assert.NoError(t, report.Err)
	assert.Zero(t, conn.connects)
	assert.Zero(t, g.called("insert"))
	assert.Len(t, f.pending(t), 4)

	// the foreign lock is left in place
	locked, err := LockHeld(f.replica.LockFilePath)
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestImporterReconcileFailureStopsPromotion(t *testing.T) {
	f := newFixture(t, scenario...)
	g := newFaultyGateway(f.engine)
	g.reconcileErr = errors.New("version locked")
	imp, _ := newImporter(t, f, g)

	report := imp.ProcessReplica(context.Background(), f.replica)
	assert.Equal(t, Failed, report.Outcome)
	require.Error(t, report.Err)
	assert.True(t, PromotionError.Has(report.Err))
	assert.Equal(t, 4, report.Applied)
	assert.False(t, report.Reached(Synchronizing))
	assert.True(t, report.Reached(Unlocked))
	assert.Zero(t, g.called("synchronize"))

	// applied rows are acknowledged even though promotion failed
	assert.Empty(t, f.pending(t))
	locked, err := LockHeld(f.replica.LockFilePath)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestImporterSynchronizeFailure(t *testing.T) {
	f := newFixture(t, scenario...)
	g := newFaultyGateway(f.engine)
	g.syncErr = errors.New("production unreachable")
	imp, _ := newImporter(t, f, g)

	report := imp.ProcessReplica(context.Background(), f.replica)
	assert.Equal(t, Failed, report.Outcome)
	assert.True(t, PromotionError.Has(report.Err))
	assert.True(t, report.Reached(Synchronizing))
	assert.True(t, report.Reached(Unlocked))
}

func TestImporterPartialAcknowledgement(t *testing.T) {
	f := newFixture(t, scenario...)
	g := newFaultyGateway(f.engine)
	g.failInsert = "B2"
	imp, _ := newImporter(t, f, g)

	report := imp.ProcessReplica(context.Background(), f.replica)
	require.NoError(t, report.Err)
	assert.Equal(t, Promoted, report.Outcome)
	assert.Equal(t, 2, report.Applied)

	// the failed insert and the delete that found nothing stay queued
	pending := f.pending(t)
	require.Len(t, pending, 2)
	assert.Equal(t, cdc.LogKey(3), pending[0])
	assert.Equal(t, cdc.LogKey(4), pending[1])
}

func TestImporterSkipsAutoReconcile(t *testing.T) {
	f := newFixture(t, scenario...)
	f.replica.AutoReconcile = false
	g := newFaultyGateway(f.engine)
	imp, _ := newImporter(t, f, g)

	report := imp.ProcessReplica(context.Background(), f.replica)
	require.NoError(t, report.Err)
	assert.Equal(t, Promoted, report.Outcome)
	assert.False(t, report.Reached(Reconciling))
	assert.Zero(t, g.called("reconcile"))

	// edits stay in the edit version, nothing new reaches production
	assert.Empty(t, f.find(t, f.replica.ProductionWorkspace, "DEFAULT", "A1"))
	assert.Len(t, f.find(t, f.replica.StagingWorkspace, "EDIT", "A1"), 1)
}

func TestImporterRunContinuesAfterFailures(t *testing.T) {
	f := newFixture(t, scenario...)
	g := newFaultyGateway(f.engine)
	imp, _ := newImporter(t, f, g)

	broken := f.replica
	broken.Name = "broken"
	broken.LockFilePath = filepath.Join(f.dir, "locks", "broken.lock")
	broken.Source = catalog.Connection{Driver: "odbc", Server: "x", Database: "y"}

	reports := imp.Run(context.Background(), []catalog.Replica{broken, f.replica})
	require.Len(t, reports, 2)

	assert.Equal(t, Failed, reports[0].Outcome)
	assert.True(t, cdc.ConnectionError.Has(reports[0].Err))
	assert.True(t, reports[0].Reached(Unlocked))
	locked, err := LockHeld(broken.LockFilePath)
	require.NoError(t, err)
	assert.False(t, locked)

	assert.Equal(t, Promoted, reports[1].Outcome)
	assert.Equal(t, 4, reports[1].Applied)
}

func TestImporterFetchFailureCountsAsNoChange(t *testing.T) {
	f := newFixture(t, scenario...)
	missing := plants
	missing.Source.Table = "missing"
	f.replica.Datasets = []catalog.Dataset{missing}
	g := newFaultyGateway(f.engine)
	imp, _ := newImporter(t, f, g)

	report := imp.ProcessReplica(context.Background(), f.replica)
	require.NoError(t, report.Err)
	assert.Equal(t, NoChanges, report.Outcome)
	assert.Len(t, f.pending(t), 4)
}
