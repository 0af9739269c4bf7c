package replication

import (
	"context"
	"encoding/xml"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/viant/featuresync/featurestore"
)

var exportTime = time.Date(2026, 10, 17, 14, 5, 9, 0, time.Local)

func newExporter(t *testing.T, g *faultyGateway) *Exporter {
	t.Helper()
	x := NewExporter(zaptest.NewLogger(t), g)
	x.Now = func() time.Time { return exportTime }
	return x
}

// stageEdits writes features into the staging edit version.
func stageEdits(t *testing.T, f *fixture, accs ...string) {
	t.Helper()
	layer := featurestore.Layer{Workspace: f.replica.StagingWorkspace, Class: "PLANTS", Version: "EDIT"}
	for _, acc := range accs {
		feature := &featurestore.Feature{
			Attributes: map[string]interface{}{"ACC_NUM": acc, "NAME": "n-" + acc},
			Shape:      &featurestore.Point{X: 1, Y: 2},
		}
		require.NoError(t, f.engine.Insert(context.Background(), layer, feature))
	}
}

func TestExporterDelivers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.replica.ExportPath, 0o755))
	stageEdits(t, f, "A1", "B2")
	g := newFaultyGateway(f.engine)

	report := newExporter(t, g).ProcessReplica(context.Background(), f.replica)
	require.NoError(t, report.Err)
	assert.Equal(t, Exported, report.Outcome)
	assert.Equal(t, 2, report.Exported)
	assert.Equal(t, []State{Idle, Locked, Reconciling, Exporting, Synchronizing, Delivering, Unlocked}, report.States)

	want := filepath.Join(f.replica.ExportPath, "changes_10172026_140509.xml")
	assert.Equal(t, want, report.Artifact)
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	var msg featurestore.DataChangeMessage
	require.NoError(t, xml.Unmarshal(data, &msg))
	assert.Equal(t, "living", msg.Replica)
	require.Len(t, msg.Changes, 2)
	assert.Equal(t, featurestore.ChangeInsert, msg.Changes[0].Op)

	_, err = os.Stat(filepath.Join(f.replica.TempPath, "temp_10172026_140509.xml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	assert.Len(t, f.find(t, f.replica.ProductionWorkspace, "DEFAULT", "A1"), 1)
	locked, err := LockHeld(f.replica.LockFilePath)
	require.NoError(t, err)
	assert.False(t, locked)

	// the replica has seen everything, the next message is empty
	report = newExporter(t, g).ProcessReplica(context.Background(), f.replica)
	require.NoError(t, report.Err)
	assert.Equal(t, 0, report.Exported)
}

func TestExporterDeliveryFailureKeepsTempFile(t *testing.T) {
	f := newFixture(t)
	stageEdits(t, f, "A1")
	g := newFaultyGateway(f.engine)

	// the export path does not exist
	report := newExporter(t, g).ProcessReplica(context.Background(), f.replica)
	assert.Equal(t, Exported, report.Outcome)
	require.Error(t, report.Err)
	assert.True(t, DeliveryError.Has(report.Err))
	assert.Empty(t, report.Artifact)

	_, err := os.Stat(filepath.Join(f.replica.TempPath, "temp_10172026_140509.xml"))
	assert.NoError(t, err)
	assert.Equal(t, 1, g.called("synchronize"))
	assert.True(t, report.Reached(Unlocked))
}

func TestExporterExportFailureSkipsSynchronize(t *testing.T) {
	f := newFixture(t)
	stageEdits(t, f, "A1")
	g := newFaultyGateway(f.engine)
	g.exportErr = errors.New("disk full")

	report := newExporter(t, g).ProcessReplica(context.Background(), f.replica)
	assert.Equal(t, Failed, report.Outcome)
	assert.True(t, PromotionError.Has(report.Err))
	assert.Zero(t, g.called("synchronize"))
	assert.True(t, report.Reached(Unlocked))
}

func TestExporterReconcileFailureContinues(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.replica.ExportPath, 0o755))
	f.replica.DeleteTempFiles = false
	stageEdits(t, f, "A1")
	g := newFaultyGateway(f.engine)
	g.reconcileErr = errors.New("conflicts")

	report := newExporter(t, g).ProcessReplica(context.Background(), f.replica)
	assert.Equal(t, Exported, report.Outcome)
	assert.True(t, PromotionError.Has(report.Err))
	assert.Equal(t, 0, report.Exported)
	assert.Equal(t, 1, g.called("synchronize"))

	_, err := os.Stat(filepath.Join(f.replica.TempPath, "temp_10172026_140509.xml"))
	assert.NoError(t, err)
}

func TestExporterBusy(t *testing.T) {
	f := newFixture(t)
	g := newFaultyGateway(f.engine)
	lock, err := AcquireLock(f.replica.LockFilePath, time.Now(), "other")
	require.NoError(t, err)
	defer func() { require.NoError(t, lock.Release()) }()

	reports := newExporter(t, g).Run(context.Background(), f.replicaList())
	require.Len(t, reports, 1)
	assert.Equal(t, Busy, reports[0].Outcome)
	assert.Zero(t, g.called("export"))
}
