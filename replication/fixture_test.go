package replication

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/viant/featuresync/catalog"
	"github.com/viant/featuresync/cdc"
	"github.com/viant/featuresync/engine"
	"github.com/viant/featuresync/featurestore"
)

var plants = catalog.Dataset{
	ChangeFunction: "dbo_plants",
	Source:         catalog.SourceTable{Table: "plants", PrimaryKey: "ACC_NUM", XField: "LONGITUDE", YField: "LATITUDE"},
	Target:         catalog.TargetTable{Table: "PLANTS", PrimaryKey: "ACC_NUM"},
}

type fixture struct {
	dir     string
	engine  *featurestore.Engine
	replica catalog.Replica
}

// newFixture prepares a captured source table, a staging workspace with an
// edit version and the replica definition tying them together.
func newFixture(t *testing.T, statements ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	sourcePath := filepath.Join(dir, "source.sqlite")
	db, err := engine.OpenWorkspace(sourcePath)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE TABLE plants (
    ACC_NUM   TEXT PRIMARY KEY,
    NAME      TEXT,
    LONGITUDE REAL,
    LATITUDE  REAL,
    QTY       INTEGER
)`)
	require.NoError(t, err)
	require.NoError(t, cdc.EnableCapture(ctx, db, "plants", "dbo_plants"))
	for _, stmt := range statements {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	e := featurestore.NewEngine(zaptest.NewLogger(t))
	t.Cleanup(func() { _ = e.Close() })

	stagingPath := filepath.Join(dir, "staging.sqlite")
	staging, err := e.Workspace(ctx, stagingPath)
	require.NoError(t, err)
	require.NoError(t, staging.CreateVersion(ctx, "DEFAULT", ""))
	require.NoError(t, staging.CreateVersion(ctx, "EDIT", "DEFAULT"))
	require.NoError(t, staging.CreateFeatureClass(ctx, "PLANTS", true, []featurestore.Field{
		{Name: "ACC_NUM", Kind: featurestore.KindText},
		{Name: "NAME", Kind: featurestore.KindText},
		{Name: "QTY", Kind: featurestore.KindInteger},
		{Name: "GLOBALID", Kind: featurestore.KindGlobalID},
	}))

	return &fixture{
		dir:    dir,
		engine: e,
		replica: catalog.Replica{
			Name:                "living",
			TempPath:            filepath.Join(dir, "temp"),
			ExportPath:          filepath.Join(dir, "export"),
			LockFilePath:        filepath.Join(dir, "locks", "living.lock"),
			DeleteTempFiles:     true,
			AutoReconcile:       true,
			StagingWorkspace:    stagingPath,
			ProductionWorkspace: filepath.Join(dir, "production.sqlite"),
			EditVersion:         "EDIT",
			StagingEditVersions: []string{"EDIT"},
			DefaultVersion:      "DEFAULT",
			Source:              catalog.Connection{Driver: catalog.DriverSQLite, Server: "local", Database: sourcePath},
			Datasets:            []catalog.Dataset{plants},
		},
	}
}

func (f *fixture) find(t *testing.T, workspace, version, acc string) []featurestore.Feature {
	t.Helper()
	found, err := f.engine.Find(context.Background(),
		featurestore.Layer{Workspace: workspace, Class: "PLANTS", Version: version}, "ACC_NUM", acc)
	require.NoError(t, err)
	return found
}

// pending returns the keys still in the source change log.
func (f *fixture) pending(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()
	src, err := cdc.OpenSQLite(ctx, zaptest.NewLogger(t), f.replica.Source.Database)
	require.NoError(t, err)
	defer func() { require.NoError(t, src.Close()) }()

	cursor, err := src.Fetch(ctx, plants, time.Now().Add(time.Hour))
	require.NoError(t, err)
	defer func() { _ = cursor.Close() }()
	var keys []string
	for cursor.Next() {
		keys = append(keys, cursor.Record().Key)
	}
	require.NoError(t, cursor.Err())
	return keys
}

func later() time.Time { return time.Now().Add(time.Minute) }

// faultyGateway wraps a gateway with injected failures and call counts.
type faultyGateway struct {
	featurestore.Gateway

	reconcileErr error
	syncErr      error
	exportErr    error
	failInsert   string

	mu    sync.Mutex
	calls map[string]int
}

func newFaultyGateway(g featurestore.Gateway) *faultyGateway {
	return &faultyGateway{Gateway: g, calls: map[string]int{}}
}

func (g *faultyGateway) count(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[name]++
}

func (g *faultyGateway) called(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[name]
}

func (g *faultyGateway) Insert(ctx context.Context, layer featurestore.Layer, feature *featurestore.Feature) error {
	g.count("insert")
	if g.failInsert != "" && feature.Attributes["ACC_NUM"] == g.failInsert {
		return featurestore.Error.New("insert rejected")
	}
	return g.Gateway.Insert(ctx, layer, feature)
}

func (g *faultyGateway) Reconcile(ctx context.Context, workspace, target string, edits []string) error {
	g.count("reconcile")
	if g.reconcileErr != nil {
		return g.reconcileErr
	}
	return g.Gateway.Reconcile(ctx, workspace, target, edits)
}

func (g *faultyGateway) Compress(ctx context.Context, workspace string) error {
	g.count("compress")
	return g.Gateway.Compress(ctx, workspace)
}

func (g *faultyGateway) Synchronize(ctx context.Context, replica, from, to string) error {
	g.count("synchronize")
	if g.syncErr != nil {
		return g.syncErr
	}
	return g.Gateway.Synchronize(ctx, replica, from, to)
}

func (g *faultyGateway) ExportChanges(ctx context.Context, workspace, replica string, w io.Writer) (int, error) {
	g.count("export")
	if g.exportErr != nil {
		return 0, g.exportErr
	}
	return g.Gateway.ExportChanges(ctx, workspace, replica, w)
}

// countingConnector records connection attempts.
type countingConnector struct {
	cdc.Connector
	connects int
}

func (c *countingConnector) Connect(ctx context.Context, conn catalog.Connection) (cdc.Source, error) {
	c.connects++
	return c.Connector.Connect(ctx, conn)
}

func (f *fixture) replicaList() []catalog.Replica { return []catalog.Replica{f.replica} }
