package featurestore

import (
	"bytes"
	"context"
	"encoding/xml"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	s := newWorkspace(t, "reconcile")

	kept := plant("A1", "Foo", 3)
	require.NoError(t, s.Insert(ctx, "DEFAULT", "PLANTS", kept))
	removed := plant("B2", "Baz", 1)
	require.NoError(t, s.Insert(ctx, "DEFAULT", "PLANTS", removed))
	contested := plant("D4", "Root", 1)
	require.NoError(t, s.Insert(ctx, "DEFAULT", "PLANTS", contested))

	edited, _ := findOne(t, s, "EDIT", "A1")
	edited.Attributes["NAME"] = "Edited"
	require.NoError(t, s.Update(ctx, "EDIT", "PLANTS", edited))
	require.NoError(t, s.Delete(ctx, "EDIT", "PLANTS", removed.FID))
	require.NoError(t, s.Insert(ctx, "EDIT", "PLANTS", plant("C3", "New", 7)))

	// both sides change D4; the default version keeps its own value
	lost, _ := findOne(t, s, "EDIT", "D4")
	lost.Attributes["NAME"] = "Edit"
	require.NoError(t, s.Update(ctx, "EDIT", "PLANTS", lost))
	winner, _ := findOne(t, s, "DEFAULT", "D4")
	winner.Attributes["NAME"] = "Winner"
	require.NoError(t, s.Update(ctx, "DEFAULT", "PLANTS", winner))

	require.NoError(t, s.Reconcile(ctx, "DEFAULT", []string{"EDIT"}))

	got, ok := findOne(t, s, "DEFAULT", "A1")
	require.True(t, ok)
	assert.Equal(t, "Edited", got.Attributes["NAME"])
	_, ok = findOne(t, s, "DEFAULT", "B2")
	assert.False(t, ok)
	_, ok = findOne(t, s, "DEFAULT", "C3")
	assert.True(t, ok)
	got, _ = findOne(t, s, "DEFAULT", "D4")
	assert.Equal(t, "Winner", got.Attributes["NAME"])

	// the edit version is kept, emptied, and sees the reconciled state
	assert.Equal(t, 0, countRows(t, s, "EDIT"))
	got, ok = findOne(t, s, "EDIT", "A1")
	require.True(t, ok)
	assert.Equal(t, "Edited", got.Attributes["NAME"])

	require.NoError(t, s.Reconcile(ctx, "DEFAULT", []string{"EDIT"}))
}

func TestReconcileErrors(t *testing.T) {
	ctx := context.Background()
	s := newWorkspace(t, "reconcile-errors")

	assert.True(t, ErrNotFound.Has(s.Reconcile(ctx, "DEFAULT", []string{"MISSING"})))
	assert.True(t, Error.Has(s.Reconcile(ctx, "EDIT", []string{"DEFAULT"})))
	assert.NoError(t, s.Reconcile(ctx, "DEFAULT", []string{"DEFAULT"}))
}

func TestSynchronizeAndCompress(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	dir := t.TempDir()
	stagingPath := filepath.Join(dir, "staging.sqlite")
	productionPath := filepath.Join(dir, "production.sqlite")

	e := NewEngine(log)
	defer func() { require.NoError(t, e.Close()) }()

	staging, err := e.Workspace(ctx, stagingPath)
	require.NoError(t, err)
	require.NoError(t, staging.CreateVersion(ctx, "DEFAULT", ""))
	require.NoError(t, staging.CreateFeatureClass(ctx, "PLANTS", true, plantFields))

	a := plant("A1", "Foo", 3)
	a.Shape = &Point{X: 1, Y: 2}
	b := plant("B2", "Baz", 1)
	require.NoError(t, staging.Insert(ctx, "DEFAULT", "PLANTS", a))
	require.NoError(t, staging.Insert(ctx, "DEFAULT", "PLANTS", b))

	// an unsynchronized workspace keeps its tombstones
	tmp := plant("T0", "Tmp", 0)
	require.NoError(t, staging.Insert(ctx, "DEFAULT", "PLANTS", tmp))
	require.NoError(t, staging.Delete(ctx, "DEFAULT", "PLANTS", tmp.FID))
	require.NoError(t, e.Compress(ctx, stagingPath))
	assert.Equal(t, 1, countTombstones(t, staging))

	require.NoError(t, e.Synchronize(ctx, "living", stagingPath, productionPath))
	production, err := e.Workspace(ctx, productionPath)
	require.NoError(t, err)

	root, err := production.DefaultVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "DEFAULT", root)
	got, ok := findOne(t, production, "DEFAULT", "A1")
	require.True(t, ok)
	assert.Equal(t, a.FID, got.FID)
	require.NotNil(t, got.Shape)
	assert.Equal(t, Point{X: 1, Y: 2}, *got.Shape)
	_, ok = findOne(t, production, "DEFAULT", "T0")
	assert.False(t, ok)

	got, _ = findOne(t, staging, "DEFAULT", "A1")
	got.Attributes["NAME"] = "Bar"
	require.NoError(t, staging.Update(ctx, "DEFAULT", "PLANTS", got))
	require.NoError(t, staging.Delete(ctx, "DEFAULT", "PLANTS", b.FID))
	require.NoError(t, e.Synchronize(ctx, "living", stagingPath, productionPath))

	got, _ = findOne(t, production, "DEFAULT", "A1")
	assert.Equal(t, "Bar", got.Attributes["NAME"])
	_, ok = findOne(t, production, "DEFAULT", "B2")
	assert.False(t, ok)

	// local inserts in production do not collide with replicated ids
	local := plant("P9", "Local", 1)
	require.NoError(t, production.Insert(ctx, "DEFAULT", "PLANTS", local))
	assert.Greater(t, local.FID, tmp.FID)

	require.NoError(t, e.Compress(ctx, stagingPath))
	assert.Equal(t, 0, countTombstones(t, staging))
	require.NoError(t, e.Compress(ctx, productionPath))
	assert.Equal(t, 0, countTombstones(t, production))

	// nothing new to ship
	require.NoError(t, e.Synchronize(ctx, "living", stagingPath, productionPath))
	assert.Error(t, e.Synchronize(ctx, "living", stagingPath, stagingPath))
}

func TestCompressKeepsUnsyncedTombstones(t *testing.T) {
	ctx := context.Background()
	s := newWorkspace(t, "compress")
	require.NoError(t, s.RegisterReplica(ctx, "living"))

	f := plant("A1", "Foo", 3)
	require.NoError(t, s.Insert(ctx, "DEFAULT", "PLANTS", f))
	require.NoError(t, s.Delete(ctx, "DEFAULT", "PLANTS", f.FID))

	require.NoError(t, s.Compress(ctx))
	assert.Equal(t, 1, countTombstones(t, s))
}

func TestExportChanges(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e := NewEngine(zaptest.NewLogger(t))
	defer func() { require.NoError(t, e.Close()) }()
	stagingPath := filepath.Join(dir, "staging.sqlite")

	staging, err := e.Workspace(ctx, stagingPath)
	require.NoError(t, err)
	require.NoError(t, staging.CreateVersion(ctx, "DEFAULT", ""))
	require.NoError(t, staging.CreateFeatureClass(ctx, "PLANTS", true, plantFields))

	a := plant("A1", "Foo", 3)
	b := plant("B2", "Baz", 1)
	require.NoError(t, staging.Insert(ctx, "DEFAULT", "PLANTS", a))
	require.NoError(t, staging.Insert(ctx, "DEFAULT", "PLANTS", b))
	require.NoError(t, e.Synchronize(ctx, "living", stagingPath, filepath.Join(dir, "production.sqlite")))

	got, _ := findOne(t, staging, "DEFAULT", "A1")
	got.Attributes["NAME"] = "Bar"
	got.Attributes["GLOBALID"] = nil
	require.NoError(t, staging.Update(ctx, "DEFAULT", "PLANTS", got))
	require.NoError(t, staging.Delete(ctx, "DEFAULT", "PLANTS", b.FID))
	c := plant("C3", "New", 7)
	c.Shape = &Point{X: -71.5, Y: 42.25}
	require.NoError(t, staging.Insert(ctx, "DEFAULT", "PLANTS", c))

	var buf bytes.Buffer
	n, err := e.ExportChanges(ctx, stagingPath, "living", &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Contains(t, buf.String(), xml.Header)

	var msg DataChangeMessage
	require.NoError(t, xml.Unmarshal(buf.Bytes(), &msg))
	assert.Equal(t, "living", msg.Replica)
	assert.Equal(t, "DEFAULT", msg.Version)
	assert.Less(t, msg.FromGen, msg.ToGen)
	require.Len(t, msg.Changes, 3)

	assert.Equal(t, ChangeUpdate, msg.Changes[0].Op)
	assert.Equal(t, a.FID, msg.Changes[0].FID)
	assert.Contains(t, msg.Changes[0].Attributes, AttributeElement{Name: "NAME", Value: "Bar"})
	assert.Contains(t, msg.Changes[0].Attributes, AttributeElement{Name: "GLOBALID", Null: true})
	assert.Nil(t, msg.Changes[0].Shape)

	assert.Equal(t, ChangeDelete, msg.Changes[1].Op)
	assert.Equal(t, b.FID, msg.Changes[1].FID)

	assert.Equal(t, ChangeInsert, msg.Changes[2].Op)
	assert.Equal(t, "PLANTS", msg.Changes[2].Class)
	require.NotNil(t, msg.Changes[2].Shape)
	assert.Equal(t, ShapeElement{X: -71.5, Y: 42.25}, *msg.Changes[2].Shape)

	// exporting does not advance the replica
	buf.Reset()
	n, err = e.ExportChanges(ctx, stagingPath, "living", &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
