package featurestore

import (
	"context"
	"io"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Engine implements Gateway over SQLite workspaces. Workspaces are
// addressed by path and opened on first use.
type Engine struct {
	log *zap.Logger

	mu     sync.Mutex
	stores map[string]*Store
}

// NewEngine returns an engine with no open workspaces.
func NewEngine(log *zap.Logger) *Engine {
	return &Engine{log: log, stores: map[string]*Store{}}
}

var _ Gateway = (*Engine)(nil)

// Workspace returns the store for path, opening it if needed.
func (e *Engine) Workspace(ctx context.Context, path string) (*Store, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.stores[path]; ok {
		return s, nil
	}
	s, err := OpenStore(ctx, e.log, path)
	if err != nil {
		return nil, err
	}
	e.stores[path] = s
	return s, nil
}

// Close closes every open workspace.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var group errs.Group
	for path, s := range e.stores {
		group.Add(s.Close())
		delete(e.stores, path)
	}
	return group.Err()
}

// Fields implements Editor.
func (e *Engine) Fields(ctx context.Context, layer Layer) (_ []Field, err error) {
	defer mon.Task()(&ctx)(&err)
	s, err := e.Workspace(ctx, layer.Workspace)
	if err != nil {
		return nil, err
	}
	return s.Fields(ctx, layer.Version, layer.Class)
}

// Find implements Editor.
func (e *Engine) Find(ctx context.Context, layer Layer, field string, value interface{}) (_ []Feature, err error) {
	defer mon.Task()(&ctx)(&err)
	s, err := e.Workspace(ctx, layer.Workspace)
	if err != nil {
		return nil, err
	}
	return s.Find(ctx, layer.Version, layer.Class, field, value)
}

// Insert implements Editor.
func (e *Engine) Insert(ctx context.Context, layer Layer, feature *Feature) (err error) {
	defer mon.Task()(&ctx)(&err)
	s, err := e.Workspace(ctx, layer.Workspace)
	if err != nil {
		return err
	}
	return s.Insert(ctx, layer.Version, layer.Class, feature)
}

// Update implements Editor.
func (e *Engine) Update(ctx context.Context, layer Layer, feature Feature) (err error) {
	defer mon.Task()(&ctx)(&err)
	s, err := e.Workspace(ctx, layer.Workspace)
	if err != nil {
		return err
	}
	return s.Update(ctx, layer.Version, layer.Class, feature)
}

// Delete implements Editor.
func (e *Engine) Delete(ctx context.Context, layer Layer, fid int64) (err error) {
	defer mon.Task()(&ctx)(&err)
	s, err := e.Workspace(ctx, layer.Workspace)
	if err != nil {
		return err
	}
	return s.Delete(ctx, layer.Version, layer.Class, fid)
}

// Reconcile implements Promoter.
func (e *Engine) Reconcile(ctx context.Context, workspace, target string, edits []string) (err error) {
	defer mon.Task()(&ctx)(&err)
	s, err := e.Workspace(ctx, workspace)
	if err != nil {
		return err
	}
	return s.Reconcile(ctx, target, edits)
}

// Compress implements Promoter.
func (e *Engine) Compress(ctx context.Context, workspace string) (err error) {
	defer mon.Task()(&ctx)(&err)
	s, err := e.Workspace(ctx, workspace)
	if err != nil {
		return err
	}
	return s.Compress(ctx)
}

// Synchronize implements Promoter. The replica's position in the source
// workspace advances only after the destination committed the changes.
func (e *Engine) Synchronize(ctx context.Context, replica, from, to string) (err error) {
	defer mon.Task()(&ctx)(&err)
	if from == to {
		return Error.New("synchronize %q: source and destination are the same workspace", replica)
	}
	src, err := e.Workspace(ctx, from)
	if err != nil {
		return err
	}
	dst, err := e.Workspace(ctx, to)
	if err != nil {
		return err
	}
	cs, err := src.changes(ctx, replica)
	if err != nil {
		return err
	}
	if err := dst.apply(ctx, cs); err != nil {
		return err
	}
	if err := src.markSynced(ctx, replica, cs.toGen); err != nil {
		return err
	}
	e.log.Info("synchronized replica",
		zap.String("replica", replica), zap.String("from", from), zap.String("to", to),
		zap.Int("changes", len(cs.rows)), zap.Int64("generation", cs.toGen))
	return nil
}

// ExportChanges implements Promoter.
func (e *Engine) ExportChanges(ctx context.Context, workspace, replica string, w io.Writer) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)
	s, err := e.Workspace(ctx, workspace)
	if err != nil {
		return 0, err
	}
	return s.ExportChanges(ctx, replica, w)
}
