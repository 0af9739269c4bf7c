package featurestore

import (
	"context"
	"encoding/json"
	"math"

	"go.uber.org/zap"
)

// ReconcileStats summarizes one reconciled edit version.
type ReconcileStats struct {
	Inserted  int
	Updated   int
	Deleted   int
	Conflicts int
}

// Reconcile posts each edit version into target, which must be the default
// version. A change to a feature the target modified after the edit was
// based on it is a conflict and is resolved in favor of the target. The
// edit versions are emptied but kept.
func (s *Store) Reconcile(ctx context.Context, target string, edits []string) (err error) {
	defer mon.Task()(&ctx)(&err)
	for _, edit := range edits {
		if edit == target {
			continue
		}
		stats, err := s.reconcileOne(ctx, target, edit)
		if err != nil {
			return err
		}
		s.log.Info("reconciled version",
			zap.String("edit", edit), zap.String("target", target),
			zap.Int("inserted", stats.Inserted), zap.Int("updated", stats.Updated),
			zap.Int("deleted", stats.Deleted), zap.Int("conflicts", stats.Conflicts))
	}
	return nil
}

func (s *Store) reconcileOne(ctx context.Context, target, edit string) (stats ReconcileStats, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	tv, err := lookupVersion(ctx, tx, target)
	if err != nil {
		return stats, err
	}
	if !tv.root() {
		return stats, Error.New("reconcile target %q is not the default version", target)
	}
	ev, err := lookupVersion(ctx, tx, edit)
	if err != nil {
		return stats, err
	}
	if ev.parent != tv.name {
		return stats, Error.New("version %q does not derive from %q", edit, target)
	}

	rows, err := tx.QueryContext(ctx, `SELECT `+rowColumns+` FROM fs_features WHERE version = ? ORDER BY class, fid`, edit)
	if err != nil {
		return stats, Error.Wrap(err)
	}
	changes, err := scanRows(rows)
	if err != nil {
		return stats, err
	}

	for _, r := range changes {
		cur, exists, err := loadRow(ctx, tx, r.class, target, r.FID)
		if err != nil {
			return stats, err
		}
		if (r.baseGen > 0 && (!exists || cur.gen != r.baseGen)) || (r.baseGen == 0 && exists) {
			stats.Conflicts++
			s.log.Debug("reconcile conflict, keeping target",
				zap.String("class", r.class), zap.Int64("fid", r.FID), zap.String("edit", edit))
			continue
		}
		gen, err := nextGen(ctx, tx)
		if err != nil {
			return stats, err
		}
		switch {
		case r.deleted:
			if !exists {
				continue
			}
			_, err = tx.ExecContext(ctx, `UPDATE fs_features SET deleted = 1, gen = ? WHERE class = ? AND version = ? AND fid = ?`,
				gen, r.class, target, r.FID)
			stats.Deleted++
		case exists:
			err = putRow(ctx, tx, target, r, gen, cur.createdGen)
			stats.Updated++
		default:
			err = putRow(ctx, tx, target, r, gen, gen)
			stats.Inserted++
		}
		if err != nil {
			return stats, Error.New("post %s %d: %v", r.class, r.FID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM fs_features WHERE version = ?`, edit); err != nil {
		return stats, Error.Wrap(err)
	}
	return stats, Error.Wrap(tx.Commit())
}

// putRow writes r as a live row of version.
func putRow(ctx context.Context, q querier, version string, r row, gen, createdGen int64) error {
	attrs, err := json.Marshal(r.Attributes)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO fs_features(class, version, fid, attributes, shape, deleted, gen, created_gen, base_gen)
VALUES(?, ?, ?, ?, ?, 0, ?, ?, 0)
ON CONFLICT(class, version, fid) DO UPDATE SET attributes = excluded.attributes, shape = excluded.shape,
deleted = 0, gen = excluded.gen, created_gen = excluded.created_gen`,
		r.class, version, r.FID, string(attrs), EncodePoint(r.Shape), gen, createdGen)
	return err
}

// Compress purges default-version tombstones that every registered replica
// has already synchronized, then reclaims free space. A workspace that
// receives synchronizations and has no replicas of its own drops all
// tombstones.
func (s *Store) Compress(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	root, err := rootVersion(ctx, tx)
	if err != nil {
		return err
	}
	var replicas int64
	var floor *int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*), MIN(synced_gen) FROM fs_replicas`).Scan(&replicas, &floor); err != nil {
		return Error.Wrap(err)
	}
	var syncTarget int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM fs_state WHERE key = 'sync_target'`).Scan(&syncTarget); err != nil {
		return Error.Wrap(err)
	}
	limit := int64(-1)
	switch {
	case replicas > 0 && floor != nil:
		limit = *floor
	case syncTarget > 0:
		limit = math.MaxInt64
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM fs_features WHERE version = ? AND deleted = 1 AND gen <= ?`, root, limit)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return Error.Wrap(err)
	}
	purged, _ := res.RowsAffected()
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return Error.New("vacuum: %v", err)
	}
	s.log.Info("compressed workspace", zap.Int64("purged", purged))
	return nil
}

// RegisterReplica records a replica that reads changes from this
// workspace. Tombstones are kept until every registered replica has
// synchronized them.
func (s *Store) RegisterReplica(ctx context.Context, replica string) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO fs_replicas(name, synced_gen) VALUES(?, 0)`, replica)
	return Error.Wrap(err)
}

// changeSet is the default-version state a replica has not yet seen.
type changeSet struct {
	replica string
	root    string
	fromGen int64
	toGen   int64
	classes []class
	rows    []row
}

func (s *Store) changes(ctx context.Context, replica string) (_ *changeSet, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	cs := &changeSet{replica: replica}
	if cs.root, err = rootVersion(ctx, tx); err != nil {
		return nil, err
	}
	if cs.fromGen, err = syncedGen(ctx, tx, replica); err != nil {
		return nil, err
	}
	if cs.toGen, err = currentGen(ctx, tx); err != nil {
		return nil, err
	}

	names, err := tx.QueryContext(ctx, `SELECT name FROM fs_feature_classes ORDER BY name`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var classNames []string
	for names.Next() {
		var n string
		if err := names.Scan(&n); err != nil {
			_ = names.Close()
			return nil, Error.Wrap(err)
		}
		classNames = append(classNames, n)
	}
	if err := names.Close(); err != nil {
		return nil, Error.Wrap(err)
	}
	for _, n := range classNames {
		c, err := loadClass(ctx, tx, n)
		if err != nil {
			return nil, err
		}
		cs.classes = append(cs.classes, c)
	}

	rows, err := tx.QueryContext(ctx, `SELECT `+rowColumns+` FROM fs_features
WHERE version = ? AND gen > ? AND gen <= ? ORDER BY gen`, cs.root, cs.fromGen, cs.toGen)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if cs.rows, err = scanRows(rows); err != nil {
		return nil, err
	}
	return cs, nil
}

func syncedGen(ctx context.Context, q querier, replica string) (int64, error) {
	var gen int64
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(synced_gen), 0) FROM fs_replicas WHERE name = ?`, replica).Scan(&gen)
	return gen, Error.Wrap(err)
}

// apply writes a change set into the default version, favoring the
// incoming state. The feature classes are created when missing.
func (s *Store) apply(ctx context.Context, cs *changeSet) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	root, err := rootVersion(ctx, tx)
	if ErrNotFound.Has(err) {
		root = cs.root
		_, err = tx.ExecContext(ctx, `INSERT INTO fs_versions(name, parent) VALUES(?, NULL)`, root)
	}
	if err != nil {
		return Error.Wrap(err)
	}

	for _, c := range cs.classes {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO fs_feature_classes(name, spatial) VALUES(?, ?)`, c.name, c.spatial); err != nil {
			return Error.Wrap(err)
		}
		for i, f := range c.fields {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO fs_fields(class, name, kind, position) VALUES(?, ?, ?, ?)`,
				c.name, f.Name, string(f.Kind), i); err != nil {
				return Error.Wrap(err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO fs_sequences(class, next_fid) VALUES(?, 1)`, c.name); err != nil {
			return Error.Wrap(err)
		}
	}

	for _, r := range cs.rows {
		if _, err := tx.ExecContext(ctx, `UPDATE fs_sequences SET next_fid = MAX(next_fid, ? + 1) WHERE class = ?`, r.FID, r.class); err != nil {
			return Error.Wrap(err)
		}
		cur, exists, err := loadRow(ctx, tx, r.class, root, r.FID)
		if err != nil {
			return err
		}
		gen, err := nextGen(ctx, tx)
		if err != nil {
			return err
		}
		switch {
		case r.deleted:
			if !exists || cur.deleted {
				continue
			}
			_, err = tx.ExecContext(ctx, `UPDATE fs_features SET deleted = 1, gen = ? WHERE class = ? AND version = ? AND fid = ?`,
				gen, r.class, root, r.FID)
		case exists:
			err = putRow(ctx, tx, root, r, gen, cur.createdGen)
		default:
			err = putRow(ctx, tx, root, r, gen, gen)
		}
		if err != nil {
			return Error.New("apply %s %d: %v", r.class, r.FID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE fs_state SET value = 1 WHERE key = 'sync_target'`); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(tx.Commit())
}

// markSynced records that replica has seen every change up to gen.
func (s *Store) markSynced(ctx context.Context, replica string, gen int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO fs_replicas(name, synced_gen) VALUES(?, ?)
ON CONFLICT(name) DO UPDATE SET synced_gen = MAX(synced_gen, excluded.synced_gen)`, replica, gen)
	return Error.Wrap(err)
}
