package featurestore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/viant/featuresync/engine"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is one workspace backed by a SQLite database file.
type Store struct {
	log  *zap.Logger
	path string
	db   *sql.DB
}

// OpenStore opens (creating if needed) the workspace at path.
func OpenStore(ctx context.Context, log *zap.Logger, path string) (*Store, error) {
	if path == "" {
		return nil, Error.New("workspace path is empty")
	}
	// st_x/st_y must be registered before the connection is opened.
	if err := engine.RegisterGeometryFunctions(); err != nil {
		return nil, Error.Wrap(err)
	}
	db, err := engine.OpenWorkspace(path)
	if err != nil {
		return nil, Error.New("open workspace %q: %v", path, err)
	}
	if err := EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, Error.New("workspace schema %q: %v", path, err)
	}
	return &Store{log: log.With(zap.String("workspace", path)), path: path, db: db}, nil
}

// Path returns the workspace path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error { return Error.Wrap(s.db.Close()) }

// CreateVersion creates a version. An empty parent creates the root
// (default) version; a workspace has exactly one. Edit versions must derive
// from the root.
func (s *Store) CreateVersion(ctx context.Context, name, parent string) (err error) {
	defer mon.Task()(&ctx)(&err)
	if name == "" {
		return Error.New("version name is empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	var parentValue interface{}
	if parent == "" {
		root, err := rootVersion(ctx, tx)
		if err == nil {
			return Error.New("workspace already has default version %q", root)
		}
		if !ErrNotFound.Has(err) {
			return err
		}
	} else {
		p, err := lookupVersion(ctx, tx, parent)
		if err != nil {
			return err
		}
		if !p.root() {
			return Error.New("version %q: parent %q is not the default version", name, parent)
		}
		parentValue = parent
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO fs_versions(name, parent) VALUES(?, ?)`, name, parentValue); err != nil {
		return Error.New("create version %q: %v", name, err)
	}
	return Error.Wrap(tx.Commit())
}

// HasVersion reports whether the named version exists.
func (s *Store) HasVersion(ctx context.Context, name string) (bool, error) {
	_, err := lookupVersion(ctx, s.db, name)
	if ErrNotFound.Has(err) {
		return false, nil
	}
	return err == nil, err
}

// HasFeatureClass reports whether the named feature class exists.
func (s *Store) HasFeatureClass(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fs_feature_classes WHERE name = ?`, name).Scan(&n)
	return n > 0, Error.Wrap(err)
}

// DefaultVersion returns the name of the root version.
func (s *Store) DefaultVersion(ctx context.Context) (string, error) {
	return rootVersion(ctx, s.db)
}

// CreateFeatureClass creates a feature class. An OBJECTID field of kind OID
// is always added first; spatial classes also get a SHAPE geometry field.
func (s *Store) CreateFeatureClass(ctx context.Context, name string, spatial bool, fields []Field) (err error) {
	defer mon.Task()(&ctx)(&err)
	if name == "" {
		return Error.New("feature class name is empty")
	}
	all := []Field{{Name: "OBJECTID", Kind: KindOID}}
	if spatial {
		all = append(all, Field{Name: "SHAPE", Kind: KindGeometry})
	}
	for _, f := range fields {
		if !f.Editable() {
			continue
		}
		all = append(all, f)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO fs_feature_classes(name, spatial) VALUES(?, ?)`, name, spatial); err != nil {
		return Error.New("create feature class %q: %v", name, err)
	}
	for i, f := range all {
		if _, err := tx.ExecContext(ctx, `INSERT INTO fs_fields(class, name, kind, position) VALUES(?, ?, ?, ?)`, name, f.Name, string(f.Kind), i); err != nil {
			return Error.New("feature class %q field %q: %v", name, f.Name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO fs_sequences(class, next_fid) VALUES(?, 1)`, name); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(tx.Commit())
}

// Fields lists the fields of class in order.
func (s *Store) Fields(ctx context.Context, version, class string) (_ []Field, err error) {
	defer mon.Task()(&ctx)(&err)
	if _, err := lookupVersion(ctx, s.db, version); err != nil {
		return nil, err
	}
	c, err := loadClass(ctx, s.db, class)
	if err != nil {
		return nil, err
	}
	return c.fields, nil
}

// Find returns the features of class visible in version whose field equals
// value. Values are compared by their text rendering.
func (s *Store) Find(ctx context.Context, version, class, field string, value interface{}) (_ []Feature, err error) {
	defer mon.Task()(&ctx)(&err)
	v, err := lookupVersion(ctx, s.db, version)
	if err != nil {
		return nil, err
	}
	c, err := loadClass(ctx, s.db, class)
	if err != nil {
		return nil, err
	}
	if _, ok := c.field(field); !ok {
		return nil, ErrNotFound.New("field %q in feature class %q", field, class)
	}

	path := `$."` + strings.ReplaceAll(field, `"`, `\"`) + `"`
	filter := `CAST(json_extract(attributes, ?4) AS TEXT) = CAST(?5 AS TEXT)`
	var query string
	if v.root() {
		query = `SELECT ` + rowColumns + ` FROM fs_features
WHERE class = ?1 AND version = ?2 AND deleted = 0 AND ` + filter + `
ORDER BY fid`
	} else {
		query = `SELECT ` + rowColumns + ` FROM fs_features
WHERE class = ?1 AND version = ?2 AND deleted = 0 AND ` + filter + `
UNION ALL
SELECT ` + rowColumns + ` FROM fs_features f
WHERE class = ?1 AND version = ?3 AND deleted = 0 AND ` + filter + `
AND NOT EXISTS (SELECT 1 FROM fs_features e WHERE e.class = ?1 AND e.version = ?2 AND e.fid = f.fid)
ORDER BY fid`
	}
	var parent interface{}
	if !v.root() {
		parent = v.parent
	}
	rows, err := s.db.QueryContext(ctx, query, class, v.name, parent, path, matchValue(value))
	if err != nil {
		return nil, Error.New("find %s.%s: %v", class, field, err)
	}
	found, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	out := make([]Feature, 0, len(found))
	for _, r := range found {
		out = append(out, r.Feature)
	}
	return out, nil
}

// Insert adds a feature to class in version and assigns its FID.
func (s *Store) Insert(ctx context.Context, version, class string, feature *Feature) (err error) {
	defer mon.Task()(&ctx)(&err)
	if feature == nil {
		return Error.New("insert: feature is nil")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	v, c, err := resolveLayer(ctx, tx, version, class)
	if err != nil {
		return err
	}
	attrs, shape, err := c.encode(*feature)
	if err != nil {
		return err
	}
	fid, err := nextFID(ctx, tx, class)
	if err != nil {
		return err
	}
	gen, err := nextGen(ctx, tx)
	if err != nil {
		return err
	}
	var created int64
	if v.root() {
		created = gen
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO fs_features(class, version, fid, attributes, shape, deleted, gen, created_gen, base_gen)
VALUES(?, ?, ?, ?, ?, 0, ?, ?, 0)`, class, v.name, fid, attrs, shape, gen, created); err != nil {
		return Error.New("insert into %s: %v", class, err)
	}
	if err := tx.Commit(); err != nil {
		return Error.Wrap(err)
	}
	feature.FID = fid
	return nil
}

// Update replaces the attributes and shape of feature in version. In an edit
// version the first change to an inherited feature copies it into the edit.
func (s *Store) Update(ctx context.Context, version, class string, feature Feature) (err error) {
	defer mon.Task()(&ctx)(&err)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	v, c, err := resolveLayer(ctx, tx, version, class)
	if err != nil {
		return err
	}
	attrs, shape, err := c.encode(feature)
	if err != nil {
		return err
	}
	own, ok, err := loadRow(ctx, tx, class, v.name, feature.FID)
	if err != nil {
		return err
	}
	gen, err := nextGen(ctx, tx)
	if err != nil {
		return err
	}
	switch {
	case ok && !own.deleted:
		_, err = tx.ExecContext(ctx, `UPDATE fs_features SET attributes = ?, shape = ?, gen = ?
WHERE class = ? AND version = ? AND fid = ?`, attrs, shape, gen, class, v.name, feature.FID)
	case ok || v.root():
		return ErrNotFound.New("feature %d in %s@%s", feature.FID, class, v.name)
	default:
		base, found, lerr := loadRow(ctx, tx, class, v.parent, feature.FID)
		if lerr != nil {
			return lerr
		}
		if !found || base.deleted {
			return ErrNotFound.New("feature %d in %s@%s", feature.FID, class, v.name)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO fs_features(class, version, fid, attributes, shape, deleted, gen, created_gen, base_gen)
VALUES(?, ?, ?, ?, ?, 0, ?, 0, ?)`, class, v.name, feature.FID, attrs, shape, gen, base.gen)
	}
	if err != nil {
		return Error.New("update %s %d: %v", class, feature.FID, err)
	}
	return Error.Wrap(tx.Commit())
}

// Delete removes feature fid from class in version. Deletes leave a
// tombstone until the change has been reconciled or synchronized.
func (s *Store) Delete(ctx context.Context, version, class string, fid int64) (err error) {
	defer mon.Task()(&ctx)(&err)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	v, _, err := resolveLayer(ctx, tx, version, class)
	if err != nil {
		return err
	}
	own, ok, err := loadRow(ctx, tx, class, v.name, fid)
	if err != nil {
		return err
	}
	gen, err := nextGen(ctx, tx)
	if err != nil {
		return err
	}
	switch {
	case ok && own.deleted:
		return ErrNotFound.New("feature %d in %s@%s", fid, class, v.name)
	case ok && !v.root() && own.baseGen == 0:
		// inserted in this edit version and never posted
		_, err = tx.ExecContext(ctx, `DELETE FROM fs_features WHERE class = ? AND version = ? AND fid = ?`, class, v.name, fid)
	case ok:
		_, err = tx.ExecContext(ctx, `UPDATE fs_features SET deleted = 1, gen = ? WHERE class = ? AND version = ? AND fid = ?`,
			gen, class, v.name, fid)
	case v.root():
		return ErrNotFound.New("feature %d in %s@%s", fid, class, v.name)
	default:
		base, found, lerr := loadRow(ctx, tx, class, v.parent, fid)
		if lerr != nil {
			return lerr
		}
		if !found || base.deleted {
			return ErrNotFound.New("feature %d in %s@%s", fid, class, v.name)
		}
		attrs, aerr := json.Marshal(base.Attributes)
		if aerr != nil {
			return Error.Wrap(aerr)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO fs_features(class, version, fid, attributes, shape, deleted, gen, created_gen, base_gen)
VALUES(?, ?, ?, ?, ?, 1, ?, 0, ?)`, class, v.name, fid, string(attrs), EncodePoint(base.Shape), gen, base.gen)
	}
	if err != nil {
		return Error.New("delete %s %d: %v", class, fid, err)
	}
	return Error.Wrap(tx.Commit())
}

type version struct {
	name   string
	parent string
}

func (v version) root() bool { return v.parent == "" }

func lookupVersion(ctx context.Context, q querier, name string) (version, error) {
	var parent sql.NullString
	err := q.QueryRowContext(ctx, `SELECT parent FROM fs_versions WHERE name = ?`, name).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return version{}, ErrNotFound.New("version %q", name)
	}
	if err != nil {
		return version{}, Error.Wrap(err)
	}
	return version{name: name, parent: parent.String}, nil
}

func rootVersion(ctx context.Context, q querier) (string, error) {
	var name string
	err := q.QueryRowContext(ctx, `SELECT name FROM fs_versions WHERE parent IS NULL`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound.New("default version")
	}
	return name, Error.Wrap(err)
}

type class struct {
	name    string
	spatial bool
	fields  []Field
}

func (c class) field(name string) (Field, bool) {
	for _, f := range c.fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// encode validates a feature against the class and returns its stored
// attribute document and shape.
func (c class) encode(f Feature) (string, []byte, error) {
	attrs := make(map[string]interface{}, len(f.Attributes))
	for name, value := range f.Attributes {
		field, ok := c.field(name)
		if !ok {
			return "", nil, Error.New("feature class %q has no field %q", c.name, name)
		}
		if !field.Editable() {
			return "", nil, Error.New("field %q of %q is not editable", name, c.name)
		}
		attrs[name] = storable(value)
	}
	if f.Shape != nil && !c.spatial {
		return "", nil, Error.New("feature class %q is not spatial", c.name)
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", nil, Error.New("encode attributes: %v", err)
	}
	return string(data), EncodePoint(f.Shape), nil
}

func loadClass(ctx context.Context, q querier, name string) (class, error) {
	c := class{name: name}
	err := q.QueryRowContext(ctx, `SELECT spatial FROM fs_feature_classes WHERE name = ?`, name).Scan(&c.spatial)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound.New("feature class %q", name)
	}
	if err != nil {
		return c, Error.Wrap(err)
	}
	rows, err := q.QueryContext(ctx, `SELECT name, kind FROM fs_fields WHERE class = ? ORDER BY position`, name)
	if err != nil {
		return c, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var f Field
		var kind string
		if err := rows.Scan(&f.Name, &kind); err != nil {
			return c, Error.Wrap(err)
		}
		f.Kind = FieldKind(kind)
		c.fields = append(c.fields, f)
	}
	return c, Error.Wrap(rows.Err())
}

func resolveLayer(ctx context.Context, q querier, versionName, className string) (version, class, error) {
	v, err := lookupVersion(ctx, q, versionName)
	if err != nil {
		return version{}, class{}, err
	}
	c, err := loadClass(ctx, q, className)
	return v, c, err
}

func nextFID(ctx context.Context, q querier, class string) (int64, error) {
	var fid int64
	err := q.QueryRowContext(ctx, `UPDATE fs_sequences SET next_fid = next_fid + 1 WHERE class = ? RETURNING next_fid - 1`, class).Scan(&fid)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound.New("sequence for %q", class)
	}
	return fid, Error.Wrap(err)
}

func nextGen(ctx context.Context, q querier) (int64, error) {
	var gen int64
	err := q.QueryRowContext(ctx, `UPDATE fs_state SET value = value + 1 WHERE key = 'gen' RETURNING value`).Scan(&gen)
	return gen, Error.Wrap(err)
}

func currentGen(ctx context.Context, q querier) (int64, error) {
	var gen int64
	err := q.QueryRowContext(ctx, `SELECT value FROM fs_state WHERE key = 'gen'`).Scan(&gen)
	return gen, Error.Wrap(err)
}

const rowColumns = `class, version, fid, attributes, shape, deleted, gen, created_gen, base_gen`

// row is a stored feature with its versioning state.
type row struct {
	Feature
	class      string
	version    string
	deleted    bool
	gen        int64
	createdGen int64
	baseGen    int64
}

func scanRow(scan func(dest ...interface{}) error) (row, error) {
	var r row
	var attrs string
	var shape []byte
	if err := scan(&r.class, &r.version, &r.FID, &attrs, &shape, &r.deleted, &r.gen, &r.createdGen, &r.baseGen); err != nil {
		return r, err
	}
	var err error
	if r.Attributes, err = decodeAttributes(attrs); err != nil {
		return r, err
	}
	if r.Shape, err = DecodePoint(shape); err != nil {
		return r, Error.Wrap(err)
	}
	return r, nil
}

func scanRows(rows *sql.Rows) ([]row, error) {
	defer func() { _ = rows.Close() }()
	var out []row
	for rows.Next() {
		r, err := scanRow(rows.Scan)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, r)
	}
	return out, Error.Wrap(rows.Err())
}

func loadRow(ctx context.Context, q querier, class, version string, fid int64) (row, bool, error) {
	r, err := scanRow(q.QueryRowContext(ctx, `SELECT `+rowColumns+` FROM fs_features WHERE class = ? AND version = ? AND fid = ?`,
		class, version, fid).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return r, false, nil
	}
	if err != nil {
		return r, false, Error.Wrap(err)
	}
	return r, true, nil
}

func decodeAttributes(data string) (map[string]interface{}, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	attrs := map[string]interface{}{}
	if err := dec.Decode(&attrs); err != nil {
		return nil, Error.New("decode attributes: %v", err)
	}
	for k, v := range attrs {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				attrs[k] = i
			} else if f, err := n.Float64(); err == nil {
				attrs[k] = f
			} else {
				attrs[k] = n.String()
			}
		}
	}
	return attrs, nil
}

// storable normalizes values to the form they take in the attribute
// document.
func storable(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.Format(time.RFC3339Nano)
	case []byte:
		if t == nil {
			return nil
		}
		return strings.ToUpper(hex.EncodeToString(t))
	default:
		return v
	}
}

// matchValue converts a lookup value so it renders like the stored one.
func matchValue(v interface{}) interface{} {
	v = storable(v)
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
	case float32:
		return matchValue(float64(t))
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	}
	return v
}
