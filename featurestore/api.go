package featurestore

import (
	"context"
	"io"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the error class for feature store failures.
	Error = errs.Class("featurestore")
	// ErrNotFound is the error class for missing workspaces objects:
	// feature classes, versions and features.
	ErrNotFound = errs.Class("not found")
)

// FieldKind is the storage kind of a feature class field.
type FieldKind string

// Field kinds. OID and Geometry fields are managed by the store and never
// carry attribute values.
const (
	KindOID      FieldKind = "OID"
	KindGeometry FieldKind = "Geometry"
	KindGlobalID FieldKind = "GlobalID"
	KindText     FieldKind = "Text"
	KindInteger  FieldKind = "Integer"
	KindDouble   FieldKind = "Double"
	KindDate     FieldKind = "Date"
)

// Field describes one field of a feature class.
type Field struct {
	Name string
	Kind FieldKind
}

// Editable reports whether the field takes attribute values.
func (f Field) Editable() bool { return f.Kind != KindOID && f.Kind != KindGeometry }

// Point is a two-dimensional point geometry.
type Point struct {
	X float64
	Y float64
}

// Feature is one record of a feature class as seen from a version.
type Feature struct {
	// FID is the object id, assigned by Insert.
	FID int64
	// Attributes holds values by field name.
	Attributes map[string]interface{}
	// Shape is the point geometry of spatial feature classes.
	Shape *Point
}

// Clone returns a deep copy of f.
func (f Feature) Clone() Feature {
	c := Feature{FID: f.FID, Attributes: make(map[string]interface{}, len(f.Attributes))}
	for k, v := range f.Attributes {
		c.Attributes[k] = v
	}
	if f.Shape != nil {
		p := *f.Shape
		c.Shape = &p
	}
	return c
}

// Layer addresses a feature class within a version of a workspace.
type Layer struct {
	Workspace string
	Class     string
	Version   string
}

func (l Layer) String() string { return l.Workspace + ":" + l.Class + "@" + l.Version }

// Editor reads and writes features of a layer.
type Editor interface {
	// Fields lists the fields of the layer's feature class in order.
	Fields(ctx context.Context, layer Layer) ([]Field, error)
	// Find returns every feature of the layer whose field equals value.
	Find(ctx context.Context, layer Layer, field string, value interface{}) ([]Feature, error)
	// Insert creates a feature and assigns its FID.
	Insert(ctx context.Context, layer Layer, feature *Feature) error
	// Update replaces the attributes and shape of an existing feature.
	Update(ctx context.Context, layer Layer, feature Feature) error
	// Delete removes a feature.
	Delete(ctx context.Context, layer Layer, fid int64) error
}

// Promoter moves changes between versions and workspaces.
type Promoter interface {
	// Reconcile posts the edit versions into target, favoring target on
	// conflict, and keeps the edit versions.
	Reconcile(ctx context.Context, workspace, target string, edits []string) error
	// Compress purges superseded state of a workspace.
	Compress(ctx context.Context, workspace string) error
	// Synchronize copies the replica's unsynchronized default-version changes
	// from one workspace to another, favoring the source.
	Synchronize(ctx context.Context, replica, from, to string) error
	// ExportChanges writes the replica's unsynchronized default-version
	// changes as an XML change message and returns how many were written.
	ExportChanges(ctx context.Context, workspace, replica string, w io.Writer) (int, error)
}

// Gateway is the full feature store surface used by the replication
// pipeline.
type Gateway interface {
	Editor
	Promoter
}
