package cdc

import (
	"fmt"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// ConnectionError is returned when a replica's change source cannot be
	// opened. The replica is skipped.
	ConnectionError = errs.Class("cdc connection")
	// QueryError is returned when a dataset's changes cannot be fetched or
	// iterated. The dataset counts as having no changes.
	QueryError = errs.Class("cdc query")
	// AckError is returned when applied entries cannot be removed from the
	// change log. Nothing is removed.
	AckError = errs.Class("cdc acknowledge")
)

// Epoch is the fixed lower bound of every change window.
var Epoch = time.Date(2001, time.January, 1, 0, 0, 1, 0, time.UTC)

// Reserved column names shared by every source.
const (
	OperationColumn = "__$operation"
	SequenceColumn  = "__$seqval"
	metaPrefix      = "__$"
)

// Operation is the classified kind of a captured change.
type Operation int

// Operation kinds.
const (
	Unknown Operation = iota
	Insert
	Update
	Delete
)

func (op Operation) String() string {
	switch op {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Classify maps a raw change-capture operation code to an Operation:
// 1 delete, 2 insert, 4 update (after image). Every other code, including the
// update before-image 3, is Unknown.
func Classify(code int64) Operation {
	switch code {
	case 1:
		return Delete
	case 2:
		return Insert
	case 4:
		return Update
	default:
		return Unknown
	}
}

// FieldIndex is the validated name-to-position mapping of one fetched batch.
type FieldIndex struct {
	names []string
	pos   map[string]int
}

// NewFieldIndex builds the mapping for the given column names and checks that
// every required name is present exactly once.
func NewFieldIndex(names []string, required ...string) (*FieldIndex, error) {
	idx := &FieldIndex{
		names: append([]string(nil), names...),
		pos:   make(map[string]int, len(names)),
	}
	for i, name := range names {
		if _, dup := idx.pos[name]; dup {
			return nil, fmt.Errorf("duplicate column %q", name)
		}
		idx.pos[name] = i
	}
	var missing []string
	for _, name := range required {
		if _, ok := idx.pos[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing columns %s", strings.Join(missing, ", "))
	}
	return idx, nil
}

// Position returns the column position of name.
func (f *FieldIndex) Position(name string) (int, bool) {
	i, ok := f.pos[name]
	return i, ok
}

// Len returns the number of columns.
func (f *FieldIndex) Len() int { return len(f.names) }

// Names returns the business column names in order, without change-capture
// metadata columns.
func (f *FieldIndex) Names() []string {
	out := make([]string, 0, len(f.names))
	for _, name := range f.names {
		if !IsMetadata(name) {
			out = append(out, name)
		}
	}
	return out
}

// IsMetadata reports whether name is a change-capture metadata column.
func IsMetadata(name string) bool { return strings.HasPrefix(name, metaPrefix) }

// Record is one captured change.
type Record struct {
	// Op is the classified operation.
	Op Operation
	// Code is the raw operation code.
	Code int64
	// Key is the hex-encoded sequence key used for acknowledgment.
	Key string

	fields *FieldIndex
	values []interface{}
}

// NewRecord builds a record over values laid out according to fields.
func NewRecord(code int64, key string, fields *FieldIndex, values []interface{}) Record {
	return Record{
		Op:     Classify(code),
		Code:   code,
		Key:    key,
		fields: fields,
		values: values,
	}
}

// Get returns the value of the named field.
func (r Record) Get(name string) (interface{}, bool) {
	if r.fields == nil {
		return nil, false
	}
	i, ok := r.fields.pos[name]
	if !ok || i >= len(r.values) {
		return nil, false
	}
	return r.values[i], true
}

// Has reports whether the record carries the named field.
func (r Record) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Fields returns the record's business field names in order.
func (r Record) Fields() []string {
	if r.fields == nil {
		return nil
	}
	return r.fields.Names()
}
