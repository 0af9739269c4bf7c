package apply

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/viant/featuresync/catalog"
	"github.com/viant/featuresync/cdc"
	"github.com/viant/featuresync/featurestore"
)

var (
	mon = monkit.Package()

	// Error is the error class for records that could not be applied.
	Error = errs.Class("apply")
)

// Target is the layer a dataset's records are applied to.
type Target struct {
	Dataset   catalog.Dataset
	Workspace string
	Version   string
}

// Layer returns the feature store layer of the dataset's target table.
func (t Target) Layer() featurestore.Layer {
	return featurestore.Layer{Workspace: t.Workspace, Class: t.Dataset.Target.Table, Version: t.Version}
}

// Applier applies change records to a feature store.
type Applier struct {
	log   *zap.Logger
	store featurestore.Editor

	mu     sync.Mutex
	fields map[featurestore.Layer][]featurestore.Field
}

// New returns an applier writing through store.
func New(log *zap.Logger, store featurestore.Editor) *Applier {
	return &Applier{
		log:    log,
		store:  store,
		fields: map[featurestore.Layer][]featurestore.Field{},
	}
}

// Apply applies rec to target. A non-nil error is always an Error and comes
// with the Failed result.
func (a *Applier) Apply(ctx context.Context, target Target, rec cdc.Record) (result Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if rec.Op == cdc.Unknown {
		a.log.Debug("skipping unknown operation",
			zap.Stringer("dataset", target.Dataset), zap.Int64("code", rec.Code), zap.String("key", rec.Key))
		return Skipped, nil
	}

	pk := target.Dataset.Source.PrimaryKey
	key, ok := rec.Get(pk)
	if !ok {
		return Failed, Error.New("%s: record %s has no primary key field %q", target.Dataset, rec.Key, pk)
	}
	key = normalize(key)

	switch rec.Op {
	case cdc.Insert:
		result, err = a.insert(ctx, target, rec, key)
	case cdc.Update:
		result, err = a.update(ctx, target, rec, key)
	default:
		result, err = a.delete(ctx, target, key)
	}
	if err != nil {
		return Failed, err
	}
	return result, nil
}

func (a *Applier) insert(ctx context.Context, target Target, rec cdc.Record, key interface{}) (Result, error) {
	layer := target.Layer()
	found, err := a.find(ctx, target, key)
	if err != nil {
		return Failed, err
	}
	if len(found) > 0 {
		a.log.Info("record already exists, not inserting",
			zap.Stringer("layer", layer), zap.String("field", target.Dataset.Target.PrimaryKey), zap.Any("value", key))
		return AlreadyApplied, nil
	}

	fields, err := a.schema(ctx, layer)
	if err != nil {
		return Failed, err
	}
	a.logDebugFields(target, nil, rec)

	feature := featurestore.Feature{Attributes: map[string]interface{}{}}
	a.load(&feature, target, fields, rec)
	if err := a.store.Insert(ctx, layer, &feature); err != nil {
		return Failed, Error.New("insert %s = %v into %s: %v", target.Dataset.Target.PrimaryKey, key, layer, err)
	}
	a.log.Debug("inserted record", zap.Stringer("layer", layer), zap.Any("key", key), zap.Int64("fid", feature.FID))
	return Applied, nil
}

func (a *Applier) update(ctx context.Context, target Target, rec cdc.Record, key interface{}) (Result, error) {
	layer := target.Layer()
	found, err := a.find(ctx, target, key)
	if err != nil {
		return Failed, err
	}
	if len(found) == 0 {
		a.log.Warn("no features to update, inserting instead",
			zap.Stringer("layer", layer), zap.String("field", target.Dataset.Target.PrimaryKey), zap.Any("value", key))
		return a.insert(ctx, target, rec, key)
	}

	fields, err := a.schema(ctx, layer)
	if err != nil {
		return Failed, err
	}
	updated := 0
	var group errs.Group
	for _, current := range found {
		a.logDebugFields(target, &current, rec)
		feature := current.Clone()
		a.load(&feature, target, fields, rec)
		if err := a.store.Update(ctx, layer, feature); err != nil {
			err = Error.New("update %s = %v (fid %d) in %s: %v",
				target.Dataset.Target.PrimaryKey, key, current.FID, layer, err)
			a.log.Error("update failed", zap.Error(err))
			group.Add(err)
			continue
		}
		updated++
	}
	if updated == 0 {
		return Failed, Error.Wrap(group.Err())
	}
	a.log.Debug("updated record", zap.Stringer("layer", layer), zap.Any("key", key), zap.Int("features", updated))
	return Applied, nil
}

func (a *Applier) delete(ctx context.Context, target Target, key interface{}) (Result, error) {
	layer := target.Layer()
	found, err := a.find(ctx, target, key)
	if err != nil {
		return Failed, err
	}
	deleted := 0
	for _, f := range found {
		if err := a.store.Delete(ctx, layer, f.FID); err != nil {
			return Failed, Error.New("delete %s = %v (fid %d) from %s: %v",
				target.Dataset.Target.PrimaryKey, key, f.FID, layer, err)
		}
		deleted++
	}
	if deleted == 0 {
		a.log.Warn("no features to delete",
			zap.Stringer("layer", layer), zap.String("field", target.Dataset.Target.PrimaryKey), zap.Any("value", key))
		return NotApplied, nil
	}
	a.log.Debug("deleted record", zap.Stringer("layer", layer), zap.Any("key", key), zap.Int("features", deleted))
	return Applied, nil
}

func (a *Applier) find(ctx context.Context, target Target, key interface{}) ([]featurestore.Feature, error) {
	field := target.Dataset.Target.PrimaryKey
	found, err := a.store.Find(ctx, target.Layer(), field, key)
	if err != nil {
		return nil, Error.New("find %s = %v in %s: %v", field, key, target.Layer(), err)
	}
	return found, nil
}

// schema returns the editable fields of layer. Schemas are cached for the
// lifetime of the applier.
func (a *Applier) schema(ctx context.Context, layer featurestore.Layer) ([]featurestore.Field, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if fields, ok := a.fields[layer]; ok {
		return fields, nil
	}
	all, err := a.store.Fields(ctx, layer)
	if err != nil {
		return nil, Error.New("fields of %s: %v", layer, err)
	}
	var fields []featurestore.Field
	for _, f := range all {
		if f.Editable() {
			fields = append(fields, f)
		}
	}
	a.fields[layer] = fields
	return fields, nil
}

// load copies record values onto feature.
func (a *Applier) load(feature *featurestore.Feature, target Target, fields []featurestore.Field, rec cdc.Record) {
	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		known[f.Name] = true
		v, ok := rec.Get(f.Name)
		if !ok {
			if f.Kind != featurestore.KindGlobalID {
				a.log.Warn("target field not found in change record",
					zap.Stringer("dataset", target.Dataset), zap.String("field", f.Name))
			}
			continue
		}
		feature.Attributes[f.Name] = normalize(v)
	}

	src := target.Dataset.Source
	for _, name := range rec.Fields() {
		if known[name] || name == src.XField || name == src.YField {
			continue
		}
		a.log.Warn("dropping field missing from target schema",
			zap.Stringer("dataset", target.Dataset), zap.String("field", name))
	}

	if !target.Dataset.Spatial() {
		return
	}
	x, xok := coordinate(rec, src.XField)
	y, yok := coordinate(rec, src.YField)
	if xok && yok {
		feature.Shape = &featurestore.Point{X: x, Y: y}
	}
}

// logDebugFields dumps the configured diagnostic fields of a record next to
// the stored values they replace.
func (a *Applier) logDebugFields(target Target, current *featurestore.Feature, rec cdc.Record) {
	if len(target.Dataset.DebugFields) == 0 || !a.log.Core().Enabled(zap.DebugLevel) {
		return
	}
	for _, name := range target.Dataset.DebugFields {
		fields := []zap.Field{zap.String("field", name), zap.String("change", display(rec.Get(name)))}
		if current != nil {
			v, ok := current.Attributes[name]
			fields = append(fields, zap.String("store", display(v, ok)))
		}
		a.log.Debug("record info", fields...)
	}
}

func display(v interface{}, ok bool) string {
	if !ok || v == nil {
		return "Null"
	}
	return fmt.Sprint(v)
}

func coordinate(rec cdc.Record, name string) (float64, bool) {
	v, ok := rec.Get(name)
	if !ok || v == nil {
		return 0, false
	}
	switch n := normalize(v).(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// normalize converts arbitrary-precision decimals to float64.
func normalize(v interface{}) interface{} {
	switch d := v.(type) {
	case decimal.Decimal:
		f, _ := d.Float64()
		return f
	case *decimal.Decimal:
		if d == nil {
			return nil
		}
		f, _ := d.Float64()
		return f
	case decimal.NullDecimal:
		if !d.Valid {
			return nil
		}
		f, _ := d.Decimal.Float64()
		return f
	default:
		return v
	}
}
