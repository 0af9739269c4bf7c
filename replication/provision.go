package replication

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/viant/featuresync/catalog"
	"github.com/viant/featuresync/cdc"
	"github.com/viant/featuresync/featurestore"
)

// Provision prepares the workspaces of a replica: default and edit versions
// in staging, the default version in production, the replica registration
// in staging and a feature class for every dataset whose target does not
// exist yet. Feature class fields are taken from the captured columns of
// the source table. It is safe to run repeatedly.
func Provision(ctx context.Context, log *zap.Logger, connector cdc.Connector, engine *featurestore.Engine, replica catalog.Replica) (err error) {
	defer mon.Task()(&ctx)(&err)
	log = log.With(zap.String("replica", replica.Name))

	staging, err := engine.Workspace(ctx, replica.StagingWorkspace)
	if err != nil {
		return err
	}
	if err := ensureDefault(ctx, staging, replica.DefaultVersion); err != nil {
		return err
	}
	edits := append([]string{replica.EditVersion}, replica.StagingEditVersions...)
	for _, name := range edits {
		if name == replica.DefaultVersion {
			continue
		}
		ok, err := staging.HasVersion(ctx, name)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := staging.CreateVersion(ctx, name, replica.DefaultVersion); err != nil {
			return err
		}
		log.Info("created edit version", zap.String("version", name))
	}
	if err := staging.RegisterReplica(ctx, replica.Name); err != nil {
		return err
	}

	var source cdc.Source
	defer func() {
		if source != nil {
			_ = source.Close()
		}
	}()
	for _, dataset := range replica.Datasets {
		ok, err := staging.HasFeatureClass(ctx, dataset.Target.Table)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if source == nil {
			if source, err = connector.Connect(ctx, replica.Source); err != nil {
				return err
			}
		}
		fields, err := sourceFields(ctx, source, dataset)
		if err != nil {
			return err
		}
		if err := staging.CreateFeatureClass(ctx, dataset.Target.Table, dataset.Spatial(), fields); err != nil {
			return err
		}
		log.Info("created feature class", zap.String("class", dataset.Target.Table), zap.Int("fields", len(fields)))
	}

	production, err := engine.Workspace(ctx, replica.ProductionWorkspace)
	if err != nil {
		return err
	}
	return ensureDefault(ctx, production, replica.DefaultVersion)
}

func ensureDefault(ctx context.Context, s *featurestore.Store, name string) error {
	root, err := s.DefaultVersion(ctx)
	switch {
	case err == nil && root != name:
		return featurestore.Error.New("%s: default version is %q, not %q", s.Path(), root, name)
	case err == nil:
		return nil
	case featurestore.ErrNotFound.Has(err):
		return s.CreateVersion(ctx, name, "")
	default:
		return err
	}
}

// sourceFields lists the captured business columns of a dataset as text
// fields. Coordinate columns become the shape.
func sourceFields(ctx context.Context, source cdc.Source, dataset catalog.Dataset) ([]featurestore.Field, error) {
	cursor, err := source.Fetch(ctx, dataset, time.Now())
	if err != nil {
		return nil, err
	}
	defer func() { _ = cursor.Close() }()

	var fields []featurestore.Field
	for _, name := range cursor.Fields().Names() {
		if dataset.Spatial() && (name == dataset.Source.XField || name == dataset.Source.YField) {
			continue
		}
		fields = append(fields, featurestore.Field{Name: name, Kind: featurestore.KindText})
	}
	if len(fields) == 0 {
		return nil, cdc.QueryError.New("%s: no captured columns", dataset)
	}
	return fields, nil
}
