package replication

import (
	"context"
	"errors"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/viant/featuresync/apply"
	"github.com/viant/featuresync/catalog"
	"github.com/viant/featuresync/cdc"
	"github.com/viant/featuresync/featurestore"
)

var mon = monkit.Package()

// Importer applies captured changes to staging and promotes them to
// production.
type Importer struct {
	log       *zap.Logger
	connector cdc.Connector
	store     featurestore.Gateway
	applier   *apply.Applier

	// Now returns the fetch window end and lock timestamp.
	Now func() time.Time
}

// NewImporter returns an importer reading through connector and writing to
// store.
func NewImporter(log *zap.Logger, connector cdc.Connector, store featurestore.Gateway) *Importer {
	return &Importer{
		log:       log,
		connector: connector,
		store:     store,
		applier:   apply.New(log.Named("apply"), store),
		Now:       time.Now,
	}
}

// Run processes every replica in order and returns one report per replica.
// A failing replica never stops the others.
func (i *Importer) Run(ctx context.Context, replicas []catalog.Replica) []Report {
	reports := make([]Report, 0, len(replicas))
	for _, r := range replicas {
		report := i.ProcessReplica(ctx, r)
		logReport(i.log, report)
		reports = append(reports, report)
	}
	return reports
}

// ProcessReplica runs one replica: lock, import every dataset, and promote
// when anything was applied.
func (i *Importer) ProcessReplica(ctx context.Context, replica catalog.Replica) (report Report) {
	var err error
	defer mon.Task()(&ctx)(&err)

	report = Report{Replica: replica.Name, RunID: uuid.NewString()}
	log := i.log.With(zap.String("replica", replica.Name), zap.String("run", report.RunID))

	lock, ok := acquire(log, replica, i.Now(), &report)
	if !ok {
		err = report.Err
		return report
	}
	defer func() {
		release(log, lock, &report)
		err = report.Err
	}()

	source, err := i.connector.Connect(ctx, replica.Source)
	if err != nil {
		log.Error("could not connect to change source", zap.Stringer("source", replica.Source), zap.Error(err))
		report.fail(err)
		return report
	}
	report.Applied = i.importDatasets(ctx, log, replica, source, &report)
	if cerr := source.Close(); cerr != nil {
		log.Warn("closing change source", zap.Error(cerr))
	}

	report.enter(PromotionGate)
	if report.Applied == 0 {
		log.Info("no changes applied, skipping promotion")
		report.Outcome = NoChanges
		return report
	}
	log.Info("changes applied", zap.String("rows", humanize.Comma(int64(report.Applied))))

	if replica.AutoReconcile {
		report.enter(Reconciling)
		if perr := reconcileStaging(ctx, log, i.store, replica, []string{replica.EditVersion}); perr != nil {
			report.fail(perr)
			return report
		}
	}

	report.enter(Synchronizing)
	if perr := synchronize(ctx, log, i.store, replica); perr != nil {
		report.fail(perr)
		return report
	}
	report.Outcome = Promoted
	return report
}

// importDatasets applies every dataset's changes and returns the number of
// applied rows.
func (i *Importer) importDatasets(ctx context.Context, log *zap.Logger, replica catalog.Replica, source cdc.Source, report *Report) int {
	total := 0
	asOf := i.Now()
	for _, dataset := range replica.Datasets {
		dlog := log.With(zap.Stringer("dataset", dataset))
		report.enter(Fetching)
		cursor, err := source.Fetch(ctx, dataset, asOf)
		if err != nil {
			dlog.Error("could not fetch changes", zap.Error(err))
			continue
		}

		report.enter(Applying)
		target := apply.Target{Dataset: dataset, Workspace: replica.StagingWorkspace, Version: replica.EditVersion}
		var (
			stats apply.Stats
			keys  []string
		)
		for cursor.Next() {
			rec := cursor.Record()
			result, err := i.applier.Apply(ctx, target, rec)
			stats.Add(rec.Op, result)
			if err != nil {
				dlog.Error("could not apply change", zap.String("key", rec.Key), zap.Stringer("op", rec.Op), zap.Error(err))
				continue
			}
			if result.Succeeded() {
				keys = append(keys, rec.Key)
			}
		}
		iterErr := cursor.Err()
		if err := cursor.Close(); err != nil {
			dlog.Warn("closing cursor", zap.Error(err))
		}

		if len(keys) > 0 {
			removed, err := source.Acknowledge(ctx, dataset, keys)
			if err != nil {
				dlog.Error("could not acknowledge applied changes", zap.Int("keys", len(keys)), zap.Error(err))
			} else {
				dlog.Debug("acknowledged changes", zap.Int64("removed", removed))
			}
		}
		mon.Counter("applied_rows").Inc(int64(stats.Applied()))
		mon.Counter("failed_rows").Inc(int64(stats.Failed))

		dlog.Info("dataset processed",
			zap.Int("inserts", stats.Inserts), zap.Int("inserts_applied", stats.InsertsApplied),
			zap.Int("updates", stats.Updates), zap.Int("updates_applied", stats.UpdatesApplied),
			zap.Int("deletes", stats.Deletes), zap.Int("deletes_applied", stats.DeletesApplied),
			zap.Int("skipped", stats.Skipped), zap.Int("failed", stats.Failed))

		if iterErr != nil {
			dlog.Error("reading changes failed, counting dataset as unchanged", zap.Error(iterErr))
			continue
		}
		total += len(keys)
	}
	return total
}

// acquire takes the replica lock. ok is false when the run must stop.
func acquire(log *zap.Logger, replica catalog.Replica, now time.Time, report *Report) (lock *Lock, ok bool) {
	report.enter(Idle)
	busy, err := LockHeld(replica.LockFilePath)
	if err == nil && !busy {
		lock, err = AcquireLock(replica.LockFilePath, now, report.RunID)
		busy = errors.Is(err, ErrBusy)
	}
	switch {
	case busy:
		log.Info("replica is already running", zap.String("lock", replica.LockFilePath))
		log.Info("if the replica is not running, delete the lock file", zap.String("lock", replica.LockFilePath))
		report.Outcome = Busy
		return nil, false
	case err != nil:
		log.Error("could not create lock file", zap.String("lock", replica.LockFilePath), zap.Error(err))
		report.fail(err)
		return nil, false
	}
	report.enter(Locked)
	return lock, true
}

func release(log *zap.Logger, lock *Lock, report *Report) {
	if err := lock.Release(); err != nil {
		log.Error("could not remove lock file", zap.String("lock", lock.Path()), zap.Error(err))
		report.Err = errs.Combine(report.Err, err)
	}
	report.enter(Unlocked)
}

// reconcileStaging posts edits into the staging default version and
// compresses staging.
func reconcileStaging(ctx context.Context, log *zap.Logger, store featurestore.Promoter, replica catalog.Replica, edits []string) error {
	log.Info("reconciling staging", zap.Strings("edits", edits), zap.String("default", replica.DefaultVersion))
	if err := store.Reconcile(ctx, replica.StagingWorkspace, replica.DefaultVersion, edits); err != nil {
		log.Error("reconcile failed", zap.Error(err))
		return PromotionError.New("reconcile %s: %v", replica.StagingWorkspace, err)
	}
	if err := store.Compress(ctx, replica.StagingWorkspace); err != nil {
		log.Error("compress staging failed", zap.Error(err))
		return PromotionError.New("compress %s: %v", replica.StagingWorkspace, err)
	}
	return nil
}

// synchronize ships staging changes to production and compresses
// production.
func synchronize(ctx context.Context, log *zap.Logger, store featurestore.Promoter, replica catalog.Replica) error {
	log.Info("synchronizing staging with production")
	if err := store.Synchronize(ctx, replica.Name, replica.StagingWorkspace, replica.ProductionWorkspace); err != nil {
		log.Error("synchronize failed", zap.Error(err))
		return PromotionError.New("synchronize %s: %v", replica.Name, err)
	}
	if err := store.Compress(ctx, replica.ProductionWorkspace); err != nil {
		log.Error("compress production failed", zap.Error(err))
		return PromotionError.New("compress %s: %v", replica.ProductionWorkspace, err)
	}
	return nil
}

func logReport(log *zap.Logger, r Report) {
	fields := []zap.Field{
		zap.String("replica", r.Replica), zap.String("run", r.RunID),
		zap.Stringer("outcome", r.Outcome), zap.Int("applied", r.Applied),
	}
	if r.Err != nil {
		log.Warn("replica finished", append(fields, zap.Error(r.Err))...)
		return
	}
	log.Info("replica finished", fields...)
}
