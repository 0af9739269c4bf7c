package replication

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/viant/featuresync/catalog"
	"github.com/viant/featuresync/featurestore"
)

// ExportTimeLayout formats the timestamp embedded in change file names.
const ExportTimeLayout = "01022006_150405"

// Exporter writes staging changes as XML change messages, synchronizes them
// to production and delivers the message to the replica's export path.
type Exporter struct {
	log   *zap.Logger
	store featurestore.Promoter

	// Now returns the lock and file name timestamp.
	Now func() time.Time
}

// NewExporter returns an exporter over store.
func NewExporter(log *zap.Logger, store featurestore.Promoter) *Exporter {
	return &Exporter{log: log, store: store, Now: time.Now}
}

// Run exports every replica in order and returns one report per replica.
func (x *Exporter) Run(ctx context.Context, replicas []catalog.Replica) []Report {
	reports := make([]Report, 0, len(replicas))
	for _, r := range replicas {
		report := x.ProcessReplica(ctx, r)
		logReport(x.log, report)
		reports = append(reports, report)
	}
	return reports
}

// ProcessReplica exports one replica.
func (x *Exporter) ProcessReplica(ctx context.Context, replica catalog.Replica) (report Report) {
	var err error
	defer mon.Task()(&ctx)(&err)

	report = Report{Replica: replica.Name, RunID: uuid.NewString()}
	log := x.log.With(zap.String("replica", replica.Name), zap.String("run", report.RunID))
	now := x.Now()

	lock, ok := acquire(log, replica, now, &report)
	if !ok {
		err = report.Err
		return report
	}
	defer func() {
		release(log, lock, &report)
		err = report.Err
	}()

	if replica.AutoReconcile {
		report.enter(Reconciling)
		if len(replica.StagingEditVersions) > 0 {
			if perr := reconcileStaging(ctx, log, x.store, replica, replica.StagingEditVersions); perr != nil {
				// the change message still carries whatever the default
				// version already holds
				report.Err = errs.Combine(report.Err, perr)
			}
		} else if perr := x.store.Compress(ctx, replica.StagingWorkspace); perr != nil {
			log.Error("compress staging failed", zap.Error(perr))
			report.Err = errs.Combine(report.Err, PromotionError.Wrap(perr))
		}
	}

	ts := now.Format(ExportTimeLayout)
	tempFile := filepath.Join(replica.TempPath, "temp_"+ts+".xml")
	exportFile := filepath.Join(replica.ExportPath, "changes_"+ts+".xml")

	report.enter(Exporting)
	n, eerr := x.export(ctx, replica, tempFile)
	if eerr != nil {
		log.Error("could not create change file, synchronization will not run",
			zap.String("file", tempFile), zap.Error(eerr))
		report.fail(eerr)
		return report
	}
	report.Exported = n

	report.enter(Synchronizing)
	if perr := synchronize(ctx, log, x.store, replica); perr != nil {
		report.fail(perr)
		return report
	}
	report.Outcome = Exported

	report.enter(Delivering)
	size, derr := copyFile(tempFile, exportFile)
	if derr != nil {
		derr = DeliveryError.New("copy %s to %s: %v", tempFile, exportFile, derr)
		log.Error("could not deliver change file, check permissions on the export path",
			zap.String("exportPath", replica.ExportPath), zap.Error(derr))
		report.Err = errs.Combine(report.Err, derr)
		return report
	}
	report.Artifact = exportFile
	log.Info("delivered change file", zap.String("file", exportFile),
		zap.Int("changes", n), zap.String("size", humanize.Bytes(uint64(size))))

	if replica.DeleteTempFiles {
		if rerr := os.Remove(tempFile); rerr != nil {
			log.Warn("could not delete temp file", zap.String("file", tempFile), zap.Error(rerr))
		}
	}
	return report
}

func (x *Exporter) export(ctx context.Context, replica catalog.Replica, path string) (_ int, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, PromotionError.Wrap(err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, PromotionError.Wrap(err)
	}
	defer func() { err = errs.Combine(err, PromotionError.Wrap(f.Close())) }()

	n, err := x.store.ExportChanges(ctx, replica.StagingWorkspace, replica.Name, f)
	if err != nil {
		return 0, PromotionError.New("export %s: %v", replica.Name, err)
	}
	return n, nil
}

func copyFile(src, dst string) (_ int64, err error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer func() { err = errs.Combine(err, in.Close()) }()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer func() { err = errs.Combine(err, out.Close()) }()

	return io.Copy(out, in)
}
