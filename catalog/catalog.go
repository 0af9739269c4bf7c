package catalog

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// ConfigError is the error class for configuration problems. It aborts the
// whole run before any replica is processed.
var ConfigError = errs.Class("config")

// Source drivers understood by the change source connector.
const (
	DriverSQLServer = "sqlserver"
	DriverSQLite    = "sqlite"
)

// Connection holds the change source connection parameters of a replica.
type Connection struct {
	Driver   string
	Server   string
	Database string
}

// String renders the connection without credentials, for logs.
func (c Connection) String() string {
	if c.Driver == DriverSQLite {
		return c.Driver + ":" + c.Database
	}
	return c.Driver + "://" + c.Server + "/" + c.Database
}

// SourceTable is the captured table of a dataset.
type SourceTable struct {
	Table      string
	PrimaryKey string
	XField     string
	YField     string
}

// TargetTable is the feature class a dataset is applied to.
type TargetTable struct {
	Table      string
	PrimaryKey string
}

// Dataset maps one captured source table onto one feature class.
type Dataset struct {
	ChangeFunction string
	Source         SourceTable
	Target         TargetTable
	// DebugFields are logged side by side (source vs target) for every
	// applied row at debug level.
	DebugFields []string
}

// Spatial reports whether both coordinate fields are configured.
func (d Dataset) Spatial() bool { return d.Source.XField != "" && d.Source.YField != "" }

func (d Dataset) String() string { return d.Source.Table + "->" + d.Target.Table }

// Replica is one source database replicated into a staging and production
// workspace pair.
type Replica struct {
	Name                string
	TempPath            string
	ExportPath          string
	LockFilePath        string
	DeleteTempFiles     bool
	AutoReconcile       bool
	StagingWorkspace    string
	ProductionWorkspace string
	// EditVersion receives the applied changes.
	EditVersion string
	// StagingEditVersions are reconciled by the export pipeline.
	StagingEditVersions []string
	// DefaultVersion is the staging default version edits reconcile into.
	DefaultVersion string
	Source         Connection
	Datasets       []Dataset
}

func (r Replica) String() string { return r.Name }

func (r Replica) clone() Replica {
	c := r
	c.StagingEditVersions = append([]string(nil), r.StagingEditVersions...)
	c.Datasets = make([]Dataset, len(r.Datasets))
	for i, d := range r.Datasets {
		d.DebugFields = append([]string(nil), d.DebugFields...)
		c.Datasets[i] = d
	}
	return c
}

// Catalog is the ordered list of enabled replicas.
type Catalog struct {
	replicas []Replica
}

// Replicas returns a copy of the enabled replicas in configuration order.
func (c *Catalog) Replicas() []Replica {
	out := make([]Replica, len(c.replicas))
	for i, r := range c.replicas {
		out[i] = r.clone()
	}
	return out
}

// Len returns the number of enabled replicas.
func (c *Catalog) Len() int { return len(c.replicas) }

// Load reads the "replicas" key from v and parses it.
func Load(log *zap.Logger, v *viper.Viper) (*Catalog, error) {
	if !v.IsSet("replicas") {
		return nil, ConfigError.New("missing replicas")
	}
	var raw []RawReplica
	if err := v.UnmarshalKey("replicas", &raw); err != nil {
		return nil, ConfigError.Wrap(err)
	}
	return Parse(log, raw)
}

// Parse validates raw replica definitions and builds the catalog. Every
// missing required field is reported; no catalog is returned on error.
func Parse(log *zap.Logger, raw []RawReplica) (*Catalog, error) {
	var group errs.Group
	cat := &Catalog{}
	for i := range raw {
		replica, disabled, err := parseReplica(log, fmt.Sprintf("replicas[%d]", i), &raw[i])
		if err != nil {
			group.Add(err)
			continue
		}
		if disabled {
			log.Info("replica is disabled", zap.String("replica", replica.Name))
			continue
		}
		log.Info("adding replica", zap.String("replica", replica.Name), zap.Int("datasets", len(replica.Datasets)))
		cat.replicas = append(cat.replicas, replica)
	}
	if err := group.Err(); err != nil {
		return nil, ConfigError.Wrap(err)
	}
	return cat, nil
}

type fieldCheck struct {
	path    string
	missing []string
}

func (f *fieldCheck) str(name string, v *string) string {
	if v == nil {
		f.missing = append(f.missing, name)
		return ""
	}
	return strings.TrimSpace(*v)
}

func (f *fieldCheck) boolean(name string, v *bool) bool {
	if v == nil {
		f.missing = append(f.missing, name)
		return false
	}
	return *v
}

func (f *fieldCheck) err() error {
	if len(f.missing) == 0 {
		return nil
	}
	return fmt.Errorf("%s: missing required fields %s", f.path, strings.Join(f.missing, ", "))
}

func optional(v *string) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(*v)
}

func parseReplica(log *zap.Logger, path string, raw *RawReplica) (Replica, bool, error) {
	check := &fieldCheck{path: path}
	r := Replica{
		Name:                check.str("name", raw.Name),
		TempPath:            check.str("tempPath", raw.TempPath),
		ExportPath:          check.str("exportPath", raw.ExportPath),
		LockFilePath:        check.str("lockFilePath", raw.LockFilePath),
		DeleteTempFiles:     check.boolean("deleteTempFiles", raw.DeleteTempFiles),
		AutoReconcile:       check.boolean("autoReconcile", raw.AutoReconcile),
		StagingWorkspace:    check.str("stagingWorkspace", raw.StagingWorkspace),
		ProductionWorkspace: check.str("productionWorkspace", raw.ProductionWorkspace),
		EditVersion:         check.str("sqlserverEditVersion", raw.SQLServerEditVersion),
		DefaultVersion:      check.str("stagingDefaultVersion", raw.StagingDefaultVersion),
	}
	if raw.StagingEditVersions == nil {
		check.missing = append(check.missing, "stagingEditVersions")
	}
	r.StagingEditVersions = append([]string(nil), raw.StagingEditVersions...)

	if raw.SQLServer == nil {
		check.missing = append(check.missing, "sqlServer")
	} else {
		r.Source = Connection{
			Driver:   optional(raw.SQLServer.Driver),
			Server:   check.str("sqlServer.server", raw.SQLServer.Server),
			Database: check.str("sqlServer.database", raw.SQLServer.Database),
		}
		if r.Source.Driver == "" {
			r.Source.Driver = DriverSQLServer
		}
	}
	if raw.Datasets == nil {
		check.missing = append(check.missing, "datasets")
	}
	if err := check.err(); err != nil {
		return Replica{}, false, err
	}
	if r.Source.Driver != DriverSQLServer && r.Source.Driver != DriverSQLite {
		return Replica{}, false, fmt.Errorf("%s: unsupported sqlServer.driver %q", path, r.Source.Driver)
	}

	disabled := raw.Disabled != nil && *raw.Disabled
	if disabled {
		return r, true, nil
	}

	var group errs.Group
	for i, rd := range raw.Datasets {
		dpath := fmt.Sprintf("%s.datasets[%d]", path, i)
		if rd == nil {
			group.Add(fmt.Errorf("%s: empty dataset", dpath))
			continue
		}
		d, err := parseDataset(dpath, rd)
		if err != nil {
			group.Add(err)
			continue
		}
		if rd.Disabled != nil && *rd.Disabled {
			log.Info("dataset is disabled", zap.String("replica", r.Name), zap.Stringer("dataset", d))
			continue
		}
		r.Datasets = append(r.Datasets, d)
	}
	if err := group.Err(); err != nil {
		return Replica{}, false, err
	}
	return r, false, nil
}

func parseDataset(path string, raw *RawDataset) (Dataset, error) {
	check := &fieldCheck{path: path}
	d := Dataset{
		ChangeFunction: check.str("cdcFunction", raw.CDCFunction),
		DebugFields:    append([]string(nil), raw.DebugFields...),
	}
	if raw.SQLServerDataset == nil {
		check.missing = append(check.missing, "sqlserverDataset")
	} else {
		d.Source = SourceTable{
			Table:      check.str("sqlserverDataset.table", raw.SQLServerDataset.Table),
			PrimaryKey: check.str("sqlserverDataset.primaryKey", raw.SQLServerDataset.PrimaryKey),
		}
		x, y := optional(raw.SQLServerDataset.XField), optional(raw.SQLServerDataset.YField)
		if x != "" && y != "" {
			d.Source.XField, d.Source.YField = x, y
		}
	}
	if raw.SDEDataset == nil {
		check.missing = append(check.missing, "sdeDataset")
	} else {
		d.Target = TargetTable{
			Table:      check.str("sdeDataset.table", raw.SDEDataset.Table),
			PrimaryKey: check.str("sdeDataset.primaryKey", raw.SDEDataset.PrimaryKey),
		}
	}
	return d, check.err()
}
