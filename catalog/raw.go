package catalog

// RawReplica mirrors one entry of the "replicas" configuration list. Pointer
// fields distinguish a missing key from a zero value.
type RawReplica struct {
	Name                  *string       `mapstructure:"name" yaml:"name,omitempty"`
	Disabled              *bool         `mapstructure:"disabled" yaml:"disabled,omitempty"`
	TempPath              *string       `mapstructure:"tempPath" yaml:"tempPath,omitempty"`
	ExportPath            *string       `mapstructure:"exportPath" yaml:"exportPath,omitempty"`
	LockFilePath          *string       `mapstructure:"lockFilePath" yaml:"lockFilePath,omitempty"`
	DeleteTempFiles       *bool         `mapstructure:"deleteTempFiles" yaml:"deleteTempFiles,omitempty"`
	AutoReconcile         *bool         `mapstructure:"autoReconcile" yaml:"autoReconcile,omitempty"`
	StagingWorkspace      *string       `mapstructure:"stagingWorkspace" yaml:"stagingWorkspace,omitempty"`
	ProductionWorkspace   *string       `mapstructure:"productionWorkspace" yaml:"productionWorkspace,omitempty"`
	SQLServerEditVersion  *string       `mapstructure:"sqlserverEditVersion" yaml:"sqlserverEditVersion,omitempty"`
	StagingEditVersions   []string      `mapstructure:"stagingEditVersions" yaml:"stagingEditVersions,omitempty"`
	StagingDefaultVersion *string       `mapstructure:"stagingDefaultVersion" yaml:"stagingDefaultVersion,omitempty"`
	SQLServer             *RawServer    `mapstructure:"sqlServer" yaml:"sqlServer,omitempty"`
	Datasets              []*RawDataset `mapstructure:"datasets" yaml:"datasets,omitempty"`
}

// RawServer holds the change source connection parameters.
type RawServer struct {
	Driver   *string `mapstructure:"driver" yaml:"driver,omitempty"`
	Server   *string `mapstructure:"server" yaml:"server,omitempty"`
	Database *string `mapstructure:"database" yaml:"database,omitempty"`
}

// RawDataset mirrors one entry of a replica's "datasets" list.
type RawDataset struct {
	Disabled         *bool           `mapstructure:"disabled" yaml:"disabled,omitempty"`
	CDCFunction      *string         `mapstructure:"cdcFunction" yaml:"cdcFunction,omitempty"`
	SQLServerDataset *RawSourceTable `mapstructure:"sqlserverDataset" yaml:"sqlserverDataset,omitempty"`
	SDEDataset       *RawTargetTable `mapstructure:"sdeDataset" yaml:"sdeDataset,omitempty"`
	DebugFields      []string        `mapstructure:"debugFields" yaml:"debugFields,omitempty"`
}

// RawSourceTable describes the captured source table.
type RawSourceTable struct {
	Table      *string `mapstructure:"table" yaml:"table,omitempty"`
	PrimaryKey *string `mapstructure:"primaryKey" yaml:"primaryKey,omitempty"`
	XField     *string `mapstructure:"xField" yaml:"xField,omitempty"`
	YField     *string `mapstructure:"yField" yaml:"yField,omitempty"`
}

// RawTargetTable describes the feature class changes are applied to.
type RawTargetTable struct {
	Table      *string `mapstructure:"table" yaml:"table,omitempty"`
	PrimaryKey *string `mapstructure:"primaryKey" yaml:"primaryKey,omitempty"`
}
