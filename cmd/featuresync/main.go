// Command featuresync replicates captured source table changes into a
// versioned feature store and promotes them from staging to production.
//
// Running featuresync without a subcommand imports every configured
// replica; "featuresync export" ships staging changes as XML change
// messages; "featuresync setup" prepares the workspaces. The process always
// exits with status 0; failures are reported in the log.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/viant/featuresync/catalog"
	"github.com/viant/featuresync/cdc"
	"github.com/viant/featuresync/featurestore"
	"github.com/viant/featuresync/logging"
	"github.com/viant/featuresync/replication"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	_ = execute(ctx, os.Args[1:], os.Stderr)
}

// execute runs the command line and reports any setup failure to stderr.
func execute(ctx context.Context, args []string, stderr io.Writer) error {
	cmd := newRootCmd(viper.New())
	cmd.SetArgs(args)
	cmd.SetErr(stderr)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
	}
	return err
}

// process is the state shared by every subcommand.
type process struct {
	log      *zap.Logger
	closeLog func() error
	catalog  *catalog.Catalog
	store    *featurestore.Engine
}

func (p *process) close() error {
	return errs.Combine(p.store.Close(), p.closeLog())
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string
	var p *process

	root := &cobra.Command{
		Use:           "featuresync",
		Short:         "Replicate captured changes into the feature store",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
			p, err = load(v, cfgFile)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if p == nil {
				return nil
			}
			return p.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			log := p.log.Named("importer")
			connector := cdc.DriverConnector{Log: p.log.Named("cdc")}
			reports := replication.NewImporter(log, connector, p.store).Run(cmd.Context(), p.catalog.Replicas())
			summarize(log, reports)
			return nil
		},
	}
	bindFlags(v, root.PersistentFlags(), &cfgFile)

	root.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Export staging changes as XML change messages and synchronize production",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := p.log.Named("exporter")
			reports := replication.NewExporter(log, p.store).Run(cmd.Context(), p.catalog.Replicas())
			summarize(log, reports)
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "setup",
		Short: "Create the versions and feature classes the replicas need",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := p.log.Named("setup")
			connector := cdc.DriverConnector{Log: p.log.Named("cdc")}
			for _, r := range p.catalog.Replicas() {
				if err := replication.Provision(cmd.Context(), log, connector, p.store, r); err != nil {
					log.Error("setup failed", zap.String("replica", r.Name), zap.Error(err))
				}
			}
			return nil
		},
	})
	return root
}

// bindFlags registers the process flags and exposes them through viper.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, cfgFile *string) {
	flags.StringVar(cfgFile, "config", "", "config file (yaml or json)")
	_ = v.BindPFlags(flags)
}

// load reads the configuration, builds the logger and the catalog.
func load(v *viper.Viper, cfgFile string) (*process, error) {
	v.SetEnvPrefix("FEATURESYNC")
	v.AutomaticEnv()
	if cfgFile == "" {
		cfgFile = v.GetString("config")
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("featuresync")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, catalog.ConfigError.New("reading config: %v", err)
	}

	log, closeLog, err := logging.New(logging.Config{
		Path:  v.GetString("logFile"),
		Level: v.GetString("logLevel"),
	})
	if err != nil {
		return nil, err
	}
	log.Info("configuration loaded", zap.String("file", v.ConfigFileUsed()))

	cat, err := catalog.Load(log.Named("catalog"), v)
	if err != nil {
		log.Error("invalid configuration", zap.Error(err))
		_ = closeLog()
		return nil, err
	}
	return &process{
		log:      log,
		closeLog: closeLog,
		catalog:  cat,
		store:    featurestore.NewEngine(log.Named("featurestore")),
	}, nil
}

func summarize(log *zap.Logger, reports []replication.Report) {
	counts := map[replication.Outcome]int{}
	for _, r := range reports {
		counts[r.Outcome]++
	}
	log.Info("run complete",
		zap.Int("replicas", len(reports)),
		zap.Int("promoted", counts[replication.Promoted]),
		zap.Int("exported", counts[replication.Exported]),
		zap.Int("unchanged", counts[replication.NoChanges]),
		zap.Int("busy", counts[replication.Busy]),
		zap.Int("failed", counts[replication.Failed]))
}
