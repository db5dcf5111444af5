package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/orb-framework/orb-sub003/core/config"
	"github.com/orb-framework/orb-sub003/core/dialect"
	"github.com/orb-framework/orb-sub003/core/persistence"
	"github.com/orb-framework/orb-sub003/core/query"
	"github.com/orb-framework/orb-sub003/core/schema"
	"github.com/orb-framework/orb-sub003/core/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// validFormats lists the accepted --format values.
var validFormats = []string{"yaml", "json"}

// rootOptions holds the global flags and the state built from them.
type rootOptions struct {
	configPath string
	dialect    string
	database   string
	host       string
	format     string

	cfg *config.Config
	// logger is built from cfg.Log unless set before the command runs.
	logger *zap.Logger
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "orb",
		Short:        "Inspect databases and compile schemas with the orb dialects",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "configuration file (yaml, toml, or env)")
	flags.StringVar(&opts.dialect, "dialect", "", "dialect name, overrides database.dialect")
	flags.StringVar(&opts.database, "database", "", "database name, overrides database.name")
	flags.StringVar(&opts.host, "host", "", "database host, overrides database.host")
	flags.StringVar(&opts.format, "format", "yaml", "output format (yaml|json)")

	cmd.AddCommand(
		newPingCommand(opts),
		newExistsCommand(opts),
		newColumnsCommand(opts),
		newInfoCommand(opts),
		newExecCommand(opts),
		newCompileCommand(opts),
	)
	return cmd
}

func (o *rootOptions) load(cmd *cobra.Command) error {
	if !isValidFormat(o.format) {
		return fmt.Errorf("invalid format %q: must be one of %v", o.format, validFormats)
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("dialect") {
		cfg.Database.Dialect = o.dialect
	}
	if flags.Changed("database") {
		cfg.Database.Name = o.database
	}
	if flags.Changed("host") {
		cfg.Database.Host = o.host
	}
	o.cfg = cfg

	if o.logger == nil {
		logger, err := newLogger(cfg.Log)
		if err != nil {
			return err
		}
		o.logger = logger
	}
	return nil
}

func newLogger(c config.Log) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *rootOptions) queryContext() *query.Context {
	return &query.Context{Locale: o.cfg.Database.Locale, Namespace: o.cfg.Database.Namespace}
}

// withExecutor opens the configured database for the length of fn. The
// record cache is left out: every command reads the database directly.
func (o *rootOptions) withExecutor(ctx context.Context, fn func(*persistence.Executor) error) (err error) {
	conn, err := persistence.NewConnection(o.cfg.Database, o.logger)
	if err != nil {
		return err
	}
	exec := persistence.NewExecutor(conn, nil, o.logger)
	defer func() {
		err = errors.Join(err, exec.Close())
	}()
	if err := conn.Open(ctx); err != nil {
		return err
	}
	return fn(exec)
}

func (o *rootOptions) print(w io.Writer, v any) error {
	if o.format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func newPingCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Open a connection to the configured database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withExecutor(cmd.Context(), func(e *persistence.Executor) error {
				fmt.Fprintf(cmd.OutOrStdout(), "connected to %s\n", opts.cfg.Database.Identity())
				return nil
			})
		},
	}
}

func newExistsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exists <table>",
		Short: "Report whether a table exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withExecutor(cmd.Context(), func(e *persistence.Executor) error {
				ok, err := e.TableExists(cmd.Context(), args[0], opts.queryContext())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ok)
				return nil
			})
		},
	}
}

func newColumnsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "columns <table>",
		Short: "List the columns of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withExecutor(cmd.Context(), func(e *persistence.Executor) error {
				cols, err := e.TableColumns(cmd.Context(), args[0], opts.queryContext())
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), cols)
			})
		},
	}
}

func newInfoCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Describe every table with its fields and indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withExecutor(cmd.Context(), func(e *persistence.Executor) error {
				info, err := e.SchemaInfo(cmd.Context(), opts.queryContext())
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), info)
			})
		},
	}
}

func newExecCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <sql> [args...]",
		Short: "Run a raw statement; reads print their rows",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := make([]any, 0, len(args)-1)
			for _, a := range args[1:] {
				params = append(params, a)
			}
			command := dialect.Command{Text: args[0], Args: params, Returning: returnsRows(args[0])}

			return opts.withExecutor(cmd.Context(), func(e *persistence.Executor) error {
				res, err := e.Connection().Execute(cmd.Context(), command)
				if err != nil {
					return err
				}
				if command.Returning {
					if res.Rows == nil {
						res.Rows = []schema.Document{}
					}
					return opts.print(cmd.OutOrStdout(), res.Rows)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d rows affected\n", res.Count)
				return nil
			})
		},
	}
}

func returnsRows(text string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToLower(fields[0]) {
	case "select", "with", "pragma", "show", "explain", "values":
		return true
	}
	return strings.Contains(strings.ToLower(text), " returning ")
}

type compileOptions struct {
	drop      bool
	noIndexes bool
}

func newCompileCommand(opts *rootOptions) *cobra.Command {
	copts := &compileOptions{}
	cmd := &cobra.Command{
		Use:   "compile <schema.yaml>",
		Short: "Print the CREATE TABLE statements for a schema file",
		Long: "Compile the schemas of a YAML schema file into the configured dialect's " +
			"DDL without connecting to a database.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schemas, err := schema.LoadFile(args[0])
			if err != nil {
				return err
			}
			d, err := dialect.Lookup(opts.cfg.Database.Dialect)
			if err != nil {
				return err
			}
			compiler := dialect.NewCompiler(d, store.New(), opts.logger)

			tableOpts := dialect.DefaultTableOptions()
			tableOpts.DropIfExists = copts.drop
			tableOpts.CreateIndexes = !copts.noIndexes

			w := cmd.OutOrStdout()
			for _, s := range schemas {
				out, err := compiler.CreateTable(s, tableOpts, opts.queryContext())
				if err != nil {
					return err
				}
				for _, c := range out.Commands {
					fmt.Fprintf(w, "%s;\n\n", c.Text)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&copts.drop, "drop", false, "drop existing tables first")
	cmd.Flags().BoolVar(&copts.noIndexes, "no-indexes", false, "skip index creation")
	return cmd
}
