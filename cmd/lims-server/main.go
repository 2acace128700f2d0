package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/diaglab/lims/internal/config"
	"github.com/diaglab/lims/internal/platform/db"
	"github.com/diaglab/lims/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "lims-server",
		Short:        "Diagnostic lab identifier and audit service",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(counterCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	migrator := func(cmd *cobra.Command, run func(ctx context.Context, m *db.Migrator, schema string) error) error {
		schema, _ := cmd.Flags().GetString("schema")
		dir, _ := cmd.Flags().GetString("dir")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if schema == "" {
			schema = db.SchemaName(cfg.DefaultTenant)
		}

		ctx := cmd.Context()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()

		m := db.NewMigratorFS(pool, migrations.FS)
		if dir != "" {
			m = db.NewMigrator(pool, dir)
		}
		return run(ctx, m, schema)
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrations(cmd.OutOrStdout(), schema, statuses)
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "", "Target schema (default: the default tenant's schema)")
		c.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
		cmd.AddCommand(c)
	}
	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if !db.ValidTenantID(name) {
				return fmt.Errorf("invalid tenant identifier: %s", name)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, migrations.FS); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

// counterCmd groups the operator tools. Each subcommand builds the same
// services the server runs, pinned to one tenant.
func counterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counter",
		Short: "Inspect and repair counters",
	}
	cmd.PersistentFlags().String("tenant", "", "Tenant identifier (default: DEFAULT_TENANT)")
	cmd.PersistentFlags().String("actor", "", "Actor recorded in the audit log (default: $USER)")
	cmd.PersistentFlags().StringP("output", "o", formatYAML, "Output format: yaml or json")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, _ := cmd.Flags().GetString("prefix")
			return withTenantApp(cmd, func(ctx context.Context, a *app, actor string) (interface{}, error) {
				return a.maint.List(ctx, prefix)
			})
		},
	}
	listCmd.Flags().String("prefix", "", "Only counters whose name starts with prefix")

	getCmd := &cobra.Command{
		Use:   "get NAME",
		Short: "Show a counter's current value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantApp(cmd, func(ctx context.Context, a *app, actor string) (interface{}, error) {
				return a.maint.GetCurrentValue(ctx, args[0], actor)
			})
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset NAME VALUE",
		Short: "Overwrite a counter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || value < 0 {
				return fmt.Errorf("VALUE must be a non-negative integer, got %q", args[1])
			}
			return withTenantApp(cmd, func(ctx context.Context, a *app, actor string) (interface{}, error) {
				return a.maint.ResetCounter(ctx, args[0], value, actor)
			})
		},
	}

	resyncCmd := &cobra.Command{
		Use:   "resync NAME",
		Short: "Set a counter to the highest value stored in its records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantApp(cmd, func(ctx context.Context, a *app, actor string) (interface{}, error) {
				return a.maint.Resync(ctx, args[0], actor)
			})
		},
	}

	releaseCmd := &cobra.Command{
		Use:   "release NAME VALUE",
		Short: "Undo the allocation of VALUE if it is still the latest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || value < 1 {
				return fmt.Errorf("VALUE must be a positive integer, got %q", args[1])
			}
			return withTenantApp(cmd, func(ctx context.Context, a *app, actor string) (interface{}, error) {
				return a.maint.ReleaseIfLatest(ctx, args[0], value, actor)
			})
		},
	}

	rebuildCmd := &cobra.Command{
		Use:   "rebuild ENTITY_TYPE",
		Short: "Renumber ordinal fields of records created in [--from, --to)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fromStr, _ := cmd.Flags().GetString("from")
			toStr, _ := cmd.Flags().GetString("to")
			return withTenantApp(cmd, func(ctx context.Context, a *app, actor string) (interface{}, error) {
				w, err := parseWindow(fromStr, toStr, a.loc)
				if err != nil {
					return nil, err
				}
				return a.maint.RebuildSequenceFieldsForWindow(ctx, args[0], w, actor)
			})
		},
	}
	rebuildCmd.Flags().String("from", "", "Window start, RFC 3339 or YYYY-MM-DD in TIMEZONE")
	rebuildCmd.Flags().String("to", "", "Window end (exclusive), RFC 3339 or YYYY-MM-DD in TIMEZONE")
	_ = rebuildCmd.MarkFlagRequired("from")
	_ = rebuildCmd.MarkFlagRequired("to")

	cmd.AddCommand(listCmd, getCmd, resetCmd, resyncCmd, releaseCmd, rebuildCmd)
	return cmd
}

// withTenantApp loads config, builds the app, binds the context to the
// tenant and prints whatever run returns.
func withTenantApp(cmd *cobra.Command, run func(ctx context.Context, a *app, actor string) (interface{}, error)) error {
	format, _ := cmd.Flags().GetString("output")
	if err := checkFormat(format); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tenant, _ := cmd.Flags().GetString("tenant")
	if tenant == "" {
		tenant = cfg.DefaultTenant
	}
	actor, _ := cmd.Flags().GetString("actor")
	actor = cliActor(actor)

	ctx := cmd.Context()
	logger := newLogger(cfg, cmd.ErrOrStderr())
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, release, err := db.AcquireTenant(ctx, a.pool, tenant)
	if err != nil {
		return err
	}
	defer release()

	out, err := run(ctx, a, actor)
	if err != nil {
		return err
	}
	return writeOutput(cmd.OutOrStdout(), format, out)
}
