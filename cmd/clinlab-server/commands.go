package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehr/clinlab/internal/config"
	"github.com/ehr/clinlab/internal/domain/interpretation"
	"github.com/ehr/clinlab/internal/domain/laboratory"
	"github.com/ehr/clinlab/internal/platform/auth"
	"github.com/ehr/clinlab/internal/platform/db"
)

// resolveSchema prefers an explicit --schema over the tenant's schema.
func resolveSchema(cmd *cobra.Command, cfg *config.Config) (string, error) {
	if schema, _ := cmd.Flags().GetString("schema"); schema != "" {
		return schema, nil
	}
	tenant, _ := cmd.Flags().GetString("tenant")
	if tenant == "" {
		tenant = cfg.DefaultTenant
	}
	return db.SchemaName(tenant)
}

func migrationsDir(cmd *cobra.Command, cfg *config.Config) string {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return dir
	}
	return cfg.MigrationsDir
}

func addMigrateFlags(cmd *cobra.Command) {
	cmd.Flags().String("tenant", "", "Tenant whose schema is migrated (default DEFAULT_TENANT)")
	cmd.Flags().String("schema", "", "Target schema, overrides --tenant")
	cmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			schema, err := resolveSchema(cmd, cfg)
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewDirMigrator(pool, migrationsDir(cmd, cfg), logger)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	addMigrateFlags(upCmd)
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			schema, err := resolveSchema(cmd, cfg)
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewDirMigrator(pool, migrationsDir(cmd, cfg), logger).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	addMigrateFlags(statusCmd)
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format(time.DateTime)
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
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

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			pool, err := openPool(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = cfg.MigrationsDir
			}
			migrator := db.NewDirMigrator(pool, dir, logger)
			if err := db.CreateTenantSchema(ctx, pool, name, migrator, logger); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s created.\n", name)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (letters, digits, underscore)")
	createCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")

	cmd.AddCommand(createCmd)
	return cmd
}

func parseAsOf(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return now, nil
	}
	t, err := laboratory.ParseDate(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--as-of: %w", err)
	}
	return t, nil
}

func writeInterpretation(w io.Writer, format string, orderID uuid.UUID, asOf time.Time, rows []interpretation.Row) error {
	switch strings.ToLower(format) {
	case "csv":
		return laboratory.WriteCSV(w, rows)
	case "json":
		if rows == nil {
			rows = []interpretation.Row{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"order_id": orderID,
			"as_of":    asOf.Format(time.RFC3339),
			"rows":     rows,
		})
	default:
		return fmt.Errorf("unsupported format %q (want csv or json)", format)
	}
}

func interpretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interpret <order-id>",
		Short: "Interpret a lab order and print the rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid order id: %w", err)
			}
			format, _ := cmd.Flags().GetString("format")
			if f := strings.ToLower(format); f != "csv" && f != "json" {
				return fmt.Errorf("unsupported format %q (want csv or json)", format)
			}
			rawAsOf, _ := cmd.Flags().GetString("as-of")
			asOf, err := parseAsOf(rawAsOf, time.Now())
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			tenant, _ := cmd.Flags().GetString("tenant")
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			ctx, release, err := db.ScopeToTenant(ctx, pool, tenant)
			if err != nil {
				return err
			}
			defer release()

			rows, err := newLaboratoryService(pool, nil, logger).InterpretOrder(ctx, orderID, asOf)
			if err != nil {
				return err
			}
			return writeInterpretation(cmd.OutOrStdout(), format, orderID, asOf, rows)
		},
	}
	cmd.Flags().String("format", "csv", "Output format: csv or json")
	cmd.Flags().String("as-of", "", "Reference date for patient age (RFC3339 or YYYY-MM-DD, default now)")
	cmd.Flags().String("tenant", "", "Tenant to read from (default DEFAULT_TENANT)")
	return cmd
}

// tokenCmd signs a bearer token with AUTH_SIGNING_KEY for local testing.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			subject, _ := cmd.Flags().GetString("subject")
			tenant, _ := cmd.Flags().GetString("tenant")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			token, err := auth.IssueToken(jwtConfig(cfg), subject, tenant, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Token subject (user id)")
	cmd.Flags().String("tenant", "", "Tenant claim (default DEFAULT_TENANT)")
	cmd.Flags().StringSlice("roles", []string{"lab_tech"}, "Roles claim")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}
