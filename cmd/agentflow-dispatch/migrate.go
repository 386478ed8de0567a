package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AoaoMH/Aether/internal/migration"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the dispatch core's database schema",
	}

	cmd.AddCommand(
		newMigrateUpCmd(),
		newMigrateDownCmd(),
		newMigrateDownAllCmd(),
		newMigrateGotoCmd(),
		newMigrateForceCmd(),
		newMigrateVersionCmd(),
		newMigrateStatusCmd(),
	)
	return cmd
}

func newMigrateCLI() (*migration.CLI, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	migrator, err := migration.NewMigratorFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return migration.NewCLI(migrator), nil
}

func newMigrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newMigrateCLI()
			if err != nil {
				return err
			}
			return cli.RunUp(cmd.Context())
		},
	}
}

func newMigrateDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newMigrateCLI()
			if err != nil {
				return err
			}
			return cli.RunDown(cmd.Context())
		},
	}
}

func newMigrateDownAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Roll back all migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newMigrateCLI()
			if err != nil {
				return err
			}
			return cli.RunDownAll(cmd.Context())
		},
	}
}

func newMigrateGotoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "goto [version]",
		Short: "Migrate up or down to a specific version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return err
			}
			cli, err := newMigrateCLI()
			if err != nil {
				return err
			}
			return cli.RunGoto(cmd.Context(), uint(version))
		},
	}
}

func newMigrateForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force [version]",
		Short: "Force the migration version without running migrations (clears dirty state)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}
			cli, err := newMigrateCLI()
			if err != nil {
				return err
			}
			return cli.RunForce(cmd.Context(), version)
		},
	}
}

func newMigrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the current migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newMigrateCLI()
			if err != nil {
				return err
			}
			return cli.RunVersion(cmd.Context())
		},
	}
}

func newMigrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of all migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newMigrateCLI()
			if err != nil {
				return err
			}
			return cli.RunStatus(cmd.Context())
		},
	}
}
