package cli

import (
	"github.com/spf13/cobra"

	"chat-relay/internal/db"
)

func buildMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			database, err := db.Connect(cmd.Context(), cfg.DB.DSN)
			if err != nil {
				return err
			}
			defer database.Close()

			return db.Migrate(cmd.Context(), database, logger)
		},
	}
}
