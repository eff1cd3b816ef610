package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"chat-relay/internal/auth"
	"chat-relay/internal/db"
	"chat-relay/internal/models"
	"chat-relay/internal/repositories"
)

func buildTokenCmd(configPath *string) *cobra.Command {
	var (
		userID   string
		username string
		register bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed token for local testing",
		Example: `  chat-relay token --user-id u1 --username alice
  chat-relay token --user-id u2 --username bob --register`,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID = strings.TrimSpace(userID)
			username = strings.TrimSpace(username)
			if userID == "" || username == "" {
				return errors.New("--user-id and --username are required")
			}

			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if err := cfg.Validate(); err != nil {
				return err
			}

			if register {
				database, err := db.Connect(cmd.Context(), cfg.DB.DSN)
				if err != nil {
					return err
				}
				defer database.Close()
				if _, err := repositories.NewUserRepo(database).Upsert(cmd.Context(), models.User{ID: userID, Username: username}); err != nil {
					return err
				}
			}

			token, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL).
				Issue(auth.Identity{ID: userID, Username: username})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "Identity id carried in the token subject")
	cmd.Flags().StringVar(&username, "username", "", "Display name carried in the token")
	cmd.Flags().BoolVar(&register, "register", false, "Upsert the user row before minting")
	return cmd
}
