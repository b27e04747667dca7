package cmd

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/vibast-solutions/ms-go-freeflow/app/entity"
	"github.com/vibast-solutions/ms-go-freeflow/app/repository"
	"github.com/vibast-solutions/ms-go-freeflow/app/service"
	"github.com/vibast-solutions/ms-go-freeflow/app/types"

	"github.com/spf13/cobra"
)

var apiKeyAssumeYes bool

var apiKeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage customer developer API keys",
}

var apiKeyCreateCmd = &cobra.Command{
	Use:   "create <email> <key_name>",
	Short: "Create a developer API key for a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		apiKeyService, user, db, err := newAPIKeyServiceForUser(args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		req := &types.CreateAPIKeyRequest{KeyName: strings.TrimSpace(args[1])}
		if err = req.Validate(); err != nil {
			return err
		}

		res, err := apiKeyService.Create(context.Background(), user.ID, req)
		if err != nil {
			return err
		}

		fmt.Printf("user: %s\n", user.Email)
		fmt.Printf("key_id: %d\n", res.APIKey.ID)
		fmt.Printf("key_name: %s\n", res.APIKey.KeyName)
		fmt.Printf("api_key: %s\n", res.RawKey)
		fmt.Printf("free_tier_calls: %d\n", res.APIKey.FreeTierCallsRemaining)
		return nil
	},
}

var apiKeyListCmd = &cobra.Command{
	Use:   "list <email>",
	Short: "List a user's developer API keys",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		apiKeyService, user, db, err := newAPIKeyServiceForUser(args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		keys, err := apiKeyService.List(context.Background(), user.ID)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Printf("no API keys for %s\n", user.Email)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPREFIX\tSTATUS\tFREE_TIER\tCALLS\tCREATED")
		for _, key := range keys {
			fmt.Fprintf(w, "%d\t%s\t%s...\t%s\t%d\t%d\t%s\n",
				key.ID, key.KeyName, key.KeyPrefix, key.Status,
				key.FreeTierCallsRemaining, key.TotalCalls, key.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var apiKeyRevokeCmd = &cobra.Command{
	Use:   "revoke <email> <key_id>",
	Short: "Revoke one of a user's developer API keys",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		keyID, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil || keyID == 0 {
			return errors.New("key_id must be a positive integer")
		}

		apiKeyService, user, db, err := newAPIKeyServiceForUser(args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		if !apiKeyAssumeYes {
			confirmed, err := promptConfirm(fmt.Sprintf("Revoke API key %d for %s?", keyID, user.Email))
			if err != nil {
				return err
			}
			if !confirmed {
				fmt.Println("aborted")
				return nil
			}
		}

		if err = apiKeyService.Revoke(context.Background(), user.ID, keyID); err != nil {
			if errors.Is(err, service.ErrAPIKeyNotFound) {
				return fmt.Errorf("API key %d not found for %s", keyID, user.Email)
			}
			return err
		}

		fmt.Printf("revoked API key %d for %s\n", keyID, user.Email)
		return nil
	},
}

func init() {
	apiKeyRevokeCmd.Flags().BoolVarP(&apiKeyAssumeYes, "yes", "y", false, "skip the confirmation prompt")

	apiKeyCmd.AddCommand(apiKeyCreateCmd)
	apiKeyCmd.AddCommand(apiKeyListCmd)
	apiKeyCmd.AddCommand(apiKeyRevokeCmd)
	rootCmd.AddCommand(apiKeyCmd)
}

func newAPIKeyServiceForUser(email string) (service.APIKeyService, *entity.User, *sql.DB, error) {
	cfg, db, err := loadRuntime()
	if err != nil {
		return nil, nil, nil, err
	}

	user, err := repository.NewUserRepository(db).FindByCanonicalEmail(context.Background(), service.CanonicalizeEmail(email))
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	if user == nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("user %q not found", email)
	}

	return service.NewAPIKeyService(repository.NewAPIKeyRepository(db), cfg), user, db, nil
}

func promptConfirm(question string) (bool, error) {
	reader := bufio.NewReader(os.Stdin)
	fmt.Printf("%s [y/N]: ", question)
	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		return false, nil
	}

	switch strings.ToLower(strings.TrimSpace(input)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
