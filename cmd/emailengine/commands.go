package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/jhult/emailengine/internal/accounts"
	"github.com/jhult/emailengine/internal/config"
	"github.com/jhult/emailengine/internal/kvstore"
	"github.com/jhult/emailengine/internal/metrics"
	"github.com/jhult/emailengine/internal/settings"
	"github.com/jhult/emailengine/internal/tokens"
)

// openKV connects to the configured store for one-shot commands.
func openKV() (kvstore.Store, *config.Config, error) {
	if err := config.Load(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v (continuing with defaults and environment)\n", err)
	}
	cfg := config.Get()
	if cfg.Redis.Ephemeral {
		return nil, nil, fmt.Errorf("ephemeral mode has no durable state to operate on")
	}
	kv, err := kvstore.NewRedis(&cfg.Redis, metrics.New())
	if err != nil {
		return nil, nil, err
	}
	return kv, cfg, nil
}

var encryptNewKey string

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Re-encrypt stored account secrets with a new key",
	Long: `Walks every stored account, decrypts its secrets with the currently
configured encryption key (or accepts plaintext values) and writes them
back encrypted with the new key.`,
	RunE: runEncrypt,
}

func init() {
	encryptCmd.Flags().StringVar(&encryptNewKey, "new-key", "", "New encryption key (required)")
	encryptCmd.MarkFlagRequired("new-key")
}

func runEncrypt(cmd *cobra.Command, args []string) error {
	kv, cfg, err := openKV()
	if err != nil {
		return err
	}
	defer kv.Close()
	ctx := context.Background()

	oldCipher, err := accounts.NewCipher(cfg.Secrets.Encryption)
	if err != nil {
		return err
	}
	newCipher, err := accounts.NewCipher(encryptNewKey)
	if err != nil {
		return err
	}

	reader := accounts.NewRegistry(kv, oldCipher, nil)
	writer := accounts.NewRegistry(kv, newCipher, nil)

	ids, err := reader.IDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		acct, err := reader.Load(ctx, id)
		if err != nil {
			return fmt.Errorf("load %s: %w", id, err)
		}
		if err := writer.Create(ctx, acct); err != nil {
			return fmt.Errorf("rewrite %s: %w", id, err)
		}
		fmt.Printf("re-encrypted %s\n", id)
	}
	fmt.Printf("done: %d accounts\n", len(ids))
	return nil
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Iterate stored state for diagnostics",
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, _, err := openKV()
		if err != nil {
			return err
		}
		defer kv.Close()
		ctx := context.Background()

		keys, err := kv.Scan(ctx, "*")
		if err != nil {
			return err
		}
		counts := make(map[string]int)
		for _, key := range keys {
			prefix := key
			if i := strings.IndexByte(key, ':'); i > 0 {
				prefix = key[:i]
			}
			counts[prefix]++
		}
		groups := make([]string, 0, len(counts))
		for g := range counts {
			groups = append(groups, g)
		}
		sort.Strings(groups)
		for _, g := range groups {
			fmt.Printf("%-12s %d\n", g, counts[g])
		}
		fmt.Printf("total keys: %d\n", len(keys))
		return nil
	},
}

var (
	passwordFlag string
	hashFlag     bool
)

var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Set the admin password",
	Long: `Sets the admin password used by the API login endpoint. Without
--password a random one is generated and printed. With --hash the
base64url of the stored bcrypt hash is printed instead of the password.`,
	RunE: runPassword,
}

func init() {
	passwordCmd.Flags().StringVar(&passwordFlag, "password", "", "Password to set (min 8 characters; generated when empty)")
	passwordCmd.Flags().BoolVar(&hashFlag, "hash", false, "Print the base64url-encoded hash instead of the password")
}

func runPassword(cmd *cobra.Command, args []string) error {
	password := passwordFlag
	generated := false
	if password == "" {
		raw := make([]byte, 12)
		if _, err := rand.Read(raw); err != nil {
			return fmt.Errorf("generate password: %w", err)
		}
		password = base64.RawURLEncoding.EncodeToString(raw)
		generated = true
	}
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	kv, _, err := openKV()
	if err != nil {
		return err
	}
	defer kv.Close()
	svc := settings.New(kv)
	if err := svc.Set(context.Background(), "adminPassword", string(hash)); err != nil {
		return fmt.Errorf("store password: %w", err)
	}

	switch {
	case hashFlag:
		fmt.Println(base64.RawURLEncoding.EncodeToString(hash))
	case generated:
		fmt.Printf("Generated password: %s\n", password)
	default:
		fmt.Println("Password updated")
	}
	return nil
}

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage API access tokens",
}

var (
	tokenScopes      []string
	tokenDescription string
)

var tokensIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Create a new access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := tokenService()
		if err != nil {
			return err
		}
		defer closeFn()
		token, rec, err := svc.Issue(context.Background(), tokenScopes, tokenDescription)
		if err != nil {
			return err
		}
		fmt.Printf("Token:  %s\nScopes: %s\n", token, strings.Join(rec.Scopes, ", "))
		return nil
	},
}

var tokensExportCmd = &cobra.Command{
	Use:   "export <token>",
	Short: "Export a token as a portable blob",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := tokenService()
		if err != nil {
			return err
		}
		defer closeFn()
		blob, err := svc.ExportToken(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(blob)
		return nil
	},
}

var tokensImportCmd = &cobra.Command{
	Use:   "import <blob>",
	Short: "Import a previously exported token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := tokenService()
		if err != nil {
			return err
		}
		defer closeFn()
		rec, err := svc.ImportToken(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Imported token with scopes: %s\n", strings.Join(rec.Scopes, ", "))
		return nil
	},
}

func init() {
	tokensIssueCmd.Flags().StringSliceVar(&tokenScopes, "scopes", []string{tokens.ScopeAPI}, "Scopes: *, api, metrics")
	tokensIssueCmd.Flags().StringVar(&tokenDescription, "description", "", "Free-form token description")
	tokensCmd.AddCommand(tokensIssueCmd)
	tokensCmd.AddCommand(tokensExportCmd)
	tokensCmd.AddCommand(tokensImportCmd)
}

// tokenService opens the store and resolves the service secret the same way
// the server does.
func tokenService() (*tokens.Service, func(), error) {
	kv, cfg, err := openKV()
	if err != nil {
		return nil, nil, err
	}
	svc := settings.New(kv)
	secret := cfg.Secrets.Service
	if secret == "" {
		stored, err := svc.Get(context.Background(), settings.ServiceSecret)
		if err != nil {
			kv.Close()
			return nil, nil, err
		}
		if stored == "" {
			kv.Close()
			return nil, nil, fmt.Errorf("no service secret configured yet; start the server once or set secrets.service")
		}
		secret = stored
	}
	return tokens.NewService(kv, secret), func() { kv.Close() }, nil
}
