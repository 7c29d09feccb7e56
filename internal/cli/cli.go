// Package cli implements fieldctl, the administrative command line.
//
//	fieldctl migrate                      apply pending schema migrations
//	fieldctl tenants create --name NAME   register a tenant
//	fieldctl keys create ...              issue an API key for a worker or dispatcher
//	fieldctl keys revoke ...              revoke an API key
//	fieldctl statuses [--format yaml]     print the job status graph
//
// Database settings come from the same environment variables as the server.
package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/fieldops/internal/api/middleware"
	"github.com/kiranshivaraju/fieldops/internal/config"
	"github.com/kiranshivaraju/fieldops/internal/status"
	"github.com/kiranshivaraju/fieldops/internal/store"
	"github.com/kiranshivaraju/fieldops/pkg/models"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// KeyPrefix starts every issued API key.
const KeyPrefix = "fo_"

// AdminStore is what the key and tenant commands need.
type AdminStore interface {
	store.TenantStore
	store.APIKeyStore
}

// Deps are the side effects fieldctl needs. Tests replace them.
type Deps struct {
	// OpenStore connects to the store. The returned func releases it.
	OpenStore func(ctx context.Context) (AdminStore, func(), error)
	// Migrate applies migrations and reports the resulting version.
	Migrate func(ctx context.Context) (version uint, dirty bool, err error)
	Now     func() time.Time
}

// BuildCLI returns the root command wired to PostgreSQL.
func BuildCLI() *cobra.Command {
	return buildCLI(Deps{
		OpenStore: openPostgres,
		Migrate:   migratePostgres,
		Now:       time.Now,
	})
}

func buildCLI(deps Deps) *cobra.Command {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	rootCmd := &cobra.Command{
		Use:           "fieldctl",
		Short:         "fieldctl administers a fieldops deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(buildMigrateCommand(deps))
	rootCmd.AddCommand(buildTenantsCommand(deps))
	rootCmd.AddCommand(buildKeysCommand(deps))
	rootCmd.AddCommand(buildStatusesCommand())

	return rootCmd
}

func buildMigrateCommand(deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			version, dirty, err := deps.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if dirty {
				fmt.Fprintf(out, "schema at version %d (dirty)\n", version)
				return nil
			}
			fmt.Fprintf(out, "schema at version %d\n", version)
			return nil
		},
	}
}

func buildTenantsCommand(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Manage tenants",
	}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			s, release, err := deps.OpenStore(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			now := deps.Now().UTC()
			t := &models.Tenant{ID: uuid.New(), Name: name, CreatedAt: now, UpdatedAt: now}
			if err := s.CreateTenant(cmd.Context(), t); err != nil {
				return fmt.Errorf("create tenant: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.ID)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "tenant display name")

	cmd.AddCommand(create)
	return cmd
}

func buildKeysCommand(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	cmd.AddCommand(buildKeysCreateCommand(deps))
	cmd.AddCommand(buildKeysRevokeCommand(deps))
	return cmd
}

func buildKeysCreateCommand(deps Deps) *cobra.Command {
	var (
		tenant, actor, name string
		scopes              []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the raw key is printed once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenantID, err := uuid.Parse(tenant)
			if err != nil {
				return fmt.Errorf("--tenant must be a UUID: %w", err)
			}
			actorID, err := uuid.Parse(actor)
			if err != nil {
				return fmt.Errorf("--actor must be a UUID: %w", err)
			}
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			s, release, err := deps.OpenStore(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			if _, err := s.GetTenant(cmd.Context(), tenantID); err != nil {
				return fmt.Errorf("tenant %s: %w", tenantID, err)
			}

			raw, err := GenerateKey()
			if err != nil {
				return err
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash key: %w", err)
			}

			now := deps.Now().UTC()
			key := &models.APIKey{
				ID:        uuid.New(),
				TenantID:  tenantID,
				ActorID:   actorID,
				Name:      name,
				KeyHash:   string(hash),
				KeyPrefix: raw[:middleware.KeyPrefixLen],
				Scopes:    scopes,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := s.CreateAPIKey(cmd.Context(), key); err != nil {
				return fmt.Errorf("create api key: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:  %s\n", key.ID)
			fmt.Fprintf(out, "key: %s\n", raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&actor, "actor", "", "worker or dispatcher id the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "label for the key, such as the device it lives on")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scope to grant; repeatable (admin allows deleting jobs)")
	return cmd
}

func buildKeysRevokeCommand(deps Deps) *cobra.Command {
	var tenant, id string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenantID, err := uuid.Parse(tenant)
			if err != nil {
				return fmt.Errorf("--tenant must be a UUID: %w", err)
			}
			keyID, err := uuid.Parse(id)
			if err != nil {
				return fmt.Errorf("--id must be a UUID: %w", err)
			}

			s, release, err := deps.OpenStore(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			if err := s.RevokeAPIKey(cmd.Context(), keyID, tenantID); err != nil {
				return fmt.Errorf("revoke api key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", keyID)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&id, "id", "", "api key id")
	return cmd
}

// StatusNode is one status in the printed graph.
type StatusNode struct {
	Status   string   `yaml:"status"   json:"status"`
	Group    string   `yaml:"group"    json:"group"`
	Terminal bool     `yaml:"terminal" json:"terminal"`
	Next     []string `yaml:"next"     json:"next"`
}

func buildStatusesCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "statuses",
		Short: "Print the job status graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeStatuses(cmd.OutOrStdout(), format)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "output format: yaml or json")
	return cmd
}

func writeStatuses(w io.Writer, format string) error {
	var nodes []StatusNode
	for _, s := range status.All() {
		g, _ := status.GroupOf(s)
		nodes = append(nodes, StatusNode{
			Status:   s,
			Group:    string(g),
			Terminal: status.IsTerminal(s),
			Next:     status.AllowedTransitions(s),
		})
	}

	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(nodes); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(nodes)
	default:
		return fmt.Errorf("unknown format %q (want yaml or json)", format)
	}
}

// GenerateKey returns a new raw API key: KeyPrefix followed by 32 random hex
// characters.
func GenerateKey() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(b), nil
}

func openPostgres(ctx context.Context) (AdminStore, func(), error) {
	cfg, err := config.LoadDatabase()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	pool, err := store.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}

func migratePostgres(_ context.Context) (uint, bool, error) {
	cfg, err := config.LoadDatabase()
	if err != nil {
		return 0, false, fmt.Errorf("load config: %w", err)
	}
	if err := store.RunMigrations(cfg.URL, cfg.MigrationsDir); err != nil {
		return 0, false, err
	}
	return store.MigrationVersion(cfg.URL, cfg.MigrationsDir)
}
