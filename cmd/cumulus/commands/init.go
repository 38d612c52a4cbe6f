package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/openfroyo/cumulus/pkg/config"
	"github.com/openfroyo/cumulus/pkg/stores"
)

const defaultConfigTemplate = `# Cumulus configuration

store:
  path: %s

engine:
  max_parallel: 8
  poll_interval: 2s
  operation_timeout: 30m
  stuck_after: 30m

quota:
  max_concurrent_provision:
    instance: 4
    volume: 4
    snapshot: 4
  ratios:
    - dependent: volume
      parent: instance
      per_parent: 4
    - dependent: snapshot
      parent: instance
      per_parent: 20

gateway:
  # simulator or openstack
  driver: simulator
  rate_limit: 10
  burst: 5
  # openstack:
  #   auth_url: https://keystone.example.com:5000/v3
  #   username: admin
  #   password: secret
  #   tenant_name: admin
  #   region: RegionOne

policy:
  enabled: true
  paths:
    - %s
  watch: true

backup:
  scheduler_interval: 1m

api:
  listen_address: ":8080"
  mode: release
  shutdown_timeout: 10s
`

func newInitCommand() *cobra.Command {
	var (
		dataDir string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a Cumulus workspace",
		Long: `Initialize a workspace with a configuration file, a migrated SQLite database,
a policy directory and an SSH keypair.

The public key can be registered with the cloud and referenced by instances
through their key_name.`,
		Example: `  # Initialize in ./data with ./cumulus.yaml
  cumulus init

  # Initialize with a custom config path
  cumulus init --config /etc/cumulus/cumulus.yaml --data-dir /var/lib/cumulus`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if configPath == "" {
				configPath = "./cumulus.yaml"
			}
			if dataDir == "" {
				dataDir = filepath.Join(filepath.Dir(configPath), "data")
			}

			log.Info().
				Str("config", configPath).
				Str("data_dir", dataDir).
				Msg("Initializing workspace")

			fmt.Printf("Initializing Cumulus workspace in %s\n\n", dataDir)

			policyDir := filepath.Join(dataDir, "policies")
			keyDir := filepath.Join(dataDir, "keys")
			for _, dir := range []string{dataDir, policyDir, keyDir} {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("✓ Created directory: %s\n", dir)
			}

			dbPath := filepath.Join(dataDir, "cumulus.db")
			store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			defer store.Close()
			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Printf("✓ Initialized SQLite database: %s\n", dbPath)

			if _, err := os.Stat(configPath); err == nil && !force {
				fmt.Printf("✓ Config file already exists: %s\n", configPath)
			} else {
				content := fmt.Sprintf(defaultConfigTemplate, dbPath, policyDir)
				if _, err := config.NewLoader().Parse([]byte(content), config.FormatYAML, configPath); err != nil {
					return fmt.Errorf("generated config is invalid: %w", err)
				}
				if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
					return fmt.Errorf("failed to write config file: %w", err)
				}
				fmt.Printf("✓ Created config file: %s\n", configPath)
			}

			keyPath := filepath.Join(keyDir, "cumulus-ed25519")
			created, err := ensureKeypair(keyPath)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("✓ Generated SSH keypair: %s\n", keyPath)
			} else {
				fmt.Printf("✓ SSH keypair already exists: %s\n", keyPath)
			}

			fmt.Printf("\n✅ Workspace initialized successfully!\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Start the server:\n")
			fmt.Printf("     cumulus serve --config %s\n\n", configPath)
			fmt.Printf("  2. Create a volume:\n")
			fmt.Printf("     cumulus resource create --tenant demo --kind volume --spec '{\"name\":\"data\",\"size_mib\":1024}'\n\n")

			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default: <config dir>/data)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}

// ensureKeypair writes an ed25519 keypair at keyPath unless one exists.
func ensureKeypair(keyPath string) (bool, error) {
	if _, err := os.Stat(keyPath); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to stat %s: %w", keyPath, err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("failed to generate keypair: %w", err)
	}

	privBlock, err := sshpkg.MarshalPrivateKey(privKey, "cumulus")
	if err != nil {
		return false, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(privBlock), 0o600); err != nil {
		return false, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0o644); err != nil {
		return false, fmt.Errorf("failed to write public key: %w", err)
	}
	return true, nil
}
