package creds

import (
	"context"
	"fmt"
	"os"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"
)

// VaultConfig configures the Vault-backed credential Source.
type VaultConfig struct {
	Address    string
	Token      string
	AuthMethod string // "token" (only method wired)
	MountPath  string // e.g. "secret"
	SecretPath string // base path for per-user broker credential secrets
	Namespace  string
}

// VaultSource reads per-user broker tokens and account selections out of
// Vault's KV v2 engine, one secret per user at
// <mount>/data/<secret_path>/<user_id>.
type VaultSource struct {
	client *vault.Client
	cfg    VaultConfig
	log    zerolog.Logger
}

func NewVaultSource(cfg VaultConfig, log zerolog.Logger) (*VaultSource, error) {
	vc := vault.DefaultConfig()
	vc.Address = cfg.Address

	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("creds: create vault client: %w", err)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	token := cfg.Token
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("creds: no vault token configured")
	}
	client.SetToken(token)

	return &VaultSource{client: client, cfg: cfg, log: log}, nil
}

func (s *VaultSource) secretPath(userID string) string {
	return fmt.Sprintf("%s/data/%s/%s", s.cfg.MountPath, s.cfg.SecretPath, userID)
}

func (s *VaultSource) readUserSecret(ctx context.Context, userID string) (map[string]any, error) {
	secret, err := s.client.Logical().ReadWithContext(ctx, s.secretPath(userID))
	if err != nil {
		return nil, fmt.Errorf("creds: read vault secret: %w", err)
	}
	if secret == nil {
		return nil, nil
	}
	if data, ok := secret.Data["data"].(map[string]any); ok {
		return data, nil
	}
	return secret.Data, nil
}

func (s *VaultSource) GetToken(ctx context.Context, userID string) (string, bool, error) {
	data, err := s.readUserSecret(ctx, userID)
	if err != nil {
		return "", false, err
	}
	if data == nil {
		return "", false, nil
	}
	token, _ := data["token"].(string)
	if token == "" {
		return "", false, nil
	}
	return token, true, nil
}

func (s *VaultSource) GetActiveAccount(ctx context.Context, userID string) (*Account, error) {
	data, err := s.readUserSecret(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	accountID, _ := data["active_account_id"].(string)
	currency, _ := data["currency"].(string)
	if accountID == "" {
		return nil, nil
	}
	return &Account{AccountID: accountID, Currency: currency}, nil
}

func (s *VaultSource) ListAccounts(ctx context.Context, userID string) ([]Account, error) {
	data, err := s.readUserSecret(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	raw, ok := data["accounts"].([]any)
	if !ok {
		return nil, nil
	}
	accounts := make([]Account, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["account_id"].(string)
		cur, _ := m["currency"].(string)
		if id == "" {
			continue
		}
		accounts = append(accounts, Account{AccountID: id, Currency: cur})
	}
	return accounts, nil
}
