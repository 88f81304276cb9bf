package secretmanager

import (
	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides a vault client read from VAULT_ADDR / VAULT_TOKEN.
// config.LoadConfig picks it up optionally when VAULT.ENABLE is set.
var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

func ProvideVault() (*vault.Client, error) {
	client, err := vault.New(
		vault.WithEnvironment(),
	)
	if err != nil {
		zap.L().Error("failed to create vault client", zap.Error(err))
		return nil, err
	}

	return client, nil
}

// Optional installs Module only when enabled, typically from VAULT_ENABLE.
func Optional(enabled bool) fx.Option {
	if !enabled {
		return fx.Options()
	}
	return Module
}
