package config

import (
	"context"
	"os"
)

// EnvVarProvider resolves secrets straight from OS environment variables. It
// backs local development runs, where DATABASE_URL and the WhatsApp token come
// from the shell or a .env file and SSM is never involved.
type EnvVarProvider struct{}

// NewEnvVarProvider creates a new EnvVarProvider.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{}
}

// GetParametersBatch looks each key up with os.LookupEnv. Missing keys are
// left out of the result rather than reported as errors; the loader decides
// whether an unresolved secret is fatal.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := os.LookupEnv(key); ok {
			result[key] = val
		}
	}
	return result, nil
}
