package config

import "context"

// SecretProvider abstracts where secret values come from: SSM Parameter Store
// in deployed environments, plain environment variables locally. The loader
// depends on this interface so tests can feed it canned secrets.
type SecretProvider interface {
	// GetParametersBatch resolves the given keys (SSM parameter paths, or
	// env var names for the local provider) and returns a map of key to
	// plaintext value for everything that resolved. Implementations own
	// their batching against API limits.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
