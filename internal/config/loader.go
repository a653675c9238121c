// loader.go implements the configuration loading lifecycle for the SalesFlow platform.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Scan environment for _SSM_PARAM suffix variables.
//  4. If APP_ENV != "local", resolve SSM parameters via the SecretProvider
//     and inject the resolved values back into the environment.
//  5. Use envconfig to process struct tags and populate the Config struct.
//  6. Populate BuildInfo from linker-injected variables.
//  7. Validate the struct using go-playground/validator.
//  8. Apply cross-field checks struct tags cannot express (dispatch horizon
//     against the SQS delay ceiling).
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is what LoadConfig returns on failure: the phase that failed
// (Type), an operator-facing message, and the underlying cause.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks an env var as a pointer into SSM rather than a value:
// DATABASE_URL_SSM_PARAM holds the parameter path whose decrypted value lands
// in DATABASE_URL.
const ssmParamSuffix = "_SSM_PARAM"

// localEnv is the APP_ENV value that bypasses SSM resolution.
const localEnv = "local"

// The loader touches process-global environment state, so its os-package
// entry points are injected. Tests swap in map-backed versions instead of
// mutating the real environment.
type (
	envLookup func(key string) (string, bool)
	envSet    func(key, value string) error
	environ   func() []string
)

type loaderDeps struct {
	lookupEnv envLookup
	setEnv    envSet
	environ   environ
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
	}
}

// LoadConfig loads and validates the SalesFlow configuration, following the
// sequence documented at the top of this file. The provider performs SSM
// resolution; it may be nil in local mode, where resolution is skipped, and
// must be non-nil anywhere secrets are referenced through _SSM_PARAM
// variables.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	// Step 1: all timestamps in the system are UTC; pinning time.Local keeps
	// accidental .Local() calls from reintroducing drift.
	time.Local = time.UTC

	// Step 2: .env is optional and never overrides the real environment.
	_ = godotenv.Load()

	// Step 3: the environment decides whether SSM is in play.
	appEnv, _ := deps.lookupEnv("APP_ENV")

	// Step 4: resolve _SSM_PARAM pointers outside local mode.
	if appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	// Step 5: envconfig with an empty prefix reads the tag names verbatim.
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	// Step 6: build metadata comes from the linker, not the environment.
	cfg.Build = NewBuildInfo()

	// Step 7: struct-tag validation.
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	// Step 8: cross-field checks that struct tags cannot express.
	if cfg.FollowUp.DispatchHorizon > maxDispatchHorizon {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: fmt.Sprintf("DISPATCH_HORIZON %s exceeds the SQS delay ceiling of %s", cfg.FollowUp.DispatchHorizon, maxDispatchHorizon),
		}
	}

	return &cfg, nil
}

// ResolveSecrets runs only the SSM resolution step, without building or
// validating a Config. The Lambda entry points (maintenance, followup-worker)
// read individual env vars with os.Getenv rather than LoadConfig; they call
// this first so those reads see resolved secrets. No-op in local mode or when
// no _SSM_PARAM variables are present.
func ResolveSecrets(provider SecretProvider) error {
	appEnv, _ := os.LookupEnv("APP_ENV")
	if appEnv == localEnv {
		return nil
	}
	return resolveSSMParams(provider, defaultDeps())
}

// resolveSSMParams finds every _SSM_PARAM variable, batch-fetches the secrets
// behind them, and writes the values into the environment under the suffix-
// stripped names so envconfig picks them up. A pointer whose target is
// already set is left alone; the priority chain is OS environment, then
// dotenv, then SSM.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	type ssmBinding struct {
		targetEnvVar string // e.g., DATABASE_URL
		ssmPath      string // e.g., /prod/salesflow/database/url
	}

	var bindings []ssmBinding
	// Reverse index for mapping batch results back to env var names.
	ssmPathToTarget := make(map[string]string)

	for _, envEntry := range deps.environ() {
		// Entries are "KEY=VALUE".
		eqIdx := strings.IndexByte(envEntry, '=')
		if eqIdx < 0 {
			continue
		}
		key := envEntry[:eqIdx]

		if !strings.HasSuffix(key, ssmParamSuffix) {
			continue
		}

		targetEnvVar := strings.TrimSuffix(key, ssmParamSuffix)

		// The target already being set means a higher-priority source won.
		if _, exists := deps.lookupEnv(targetEnvVar); exists {
			continue
		}

		ssmPath := envEntry[eqIdx+1:]
		if ssmPath == "" {
			continue
		}

		bindings = append(bindings, ssmBinding{
			targetEnvVar: targetEnvVar,
			ssmPath:      ssmPath,
		})
		ssmPathToTarget[ssmPath] = targetEnvVar
	}

	if len(bindings) == 0 {
		return nil
	}

	if provider == nil {
		targetVars := make([]string, 0, len(bindings))
		for _, b := range bindings {
			targetVars = append(targetVars, b.targetEnvVar)
		}
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(targetVars, ", ")),
		}
	}

	ssmPaths := make([]string, 0, len(bindings))
	for _, b := range bindings {
		ssmPaths = append(ssmPaths, b.ssmPath)
	}

	// One batch call for everything; the provider handles API batch limits.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, ssmPaths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(ssmPaths)),
			Err:     err,
		}
	}

	for ssmPath, value := range resolved {
		targetEnvVar, ok := ssmPathToTarget[ssmPath]
		if !ok {
			continue
		}
		if err := deps.setEnv(targetEnvVar, value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", targetEnvVar),
				Err:     err,
			}
		}
	}

	// Anything the provider silently dropped still fails startup.
	var missing []string
	for _, b := range bindings {
		if _, ok := resolved[b.ssmPath]; !ok {
			missing = append(missing, b.targetEnvVar)
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}

	return nil
}
