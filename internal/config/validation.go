package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// repoNamePattern matches valid repo, distribution and component path
// segments. Upload handling applies the same grammar, so every name
// accepted here is reachable.
var repoNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.+-]*$`)

// ValidRepoName reports whether s is a valid repo, distribution or
// component name.
func ValidRepoName(s string) bool {
	return repoNamePattern.MatchString(s)
}

// Validation errors
var (
	ErrPortOutOfRange     = errors.New("port must be between 1 and 65535")
	ErrUploadSizeNegative = errors.New("maxUploadSize must be positive")
	ErrRepoNameInvalid    = errors.New("allowed repo name is invalid")
	ErrTLSIncomplete      = errors.New("tls requires both cert and key")
	ErrRetentionNegative  = errors.New("retention bounds must not be negative")
	ErrOverrideKeyInvalid = errors.New("oidcOverrides keys must be of the form owner/repo")
)

// validate performs validation on the loaded configuration.
func validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrPortOutOfRange, cfg.Port)
	}

	if cfg.MaxUploadSize <= 0 {
		return fmt.Errorf("%w: %d", ErrUploadSizeNegative, cfg.MaxUploadSize)
	}

	for _, repo := range cfg.AllowedRepos {
		if !repoNamePattern.MatchString(repo) {
			return fmt.Errorf("%w: %q", ErrRepoNameInvalid, repo)
		}
	}

	if cfg.TLS.Enabled && (cfg.TLS.Cert == "" || cfg.TLS.Key == "") {
		return ErrTLSIncomplete
	}

	if cfg.Retention.KeepLastN < 0 || cfg.Retention.MaxAgeDays < 0 {
		return ErrRetentionNegative
	}

	for key := range cfg.OIDCOverrides {
		parts := strings.Split(key, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("%w: %q", ErrOverrideKeyInvalid, key)
		}
	}

	return nil
}
