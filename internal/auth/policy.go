package auth

import (
	"fmt"
	"slices"
	"strings"
)

// Policy decides whether workload-identity claims may publish a given
// package. It is the sole authority for token uploads; API key uploads
// go through HasPermission instead.
type Policy struct {
	// AllowedOwners lists repository owners permitted under the default
	// rule.
	AllowedOwners []string

	// RequirePrivate restricts the default rule to private repositories.
	RequirePrivate bool

	// Overrides maps "owner/repo" to the package names it may publish.
	// "*" allows any name. An override replaces the default rule
	// entirely for that repository.
	Overrides map[string][]string
}

// Authorize returns nil when the claims may publish packageName. The
// returned error carries the denial reason.
func (p *Policy) Authorize(claims *Claims, packageName string) error {
	if claims.EventName == "pull_request" {
		return fmt.Errorf("pull request workflows may not publish packages")
	}

	if allowed, ok := p.Overrides[claims.Repository]; ok {
		if slices.Contains(allowed, "*") || slices.Contains(allowed, packageName) {
			return nil
		}
		return fmt.Errorf("repository %s is not allowed to publish %s", claims.Repository, packageName)
	}

	owner, repo, ok := strings.Cut(claims.Repository, "/")
	if !ok {
		return fmt.Errorf("malformed repository claim %q", claims.Repository)
	}
	if !slices.Contains(p.AllowedOwners, owner) {
		return fmt.Errorf("owner %s is not in the allowed owners list", owner)
	}
	if p.RequirePrivate && claims.RepositoryVisibility != "private" {
		return fmt.Errorf("repository %s is not private", claims.Repository)
	}
	if packageName != repo {
		return fmt.Errorf("repository %s may only publish packages named %s", claims.Repository, repo)
	}
	return nil
}
