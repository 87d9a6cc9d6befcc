package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authmatrix/internal/domain"
	"authmatrix/internal/repo"
)

// ResolveTenant picks the tenant CLI commands operate on. It prefers the
// override, then a single-tenant database. If the override names a tenant
// that does not exist yet, it is created on the fly.
func ResolveTenant(ctx context.Context, tenantOverride string, r repo.Repo) (string, error) {
	if tenantOverride == "" {
		tenants, err := r.ListTenants(ctx)
		if err != nil {
			return "", err
		}
		if len(tenants) == 1 {
			return tenants[0].ID, nil
		}
		return "", fmt.Errorf("tenant not specified; use --tenant")
	}
	if _, err := r.GetTenant(ctx, tenantOverride); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", err
		}
		if err := createTenant(ctx, r, tenantOverride); err != nil {
			return "", err
		}
	}
	return tenantOverride, nil
}

// createTenant inserts a minimal tenant footprint named after its ID.
func createTenant(ctx context.Context, r repo.Repo, tenantID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	t := domain.Tenant{
		ID:        tenantID,
		Name:      tenantID,
		Status:    "active",
		CreatedAt: now,
	}
	if err := r.InsertTenant(ctx, t); err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}
