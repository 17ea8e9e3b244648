package domain

import "time"

// TenantStatus is the lifecycle state of a tenant.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantInactive  TenantStatus = "inactive"
	TenantSuspended TenantStatus = "suspended"
)

// Tenant is one customer instance of a multi-tenant project.
type Tenant struct {
	ID             string
	ProjectID      string
	Name           string
	Slug           string
	Database       string
	Domain         string
	Status         TenantStatus
	HealthCheckURL string
	LastDeployedAt *time.Time
	CreatedAt      time.Time
}

// TenantStats counts tenants by status.
type TenantStats struct {
	Total     int
	Active    int
	Inactive  int
	Suspended int
}
