// Package tenant carries the immutable identity scope (company, app, user,
// correlation) that every downstream call and every stored record is keyed by.
//
// A Context is a plain value: it is captured once at request ingress and
// passed explicitly through every call. It must never be read from shared
// mutable state, since concurrent tasks for different tenants run in the
// same process.
package tenant

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrMissingTenant indicates an operation was attempted without tenant scope.
var ErrMissingTenant = errors.New("tenant context is required")

// Context identifies the tenant on whose behalf work is performed.
// The zero value is invalid; use New or validate with Validate.
type Context struct {
	CompanyID     string `json:"company_id" yaml:"company_id"`
	AppID         string `json:"app_id" yaml:"app_id"`
	UserID        string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	CorrelationID string `json:"correlation_id" yaml:"correlation_id"`
}

// New creates a tenant context with a fresh correlation ID.
func New(companyID, appID, userID string) Context {
	return Context{
		CompanyID:     companyID,
		AppID:         appID,
		UserID:        userID,
		CorrelationID: uuid.New().String(),
	}
}

// WithCorrelation returns a copy with the given correlation ID.
// Used when a caller propagates an upstream correlation ID.
func (t Context) WithCorrelation(correlationID string) Context {
	t.CorrelationID = correlationID
	return t
}

// Validate checks that the mandatory identity fields are present.
func (t Context) Validate() error {
	if t.CompanyID == "" {
		return fmt.Errorf("%w: company_id is empty", ErrMissingTenant)
	}
	if t.AppID == "" {
		return fmt.Errorf("%w: app_id is empty", ErrMissingTenant)
	}
	return nil
}

// IsZero reports whether the context carries no identity at all.
func (t Context) IsZero() bool {
	return t.CompanyID == "" && t.AppID == "" && t.UserID == ""
}

// Key returns the storage key prefix for tenant-scoped records.
// Every memory write uses this as part of the record key.
func (t Context) Key() string {
	return t.CompanyID + ":" + t.AppID
}
