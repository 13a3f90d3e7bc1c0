package model

// Account is a configured calendar connection belonging to a CRM user. It is
// the unit of sync scheduling: each run processes up to the configured number
// of enabled, non-deleted accounts.
type Account struct {
	ID     string
	UserID string

	// Name is the operator-facing label.
	Name string

	// Source is the provider source key this account connects through
	// (e.g. "google"). Resolved via the provider registry.
	Source string

	// ExternalCalendarID selects the remote calendar. Empty means the
	// provider's default.
	ExternalCalendarID string

	// Credentials is the provider-specific credential blob (typically an
	// OAuth token document). The core treats it as opaque.
	Credentials string

	Enabled bool
	Deleted bool
}
