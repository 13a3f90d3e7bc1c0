package report

// Migration action tags. The tag encodes how the back-fill pass ended, so
// status checks read the action instead of separate booleans.
const (
	actionSkipped = "skipped"
	actionDryRun  = "dry_run"
	actionApplied = "applied"
	actionFailed  = "failed"
)

// MigrationResult is the outcome of a linkage back-fill pass over one
// account.
type MigrationResult struct {
	AccountID string   `json:"account_id"`
	Action    string   `json:"action"`
	Matched   int      `json:"matched"`
	Linked    int      `json:"linked"`
	Message   string   `json:"message,omitempty"`
	Details   []Detail `json:"details,omitempty"`
}

// MigrationSkipped marks an account that needed no back-fill.
func MigrationSkipped(accountID, reason string) MigrationResult {
	return MigrationResult{AccountID: accountID, Action: actionSkipped, Message: reason}
}

// MigrationSuccess marks a completed pass. When dryRun is set, matched pairs
// were found but no linkage was written.
func MigrationSuccess(accountID string, matched, linked int, dryRun bool) MigrationResult {
	action := actionApplied
	if dryRun {
		action = actionDryRun
	}
	return MigrationResult{AccountID: accountID, Action: action, Matched: matched, Linked: linked}
}

// MigrationFailure marks a pass that aborted with an error.
func MigrationFailure(accountID string, err error) MigrationResult {
	return MigrationResult{AccountID: accountID, Action: actionFailed, Message: err.Error()}
}

// WasSkipped reports whether the pass was skipped entirely.
func (m MigrationResult) WasSkipped() bool { return m.Action == actionSkipped }

// IsDryRun reports whether matches were found without writing linkage.
func (m MigrationResult) IsDryRun() bool { return m.Action == actionDryRun }

// Failed reports whether the pass aborted.
func (m MigrationResult) Failed() bool { return m.Action == actionFailed }

// HasMatches reports whether any candidate pairs were found.
func (m MigrationResult) HasMatches() bool { return m.Matched > 0 }
