// Package report collects the per-run outcome of a sync pass: counters per
// account, detail lines for anything noteworthy, and a rendered summary
// suitable for logs and the status command.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Detail describes one noteworthy occurrence during a run: a skipped
// deletion, a resolved conflict, a failed operation.
type Detail struct {
	AccountID string `json:"account_id"`
	Subject   string `json:"subject"`
	Stage     string `json:"stage"`
	Type      string `json:"type"`
	Message   string `json:"message"`
}

// Detail type tags.
const (
	DetailError    = "error"
	DetailSkip     = "skip"
	DetailConflict = "conflict"
	DetailDeferred = "deferred"
)

// AccountStatus accumulates counters for a single account's pass.
type AccountStatus struct {
	AccountID string   `json:"account_id"`
	Processed int      `json:"processed"`
	Created   int      `json:"created"`
	Updated   int      `json:"updated"`
	Deleted   int      `json:"deleted"`
	Skipped   int      `json:"skipped"`
	Conflicts int      `json:"conflicts"`
	Deferred  int      `json:"deferred"`
	Errors    int      `json:"errors"`
	Details   []Detail `json:"details,omitempty"`
}

// AddDetail appends a detail line and bumps the matching counter.
func (a *AccountStatus) AddDetail(subject, stage, typ, message string) {
	a.Details = append(a.Details, Detail{
		AccountID: a.AccountID,
		Subject:   subject,
		Stage:     stage,
		Type:      typ,
		Message:   message,
	})
	switch typ {
	case DetailError:
		a.Errors++
	case DetailSkip:
		a.Skipped++
	case DetailConflict:
		a.Conflicts++
	case DetailDeferred:
		a.Deferred++
	}
}

// RunStatus is the aggregate outcome of one engine pass.
type RunStatus struct {
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`
	Accounts   map[string]*AccountStatus `json:"accounts"`
}

// NewRunStatus returns an empty run status stamped with the given start time.
func NewRunStatus(startedAt time.Time) *RunStatus {
	return &RunStatus{
		StartedAt: startedAt,
		Accounts:  make(map[string]*AccountStatus),
	}
}

// Account returns (creating on first use) the status bucket for an account.
func (r *RunStatus) Account(accountID string) *AccountStatus {
	if st, ok := r.Accounts[accountID]; ok {
		return st
	}
	st := &AccountStatus{AccountID: accountID}
	r.Accounts[accountID] = st
	return st
}

// Totals sums the per-account counters.
func (r *RunStatus) Totals() AccountStatus {
	var total AccountStatus
	for _, st := range r.Accounts {
		total.Processed += st.Processed
		total.Created += st.Created
		total.Updated += st.Updated
		total.Deleted += st.Deleted
		total.Skipped += st.Skipped
		total.Conflicts += st.Conflicts
		total.Deferred += st.Deferred
		total.Errors += st.Errors
	}
	return total
}

// HasErrors reports whether any account recorded an error.
func (r *RunStatus) HasErrors() bool {
	for _, st := range r.Accounts {
		if st.Errors > 0 {
			return true
		}
	}
	return false
}

// Render produces a deterministic multi-line summary, accounts in id order.
func (r *RunStatus) Render() string {
	ids := make([]string, 0, len(r.Accounts))
	for id := range r.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "sync run started %s", r.StartedAt.Format(time.RFC3339))
	if !r.FinishedAt.IsZero() {
		fmt.Fprintf(&b, ", took %s", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	b.WriteString("\n")

	for _, id := range ids {
		st := r.Accounts[id]
		fmt.Fprintf(&b,
			"account %s: processed=%d created=%d updated=%d deleted=%d skipped=%d conflicts=%d deferred=%d errors=%d\n",
			id, st.Processed, st.Created, st.Updated, st.Deleted,
			st.Skipped, st.Conflicts, st.Deferred, st.Errors)
		for _, d := range st.Details {
			fmt.Fprintf(&b, "  [%s] %s (%s): %s\n", d.Type, d.Subject, d.Stage, d.Message)
		}
	}

	t := r.Totals()
	fmt.Fprintf(&b, "total: processed=%d created=%d updated=%d deleted=%d skipped=%d conflicts=%d deferred=%d errors=%d",
		t.Processed, t.Created, t.Updated, t.Deleted, t.Skipped, t.Conflicts, t.Deferred, t.Errors)
	return b.String()
}
