package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/crmsync/calendarsync/internal/model"
	"github.com/crmsync/calendarsync/internal/report"
	"github.com/crmsync/calendarsync/internal/settings"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAccount() model.Account {
	return model.Account{
		ID:      "acct-1",
		UserID:  "user-1",
		Name:    "Work",
		Source:  "google",
		Enabled: true,
	}
}

// harness bundles a wired reconciler with its mocks.
type harness struct {
	internal *mockCalendar
	external *mockCalendar
	linkage  *mockLinkage
	settings *mockSettings
	rec      *Reconciler
}

func newHarness(cfg settings.Settings, accounts ...model.Account) *harness {
	if len(accounts) == 0 {
		accounts = []model.Account{testAccount()}
	}
	h := &harness{
		internal: newMockCalendar("crm"),
		external: newMockCalendar("ext"),
		settings: &mockSettings{cfg: cfg},
	}
	h.linkage = &mockLinkage{internal: h.internal}
	h.rec = NewReconciler(
		&mockResolver{internal: h.internal, external: h.external},
		&mockAccounts{accounts: accounts},
		h.linkage,
		h.settings,
		nil,
		testLogger(),
	)
	return h
}

func internalEvent(id, name string, start time.Time) *model.Event {
	end := start.Add(time.Hour)
	return model.New(model.Fields{
		ID:        id,
		AccountID: "acct-1",
		Name:      name,
		Type:      model.TypeMeeting,
		Start:     start,
		End:       &end,
		Modified:  start,
	})
}

func externalEvent(id, name string, start time.Time) *model.Event {
	end := start.Add(time.Hour)
	return model.New(model.Fields{
		ID:        id,
		AccountID: "acct-1",
		Name:      name,
		Type:      model.TypeMeeting,
		Start:     start,
		End:       &end,
		Modified:  start,
		External:  true,
	})
}

func TestCreateOnExternal(t *testing.T) {
	h := newHarness(settings.Defaults())
	start := time.Now().UTC().Add(24 * time.Hour)
	h.internal.events["crm-1"] = internalEvent("crm-1", "Kickoff", start)

	status, err := h.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := status.Accounts["acct-1"]
	if st == nil || st.Created != 1 || st.Errors != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if h.external.count() != 1 {
		t.Fatalf("expected 1 external event, got %d", h.external.count())
	}

	created := h.external.get("ext-1")
	if created == nil {
		t.Fatal("external event not created under expected id")
	}
	if created.Name != "Kickoff" || created.LinkedEventID != "crm-1" {
		t.Errorf("unexpected external event: %+v", created)
	}

	// Linkage is written back to the internal side after the remote create.
	linked := h.internal.get("crm-1")
	if linked.LinkedEventID != "ext-1" {
		t.Errorf("internal linkage = %q, want ext-1", linked.LinkedEventID)
	}
	if h.linkage.count() != 1 {
		t.Errorf("linkage writes = %d, want 1", h.linkage.count())
	}
}

func TestCreateOnInternalFromProviderOnlyEvent(t *testing.T) {
	h := newHarness(settings.Defaults())
	start := time.Now().UTC().Add(24 * time.Hour)
	h.external.events["ext-9"] = externalEvent("ext-9", "Customer demo", start)

	status, err := h.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if status.Accounts["acct-1"].Created != 1 {
		t.Fatalf("unexpected status: %+v", status.Accounts["acct-1"])
	}
	if h.internal.count() != 1 {
		t.Fatalf("expected 1 internal event, got %d", h.internal.count())
	}
	pulled := h.internal.get("crm-1")
	if pulled == nil || pulled.Name != "Customer demo" {
		t.Fatalf("unexpected internal event: %+v", pulled)
	}
	if pulled.LinkedEventID != "ext-9" {
		t.Errorf("linkage = %q, want ext-9", pulled.LinkedEventID)
	}
	if pulled.External {
		t.Error("pulled event must be marked internal")
	}
}

func TestNoChangeIsIdempotent(t *testing.T) {
	h := newHarness(settings.Defaults())
	start := time.Now().UTC().Add(24 * time.Hour)
	h.internal.events["crm-1"] = internalEvent("crm-1", "Kickoff", start)

	for pass := 1; pass <= 3; pass++ {
		if _, err := h.rec.Run(context.Background()); err != nil {
			t.Fatalf("Run (pass %d): %v", pass, err)
		}
	}

	if h.external.creates != 1 {
		t.Errorf("external creates = %d, want 1", h.external.creates)
	}
	if h.external.updates != 0 || h.internal.updates != 0 {
		t.Errorf("unexpected updates: ext=%d int=%d", h.external.updates, h.internal.updates)
	}
}

func TestConflictNewerExternalWins(t *testing.T) {
	h := newHarness(settings.Defaults())

	base := time.Now().UTC().Add(24 * time.Hour)
	lastSync := base.Add(-2 * time.Hour)
	end := base.Add(time.Hour)

	// Both sides changed since the last sync; the external copy is newer.
	h.internal.events["crm-1"] = model.New(model.Fields{
		ID: "crm-1", AccountID: "acct-1", LinkedEventID: "ext-1",
		Name: "Kickoff (room A)", Start: base, End: &end,
		Modified: lastSync.Add(10 * time.Minute), LastSync: lastSync,
	})
	h.external.events["ext-1"] = model.New(model.Fields{
		ID: "ext-1", AccountID: "acct-1", LinkedEventID: "crm-1",
		Name: "Kickoff (room B)", Start: base, End: &end,
		Modified: lastSync.Add(30 * time.Minute), External: true,
	})

	status, err := h.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := status.Accounts["acct-1"]
	if st.Conflicts != 1 || st.Updated != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if got := h.internal.get("crm-1").Name; got != "Kickoff (room B)" {
		t.Errorf("internal name = %q, want external copy to win", got)
	}
	if h.external.updates != 0 {
		t.Errorf("external side must not be touched when it wins, got %d updates", h.external.updates)
	}
}

func TestConflictTieFavoursInternal(t *testing.T) {
	h := newHarness(settings.Defaults())

	base := time.Now().UTC().Add(24 * time.Hour)
	lastSync := base.Add(-2 * time.Hour)
	modified := lastSync.Add(15 * time.Minute)
	end := base.Add(time.Hour)

	h.internal.events["crm-1"] = model.New(model.Fields{
		ID: "crm-1", AccountID: "acct-1", LinkedEventID: "ext-1",
		Name: "Kickoff (room A)", Start: base, End: &end,
		Modified: modified, LastSync: lastSync,
	})
	h.external.events["ext-1"] = model.New(model.Fields{
		ID: "ext-1", AccountID: "acct-1", LinkedEventID: "crm-1",
		Name: "Kickoff (room B)", Start: base, End: &end,
		Modified: modified, External: true,
	})

	status, err := h.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if status.Accounts["acct-1"].Conflicts != 1 {
		t.Fatalf("unexpected status: %+v", status.Accounts["acct-1"])
	}
	if got := h.external.get("ext-1").Name; got != "Kickoff (room A)" {
		t.Errorf("external name = %q, want internal copy to win on tie", got)
	}
}

func TestOneSidedChangePropagatesWithoutConflict(t *testing.T) {
	h := newHarness(settings.Defaults())

	base := time.Now().UTC().Add(24 * time.Hour)
	lastSync := base.Add(-2 * time.Hour)
	end := base.Add(time.Hour)

	// Only the internal side changed since last sync.
	h.internal.events["crm-1"] = model.New(model.Fields{
		ID: "crm-1", AccountID: "acct-1", LinkedEventID: "ext-1",
		Name: "Kickoff (moved)", Start: base, End: &end,
		Modified: lastSync.Add(10 * time.Minute), LastSync: lastSync,
	})
	h.external.events["ext-1"] = model.New(model.Fields{
		ID: "ext-1", AccountID: "acct-1", LinkedEventID: "crm-1",
		Name: "Kickoff", Start: base, End: &end,
		Modified: lastSync.Add(-time.Hour), External: true,
	})

	status, err := h.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := status.Accounts["acct-1"]
	if st.Conflicts != 0 || st.Updated != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if got := h.external.get("ext-1").Name; got != "Kickoff (moved)" {
		t.Errorf("external name = %q, want internal change propagated", got)
	}
}

func TestDeletionSkippedWhenDisabled(t *testing.T) {
	h := newHarness(settings.Defaults()) // both deletion flags default to off

	base := time.Now().UTC().Add(24 * time.Hour)
	end := base.Add(time.Hour)

	// Internal event whose external counterpart vanished.
	h.internal.events["crm-1"] = model.New(model.Fields{
		ID: "crm-1", AccountID: "acct-1", LinkedEventID: "ext-gone",
		Name: "Orphaned", Start: base, End: &end, Modified: base,
	})
	// External event whose internal counterpart vanished.
	h.external.events["ext-1"] = model.New(model.Fields{
		ID: "ext-1", AccountID: "acct-1", LinkedEventID: "crm-gone",
		Name: "Orphaned remote", Start: base, End: &end, Modified: base, External: true,
	})

	status, err := h.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := status.Accounts["acct-1"]
	if st.Deleted != 0 || st.Skipped != 2 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if h.internal.count() != 1 || h.external.count() != 1 {
		t.Error("events must survive when deletion is disabled")
	}
}

func TestDeletionAppliedWhenEnabled(t *testing.T) {
	cfg := settings.Defaults()
	cfg.AllowInternalEventDeletion = true
	cfg.AllowExternalEventDeletion = true
	h := newHarness(cfg)

	base := time.Now().UTC().Add(24 * time.Hour)
	end := base.Add(time.Hour)

	h.internal.events["crm-1"] = model.New(model.Fields{
		ID: "crm-1", AccountID: "acct-1", LinkedEventID: "ext-gone",
		Name: "Orphaned", Start: base, End: &end, Modified: base,
	})
	h.external.events["ext-1"] = model.New(model.Fields{
		ID: "ext-1", AccountID: "acct-1", LinkedEventID: "crm-gone",
		Name: "Orphaned remote", Start: base, End: &end, Modified: base, External: true,
	})

	status, err := h.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := status.Accounts["acct-1"]
	if st.Deleted != 2 || st.Skipped != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if h.internal.count() != 0 || h.external.count() != 0 {
		t.Error("orphaned events must be removed when deletion is enabled")
	}
}

func TestOperationCapDefersOverflow(t *testing.T) {
	cfg := settings.Defaults()
	cfg.MaxOperationsPerAccount = 100
	h := newHarness(cfg)

	base := time.Now().UTC().Add(24 * time.Hour)
	for i := 0; i < 150; i++ {
		id := fmt.Sprintf("crm-%03d", i)
		h.internal.events[id] = internalEvent(id, fmt.Sprintf("Event %d", i), base.Add(time.Duration(i)*time.Minute))
	}

	status, err := h.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := status.Accounts["acct-1"]
	if st.Created != 100 {
		t.Errorf("Created = %d, want 100", st.Created)
	}
	if st.Deferred != 50 {
		t.Errorf("Deferred = %d, want 50", st.Deferred)
	}
	if h.external.creates != 100 {
		t.Errorf("external creates = %d, want 100", h.external.creates)
	}

	// The earliest-starting events run first; the overflow is the tail.
	if h.external.get("ext-1") == nil {
		t.Error("first capped operation did not execute")
	}
}

func TestAccountCapLimitsSelection(t *testing.T) {
	cfg := settings.Defaults()
	cfg.MaxAccountsPerSync = 1

	second := testAccount()
	second.ID = "acct-2"
	h := newHarness(cfg, testAccount(), second)

	status, err := h.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(status.Accounts) != 1 {
		t.Errorf("expected 1 account processed, got %d", len(status.Accounts))
	}
}

func TestProviderResolutionFailureIsPerAccount(t *testing.T) {
	h := newHarness(settings.Defaults())
	h.rec.resolver = &mockResolver{
		internal:   h.internal,
		external:   h.external,
		resolveErr: errors.New("unknown provider source"),
	}

	status, err := h.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	st := status.Accounts["acct-1"]
	if st.Errors != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestSettingsLoadFailureAbortsPass(t *testing.T) {
	h := newHarness(settings.Defaults())
	h.settings.err = errors.New("store unavailable")

	if _, err := h.rec.Run(context.Background()); err == nil {
		t.Fatal("expected error when settings cannot be loaded")
	}
}

func TestSettingsReloadedEachPass(t *testing.T) {
	kv := newKVSettingsStore(map[string]string{
		settings.KeyMaxAccountsPerSync: "1",
	})
	manager := settings.NewManager(kv, testLogger())

	internal := newMockCalendar("crm")
	external := newMockCalendar("ext")
	accounts := []model.Account{
		{ID: "acct-1", UserID: "user-1", Source: "google", Enabled: true},
		{ID: "acct-2", UserID: "user-1", Source: "google", Enabled: true},
	}
	rec := NewReconciler(
		&mockResolver{internal: internal, external: external},
		&mockAccounts{accounts: accounts},
		&mockLinkage{internal: internal},
		manager,
		nil,
		testLogger(),
	)

	first, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if len(first.Accounts) != 1 {
		t.Fatalf("first pass selected %d accounts, want 1", len(first.Accounts))
	}

	// Operator raises the cap behind the manager's back. The next pass must
	// observe it without a restart.
	kv.set(settings.KeyMaxAccountsPerSync, "2")

	second, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(second.Accounts) != 2 {
		t.Fatalf("second pass selected %d accounts, want 2", len(second.Accounts))
	}
}

func TestRunInvalidatesSettingsBeforeLoad(t *testing.T) {
	h := newHarness(settings.Defaults())

	for i := 1; i <= 3; i++ {
		if _, err := h.rec.Run(context.Background()); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
		if h.settings.invalidations != i {
			t.Fatalf("invalidations after run %d = %d, want %d", i, h.settings.invalidations, i)
		}
	}
}

func TestCreateFailureRecordedAndPassContinues(t *testing.T) {
	h := newHarness(settings.Defaults())
	h.external.createErr = errors.New("quota exceeded")

	start := time.Now().UTC().Add(24 * time.Hour)
	h.internal.events["crm-1"] = internalEvent("crm-1", "Kickoff", start)

	status, err := h.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	st := status.Accounts["acct-1"]
	if st.Errors != 1 || st.Created != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
	// No linkage must be written for a failed remote create.
	if h.linkage.count() != 0 {
		t.Errorf("linkage writes = %d, want 0", h.linkage.count())
	}
}

func TestAsyncRunMatchesSequentialTotals(t *testing.T) {
	run := func(async bool) report.AccountStatus {
		cfg := settings.Defaults()
		cfg.RunAsync = async

		accounts := make([]model.Account, 3)
		for i := range accounts {
			accounts[i] = testAccount()
			accounts[i].ID = fmt.Sprintf("acct-%d", i+1)
		}
		h := newHarness(cfg, accounts...)

		base := time.Now().UTC().Add(24 * time.Hour)
		for i := 0; i < 6; i++ {
			id := fmt.Sprintf("crm-%d", i)
			h.internal.events[id] = internalEvent(id, fmt.Sprintf("Event %d", i), base.Add(time.Duration(i)*time.Hour))
		}

		status, err := h.rec.Run(context.Background())
		if err != nil {
			t.Fatalf("Run(async=%v): %v", async, err)
		}
		return status.Totals()
	}

	seq := run(false)
	par := run(true)
	// Every account sees the same internal set through the shared mock, so
	// both modes must report the same volume of work.
	if seq.Processed != par.Processed || seq.Errors != par.Errors {
		t.Errorf("async totals diverge: seq=%+v par=%+v", seq, par)
	}
}

func TestHookFiresOnInternalMutations(t *testing.T) {
	var hooked []model.Operation

	h := newHarness(settings.Defaults())
	h.rec.hook = func(_ context.Context, op model.Operation) {
		hooked = append(hooked, op)
	}

	start := time.Now().UTC().Add(24 * time.Hour)
	h.external.events["ext-1"] = externalEvent("ext-1", "Demo", start)
	h.internal.events["crm-1"] = internalEvent("crm-1", "Kickoff", start.Add(time.Hour))

	if _, err := h.rec.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Only the internal create fires the hook; the external create does not.
	if len(hooked) != 1 {
		t.Fatalf("hook invocations = %d, want 1", len(hooked))
	}
	if hooked[0].Location != model.LocationInternal || hooked[0].Action != model.ActionCreate {
		t.Errorf("unexpected hooked operation: %+v", hooked[0])
	}
}

func TestHookSuppressedWhenDisabled(t *testing.T) {
	var hooked int

	cfg := settings.Defaults()
	cfg.LogicHooksEnabled = false
	h := newHarness(cfg)
	h.rec.hook = func(context.Context, model.Operation) { hooked++ }

	start := time.Now().UTC().Add(24 * time.Hour)
	h.external.events["ext-1"] = externalEvent("ext-1", "Demo", start)

	if _, err := h.rec.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if hooked != 0 {
		t.Errorf("hook invocations = %d, want 0", hooked)
	}
}
