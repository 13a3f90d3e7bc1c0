package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	stdsync "sync"
	"time"

	"github.com/crmsync/calendarsync/internal/model"
	"github.com/crmsync/calendarsync/internal/provider"
	"github.com/crmsync/calendarsync/internal/report"
	"github.com/crmsync/calendarsync/internal/settings"
	"github.com/crmsync/calendarsync/internal/window"
)

// maxAccountWorkers bounds the worker pool used when async runs are enabled.
const maxAccountWorkers = 4

// plannedOp pairs an operation with the events that produced it. The events
// are needed at execution time for linkage bookkeeping; the sort key keeps
// the plan deterministic.
type plannedOp struct {
	op       model.Operation
	internal *model.Event
	external *model.Event
	conflict bool
	at       time.Time
}

// Reconciler builds and executes the per-account operation plan. It is
// stateless between calls; all persistent state lives in the store behind
// [LinkageStore] and the providers.
type Reconciler struct {
	resolver ProviderResolver
	accounts AccountSource
	linkage  LinkageStore
	settings SettingsSource
	hook     Hook
	log      *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewReconciler wires a Reconciler. hook may be nil.
func NewReconciler(resolver ProviderResolver, accounts AccountSource, linkage LinkageStore, src SettingsSource, hook Hook, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		resolver: resolver,
		accounts: accounts,
		linkage:  linkage,
		settings: src,
		hook:     hook,
		log:      logger,
		now:      time.Now,
	}
}

// Run performs one full pass over all eligible accounts and returns the run
// report. Individual account failures are recorded in the report and do not
// stop the pass; only failures that prevent the pass from starting at all
// (settings, window, account listing) come back as an error.
func (r *Reconciler) Run(ctx context.Context) (*report.RunStatus, error) {
	started := r.now().UTC()
	status := report.NewRunStatus(started)

	// Settings are read fresh each pass so operator changes apply without a
	// restart, then served from cache for the rest of the pass.
	r.settings.Invalidate()
	cfg, err := r.settings.Load(ctx)
	if err != nil {
		return status, fmt.Errorf("loading sync settings: %w", err)
	}

	w, err := window.ForSyncWindows(r.now(), cfg.SyncWindowPastDays, cfg.SyncWindowFutureDays, 0)
	if err != nil {
		return status, fmt.Errorf("building sync window: %w", err)
	}

	accounts, err := r.accounts.EnabledAccounts(ctx, cfg.MaxAccountsPerSync)
	if err != nil {
		return status, fmt.Errorf("listing accounts: %w", err)
	}

	r.log.Info("sync pass starting",
		"accounts", len(accounts),
		"window", w.String(),
		"async", cfg.RunAsync,
	)

	if cfg.RunAsync && len(accounts) > 1 {
		r.runParallel(ctx, accounts, w, cfg, status)
	} else {
		for _, acct := range accounts {
			r.runAccount(ctx, acct, w, cfg, status.Account(acct.ID))
		}
	}

	status.FinishedAt = r.now().UTC()
	totals := status.Totals()
	r.log.Info("sync pass complete",
		"processed", totals.Processed,
		"created", totals.Created,
		"updated", totals.Updated,
		"deleted", totals.Deleted,
		"skipped", totals.Skipped,
		"conflicts", totals.Conflicts,
		"deferred", totals.Deferred,
		"errors", totals.Errors,
	)
	return status, nil
}

// runParallel fans accounts out over a bounded worker pool. Each account is
// still processed strictly sequentially; only accounts run concurrently. The
// report buckets are created up front so the workers never touch the shared
// map.
func (r *Reconciler) runParallel(ctx context.Context, accounts []model.Account, w window.Window, cfg settings.Settings, status *report.RunStatus) {
	buckets := make([]*report.AccountStatus, len(accounts))
	for i, acct := range accounts {
		buckets[i] = status.Account(acct.ID)
	}

	workers := maxAccountWorkers
	if len(accounts) < workers {
		workers = len(accounts)
	}

	jobs := make(chan int)
	var wg stdsync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				r.runAccount(ctx, accounts[idx], w, cfg, buckets[idx])
			}
		}()
	}
	for i := range accounts {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
}

// runAccount reconciles one account: resolve providers, fetch both sides,
// plan, cap, execute.
func (r *Reconciler) runAccount(ctx context.Context, acct model.Account, w window.Window, cfg settings.Settings, st *report.AccountStatus) {
	log := r.log.With("account", acct.ID, "source", acct.Source)

	extProv, err := r.resolver.ProviderForAccount(acct)
	if err != nil {
		log.Error("resolving provider", "error", err)
		st.AddDetail(acct.ID, "resolve", report.DetailError, err.Error())
		return
	}
	intProv := r.resolver.InternalProviderForAccount(acct)

	internal, err := intProv.ListEvents(ctx, w)
	if err != nil {
		log.Error("listing internal events", "error", err)
		st.AddDetail(acct.ID, "list_internal", report.DetailError, err.Error())
		return
	}
	external, err := extProv.ListEvents(ctx, w)
	if err != nil {
		log.Error("listing external events", "error", err)
		st.AddDetail(acct.ID, "list_external", report.DetailError, err.Error())
		return
	}

	plan := r.buildPlan(acct, internal, external, cfg, st)

	// Deterministic execution order: event start, then subject id.
	sort.Slice(plan, func(i, j int) bool {
		if !plan[i].at.Equal(plan[j].at) {
			return plan[i].at.Before(plan[j].at)
		}
		return plan[i].op.SubjectID < plan[j].op.SubjectID
	})

	// Per-account operation cap: overflow is deferred to the next pass, not
	// dropped silently.
	if cfg.MaxOperationsPerAccount > 0 && len(plan) > cfg.MaxOperationsPerAccount {
		for _, p := range plan[cfg.MaxOperationsPerAccount:] {
			st.AddDetail(p.op.SubjectID, string(p.op.Action), report.DetailDeferred,
				"operation cap reached, deferred to next run")
		}
		log.Warn("operation cap reached",
			"planned", len(plan), "cap", cfg.MaxOperationsPerAccount)
		plan = plan[:cfg.MaxOperationsPerAccount]
	}

	for _, p := range plan {
		if err := r.execute(ctx, p, intProv, extProv, cfg, st); err != nil {
			log.Error("operation failed",
				"action", p.op.Action, "location", p.op.Location,
				"subject", p.op.SubjectID, "error", err)
			st.AddDetail(p.op.SubjectID, string(p.op.Action), report.DetailError, err.Error())
		}
	}
}

// buildPlan matches the two event sets and produces the mutation plan.
// Matching runs in both directions: an internal event claims its counterpart
// through its stored linkage, and an external event claims its counterpart
// through the linkage it carries back.
func (r *Reconciler) buildPlan(acct model.Account, internal, external []*model.Event, cfg settings.Settings, st *report.AccountStatus) []plannedOp {
	extByID := make(map[string]*model.Event, len(external))
	extByLink := make(map[string]*model.Event)
	for _, ev := range external {
		extByID[ev.ID] = ev
		if ev.LinkedEventID != "" {
			extByLink[ev.LinkedEventID] = ev
		}
	}

	var plan []plannedOp
	claimed := make(map[string]bool, len(external))

	for _, in := range internal {
		st.Processed++

		var ext *model.Event
		if in.LinkedEventID != "" {
			ext = extByID[in.LinkedEventID]
		}
		if ext == nil {
			ext = extByLink[in.ID]
		}

		if ext != nil {
			claimed[ext.ID] = true
			if p, ok := r.planPair(acct, in, ext, cfg, st); ok {
				plan = append(plan, p)
			}
			continue
		}

		if in.LinkedEventID != "" {
			// Counterpart vanished from the provider.
			if !cfg.AllowInternalEventDeletion {
				st.AddDetail(in.ID, "delete", report.DetailSkip,
					"external counterpart gone, internal deletion disabled")
				continue
			}
			op, err := model.NewOperation(acct.UserID, acct.ID, in.ID,
				model.LocationInternal, model.ActionDelete, nil)
			if err != nil {
				st.AddDetail(in.ID, "plan", report.DetailError, err.Error())
				continue
			}
			plan = append(plan, plannedOp{op: op, internal: in, at: in.Start})
			continue
		}

		// Never linked: push to the provider.
		op, err := model.NewOperation(acct.UserID, acct.ID, in.ID,
			model.LocationExternal, model.ActionCreate, model.Mirror("", in))
		if err != nil {
			st.AddDetail(in.ID, "plan", report.DetailError, err.Error())
			continue
		}
		plan = append(plan, plannedOp{op: op, internal: in, at: in.Start})
	}

	for _, ext := range external {
		if claimed[ext.ID] {
			continue
		}
		st.Processed++

		if ext.LinkedEventID != "" {
			// The CRM record this event was linked to is gone.
			if !cfg.AllowExternalEventDeletion {
				st.AddDetail(ext.ID, "delete", report.DetailSkip,
					"internal counterpart gone, external deletion disabled")
				continue
			}
			op, err := model.NewOperation(acct.UserID, acct.ID, ext.ID,
				model.LocationExternal, model.ActionDelete, nil)
			if err != nil {
				st.AddDetail(ext.ID, "plan", report.DetailError, err.Error())
				continue
			}
			plan = append(plan, plannedOp{op: op, external: ext, at: ext.Start})
			continue
		}

		// Provider-only event: pull into the CRM.
		op, err := model.NewOperation(acct.UserID, acct.ID, ext.ID,
			model.LocationInternal, model.ActionCreate, model.Mirror("", ext))
		if err != nil {
			st.AddDetail(ext.ID, "plan", report.DetailError, err.Error())
			continue
		}
		plan = append(plan, plannedOp{op: op, external: ext, at: ext.Start})
	}

	return plan
}

// planPair decides what to do with a linked pair whose two sides both exist.
func (r *Reconciler) planPair(acct model.Account, in, ext *model.Event, cfg settings.Settings, st *report.AccountStatus) (plannedOp, bool) {
	if in.Checksum() == ext.Checksum() {
		return plannedOp{}, false
	}

	intChanged := in.Modified.After(in.LastSync)
	extChanged := ext.Modified.After(in.LastSync)

	var winner *model.Event
	conflict := false
	switch {
	case intChanged && !extChanged:
		winner = in
	case extChanged && !intChanged:
		winner = ext
	default:
		// Both changed since the last sync, or neither did yet the content
		// differs (stale linkage metadata). Either way the policy decides.
		conflict = true
		winner = r.resolveConflict(cfg.ConflictResolution, in, ext)
		st.AddDetail(in.ID, "conflict", report.DetailConflict,
			fmt.Sprintf("both sides changed, %s copy wins", sideName(winner)))
		r.log.Info("conflict resolved",
			"account", acct.ID,
			"internal_event", in.ID,
			"external_event", ext.ID,
			"policy", cfg.ConflictResolution,
			"winner", sideName(winner),
		)
	}

	var (
		op  model.Operation
		err error
	)
	if winner == in {
		op, err = model.NewOperation(acct.UserID, acct.ID, ext.ID,
			model.LocationExternal, model.ActionUpdate, model.Mirror(ext.ID, in))
	} else {
		op, err = model.NewOperation(acct.UserID, acct.ID, in.ID,
			model.LocationInternal, model.ActionUpdate, model.Mirror(in.ID, ext))
	}
	if err != nil {
		st.AddDetail(in.ID, "plan", report.DetailError, err.Error())
		return plannedOp{}, false
	}

	return plannedOp{op: op, internal: in, external: ext, conflict: conflict, at: winner.Start}, true
}

// resolveConflict applies the configured policy. Unrecognised policies have
// already been normalised away by the settings layer; the timestamp policy
// favours the CRM copy on equal modification times.
func (r *Reconciler) resolveConflict(policy string, in, ext *model.Event) *model.Event {
	switch policy {
	case settings.ConflictTimestamp:
		fallthrough
	default:
		if ext.Modified.After(in.Modified) {
			return ext
		}
		return in
	}
}

// execute dispatches one planned operation and, on success, records linkage
// and counters.
func (r *Reconciler) execute(ctx context.Context, p plannedOp, intProv, extProv provider.Provider, cfg settings.Settings, st *report.AccountStatus) error {
	now := r.now().UTC()

	switch {
	case p.op.Location == model.LocationExternal && p.op.Action == model.ActionCreate:
		id, err := extProv.CreateEvent(ctx, p.op.Payload)
		if err != nil {
			return fmt.Errorf("creating external event for %q: %w", p.internal.ID, err)
		}
		if err := r.linkage.SaveLinkage(ctx, p.internal.ID, id, now); err != nil {
			return fmt.Errorf("linking %q to %q: %w", p.internal.ID, id, err)
		}
		st.Created++

	case p.op.Location == model.LocationExternal && p.op.Action == model.ActionUpdate:
		if err := extProv.UpdateEvent(ctx, p.external.ID, p.op.Payload); err != nil {
			return fmt.Errorf("updating external event %q: %w", p.external.ID, err)
		}
		if err := r.linkage.SaveLinkage(ctx, p.internal.ID, p.external.ID, now); err != nil {
			return fmt.Errorf("refreshing linkage for %q: %w", p.internal.ID, err)
		}
		st.Updated++

	case p.op.Location == model.LocationExternal && p.op.Action == model.ActionDelete:
		if err := extProv.DeleteEvent(ctx, p.external.ID); err != nil {
			return fmt.Errorf("deleting external event %q: %w", p.external.ID, err)
		}
		st.Deleted++

	case p.op.Location == model.LocationInternal && p.op.Action == model.ActionCreate:
		id, err := intProv.CreateEvent(ctx, p.op.Payload)
		if err != nil {
			return fmt.Errorf("creating internal event for %q: %w", p.external.ID, err)
		}
		if err := r.linkage.SaveLinkage(ctx, id, p.external.ID, now); err != nil {
			return fmt.Errorf("linking %q to %q: %w", id, p.external.ID, err)
		}
		st.Created++

	case p.op.Location == model.LocationInternal && p.op.Action == model.ActionUpdate:
		if err := intProv.UpdateEvent(ctx, p.internal.ID, p.op.Payload); err != nil {
			return fmt.Errorf("updating internal event %q: %w", p.internal.ID, err)
		}
		if err := r.linkage.SaveLinkage(ctx, p.internal.ID, p.external.ID, now); err != nil {
			return fmt.Errorf("refreshing linkage for %q: %w", p.internal.ID, err)
		}
		st.Updated++

	case p.op.Location == model.LocationInternal && p.op.Action == model.ActionDelete:
		if err := intProv.DeleteEvent(ctx, p.internal.ID); err != nil {
			return fmt.Errorf("deleting internal event %q: %w", p.internal.ID, err)
		}
		st.Deleted++
	}

	if cfg.LogicHooksEnabled && r.hook != nil && p.op.Location == model.LocationInternal {
		r.hook(ctx, p.op)
	}
	return nil
}

func sideName(ev *model.Event) string {
	if ev.External {
		return "external"
	}
	return "internal"
}
