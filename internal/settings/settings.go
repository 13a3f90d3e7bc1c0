// Package settings manages the persisted sync configuration: batch caps,
// window size, conflict policy, and deletion flags. Values are stored as a
// flat key→string snapshot in the store and coerced into a typed Settings
// struct once per load; bad or missing values fall back to the built-in
// defaults rather than failing the run.
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Setting keys as persisted in the snapshot.
const (
	KeyRunAsync              = "run_async"
	KeyMaxAccountsPerSync    = "max_accounts_per_sync"
	KeyMaxOpsPerAccount      = "max_operations_per_account"
	KeySyncWindowPastDays    = "sync_window_past_days"
	KeySyncWindowFutureDays  = "sync_window_future_days"
	KeyConflictResolution    = "conflict_resolution"
	KeyAllowInternalDeletion = "allow_internal_event_deletion"
	KeyAllowExternalDeletion = "allow_external_event_deletion"
	KeyLogicHooksEnabled     = "logic_hooks_enabled"
	KeyExternalCalendarName  = "external_calendar_name"
	KeyLastManualRunTime     = "last_manual_run_time"
)

// ConflictTimestamp resolves conflicts in favour of the side with the more
// recent modification time. It is the only policy currently implemented and
// the fallback for unrecognised values.
const ConflictTimestamp = "timestamp"

// conflictPolicies is the closed set of accepted policy names.
var conflictPolicies = map[string]bool{
	ConflictTimestamp: true,
}

// Settings is the typed view of the persisted snapshot.
type Settings struct {
	RunAsync                   bool
	MaxAccountsPerSync         int
	MaxOperationsPerAccount    int
	SyncWindowPastDays         int
	SyncWindowFutureDays       int
	ConflictResolution         string
	AllowInternalEventDeletion bool
	AllowExternalEventDeletion bool
	LogicHooksEnabled          bool
	ExternalCalendarName       string
	LastManualRun              time.Time
}

// Defaults returns the built-in settings used when no override is stored.
func Defaults() Settings {
	return Settings{
		RunAsync:                   false,
		MaxAccountsPerSync:         30,
		MaxOperationsPerAccount:    100,
		SyncWindowPastDays:         30,
		SyncWindowFutureDays:       90,
		ConflictResolution:         ConflictTimestamp,
		AllowInternalEventDeletion: false,
		AllowExternalEventDeletion: false,
		LogicHooksEnabled:          true,
		ExternalCalendarName:       "External Calendar",
	}
}

// FromMap coerces a stored snapshot into typed settings. Each field falls
// back to its default when the stored value is absent or fails coercion;
// failures are logged, never returned.
func FromMap(values map[string]string, logger *slog.Logger) Settings {
	s := Defaults()
	if logger == nil {
		logger = slog.Default()
	}

	s.RunAsync = coerceBool(values, KeyRunAsync, s.RunAsync, logger)
	s.MaxAccountsPerSync = coerceInt(values, KeyMaxAccountsPerSync, s.MaxAccountsPerSync, logger)
	s.MaxOperationsPerAccount = coerceInt(values, KeyMaxOpsPerAccount, s.MaxOperationsPerAccount, logger)
	s.SyncWindowPastDays = coerceInt(values, KeySyncWindowPastDays, s.SyncWindowPastDays, logger)
	s.SyncWindowFutureDays = coerceInt(values, KeySyncWindowFutureDays, s.SyncWindowFutureDays, logger)
	s.AllowInternalEventDeletion = coerceBool(values, KeyAllowInternalDeletion, s.AllowInternalEventDeletion, logger)
	s.AllowExternalEventDeletion = coerceBool(values, KeyAllowExternalDeletion, s.AllowExternalEventDeletion, logger)
	s.LogicHooksEnabled = coerceBool(values, KeyLogicHooksEnabled, s.LogicHooksEnabled, logger)

	if v, ok := values[KeyExternalCalendarName]; ok && strings.TrimSpace(v) != "" {
		s.ExternalCalendarName = v
	}

	if v, ok := values[KeyConflictResolution]; ok {
		policy := strings.ToLower(strings.TrimSpace(v))
		if conflictPolicies[policy] {
			s.ConflictResolution = policy
		} else {
			logger.Warn("unrecognised conflict policy, using default",
				"value", v, "default", s.ConflictResolution)
		}
	}

	if v, ok := values[KeyLastManualRunTime]; ok && v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			s.LastManualRun = t
		} else {
			logger.Warn("unparseable last manual run time", "value", v)
		}
	}

	return s
}

// ToMap renders the settings back into the snapshot form. The snapshot is
// always complete: Set persists every key, not just the changed one.
func (s Settings) ToMap() map[string]string {
	m := map[string]string{
		KeyRunAsync:              strconv.FormatBool(s.RunAsync),
		KeyMaxAccountsPerSync:    strconv.Itoa(s.MaxAccountsPerSync),
		KeyMaxOpsPerAccount:      strconv.Itoa(s.MaxOperationsPerAccount),
		KeySyncWindowPastDays:    strconv.Itoa(s.SyncWindowPastDays),
		KeySyncWindowFutureDays:  strconv.Itoa(s.SyncWindowFutureDays),
		KeyConflictResolution:    s.ConflictResolution,
		KeyAllowInternalDeletion: strconv.FormatBool(s.AllowInternalEventDeletion),
		KeyAllowExternalDeletion: strconv.FormatBool(s.AllowExternalEventDeletion),
		KeyLogicHooksEnabled:     strconv.FormatBool(s.LogicHooksEnabled),
		KeyExternalCalendarName:  s.ExternalCalendarName,
	}
	if !s.LastManualRun.IsZero() {
		m[KeyLastManualRunTime] = s.LastManualRun.UTC().Format(time.RFC3339)
	}
	return m
}

func coerceBool(values map[string]string, key string, fallback bool, logger *slog.Logger) bool {
	v, ok := values[key]
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off", "":
		return false
	default:
		logger.Warn("unparseable boolean setting", "key", key, "value", v)
		return fallback
	}
}

func coerceInt(values map[string]string, key string, fallback int, logger *slog.Logger) int {
	v, ok := values[key]
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		logger.Warn("unparseable integer setting", "key", key, "value", v)
		return fallback
	}
	return n
}

// Store is the persistence surface the manager needs. Implemented by
// [store.Store].
type Store interface {
	LoadSettings(ctx context.Context) (map[string]string, error)
	SaveSettings(ctx context.Context, values map[string]string) error
}

// Manager loads settings on demand and caches the typed struct for the
// duration of a run. Set persists a full merged snapshot and invalidates the
// cache, so the next Load observes the change.
type Manager struct {
	store Store
	log   *slog.Logger

	mu     sync.Mutex
	cached *Settings
}

// NewManager creates a Manager over the given store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{store: store, log: logger}
}

// Load returns the current settings, reading the snapshot from the store on
// first use and serving the cached struct afterwards.
func (m *Manager) Load(ctx context.Context) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil {
		return *m.cached, nil
	}

	values, err := m.store.LoadSettings(ctx)
	if err != nil {
		return Settings{}, fmt.Errorf("loading settings snapshot: %w", err)
	}
	s := FromMap(values, m.log)
	m.cached = &s
	return s, nil
}

// Invalidate drops the cached struct so the next Load re-reads the store.
// Called at the top of each scheduled run: config is read fresh per run but
// cached within one.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = nil
}

// Set merges a single key into the current snapshot, persists the full merged
// snapshot, and invalidates the cache.
func (m *Manager) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	values, err := m.store.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("loading settings snapshot: %w", err)
	}
	merged := FromMap(values, m.log).ToMap()
	merged[key] = value

	if err := m.store.SaveSettings(ctx, merged); err != nil {
		return fmt.Errorf("persisting settings snapshot: %w", err)
	}
	m.cached = nil
	return nil
}

// SetLastManualRun records the time of an operator-triggered run, kept
// distinct from scheduled runs for the admin surface.
func (m *Manager) SetLastManualRun(ctx context.Context, t time.Time) error {
	return m.Set(ctx, KeyLastManualRunTime, t.UTC().Format(time.RFC3339))
}
