package sync

import (
	"context"
	"fmt"
	"sort"
	stdsync "sync"
	"time"

	"github.com/crmsync/calendarsync/internal/model"
	"github.com/crmsync/calendarsync/internal/provider"
	"github.com/crmsync/calendarsync/internal/settings"
	"github.com/crmsync/calendarsync/internal/window"
)

// --- Mock calendar ------------------------------------------------------------

// mockCalendar is an in-memory provider used for both sides of the pair.
// idPrefix controls the ids it assigns on create.
type mockCalendar struct {
	mu       stdsync.Mutex
	idPrefix string
	events   map[string]*model.Event
	nextID   int

	createErr error
	updateErr error
	deleteErr error
	listErr   error

	creates int
	updates int
	deletes int
}

func newMockCalendar(idPrefix string, events ...*model.Event) *mockCalendar {
	m := &mockCalendar{idPrefix: idPrefix, events: make(map[string]*model.Event)}
	for _, ev := range events {
		m.events[ev.ID] = ev
	}
	return m
}

func (m *mockCalendar) SetConnection(model.Account) error { return nil }

func (m *mockCalendar) ListEvents(_ context.Context, w window.Window) ([]*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*model.Event
	for _, ev := range m.events {
		if w.Contains(ev.Start) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if w.Limit > 0 && len(out) > w.Limit {
		out = out[:w.Limit]
	}
	return out, nil
}

func (m *mockCalendar) CreateEvent(_ context.Context, ev *model.Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return "", m.createErr
	}
	m.nextID++
	m.creates++
	id := fmt.Sprintf("%s-%d", m.idPrefix, m.nextID)
	stored := model.New(model.Fields{
		ID:            id,
		LinkedEventID: ev.LinkedEventID,
		AccountID:     ev.AccountID,
		Name:          ev.Name,
		Description:   ev.Description,
		Location:      ev.Location,
		Type:          ev.Type,
		Start:         ev.Start,
		End:           ev.End,
		Modified:      ev.Modified,
		External:      ev.External,
	})
	m.events[id] = stored
	return id, nil
}

func (m *mockCalendar) UpdateEvent(_ context.Context, id string, ev *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updateErr != nil {
		return m.updateErr
	}
	existing, ok := m.events[id]
	if !ok {
		return fmt.Errorf("event %q not found", id)
	}
	m.updates++
	m.events[id] = model.New(model.Fields{
		ID:            id,
		LinkedEventID: existing.LinkedEventID,
		AccountID:     existing.AccountID,
		Name:          ev.Name,
		Description:   ev.Description,
		Location:      ev.Location,
		Type:          ev.Type,
		Start:         ev.Start,
		End:           ev.End,
		Modified:      ev.Modified,
		LastSync:      existing.LastSync,
		External:      existing.External,
	})
	return nil
}

func (m *mockCalendar) DeleteEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.events[id]; !ok {
		return fmt.Errorf("event %q not found", id)
	}
	m.deletes++
	delete(m.events, id)
	return nil
}

func (m *mockCalendar) TestConnection(context.Context) provider.TestResult {
	return provider.TestResult{Success: true}
}

func (m *mockCalendar) get(id string) *model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[id]
}

func (m *mockCalendar) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// setLinkage rewrites an event's linkage metadata in place, mimicking what
// the persistence layer does after a confirmed remote write.
func (m *mockCalendar) setLinkage(id, linkedID string, lastSync time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return fmt.Errorf("event %q not found", id)
	}
	m.events[id] = model.New(model.Fields{
		ID:            id,
		LinkedEventID: linkedID,
		AccountID:     ev.AccountID,
		Name:          ev.Name,
		Description:   ev.Description,
		Location:      ev.Location,
		Type:          ev.Type,
		Start:         ev.Start,
		End:           ev.End,
		Modified:      ev.Modified,
		LastSync:      lastSync,
		External:      ev.External,
	})
	return nil
}

// --- Mock resolver ------------------------------------------------------------

type mockResolver struct {
	internal   provider.Provider
	external   provider.Provider
	resolveErr error
}

func (m *mockResolver) ProviderForAccount(model.Account) (provider.Provider, error) {
	if m.resolveErr != nil {
		return nil, m.resolveErr
	}
	return m.external, nil
}

func (m *mockResolver) InternalProviderForAccount(model.Account) provider.Provider {
	return m.internal
}

// --- Mock account source ------------------------------------------------------

type mockAccounts struct {
	accounts []model.Account
}

func (m *mockAccounts) EnabledAccounts(_ context.Context, limit int) ([]model.Account, error) {
	if limit > 0 && len(m.accounts) > limit {
		return m.accounts[:limit], nil
	}
	return m.accounts, nil
}

// --- Mock linkage store -------------------------------------------------------

// mockLinkage records linkage writes against the internal calendar so that a
// follow-up pass sees the updated pairing.
type mockLinkage struct {
	mu       stdsync.Mutex
	internal *mockCalendar
	writes   int
	saveErr  error
}

func (m *mockLinkage) SaveLinkage(_ context.Context, eventID, linkedEventID string, lastSync time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return m.saveErr
	}
	m.writes++
	return m.internal.setLinkage(eventID, linkedEventID, lastSync)
}

func (m *mockLinkage) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// --- Mock settings source -----------------------------------------------------

type mockSettings struct {
	cfg           settings.Settings
	err           error
	invalidations int
}

func (m *mockSettings) Load(context.Context) (settings.Settings, error) {
	return m.cfg, m.err
}

func (m *mockSettings) Invalidate() {
	m.invalidations++
}

// kvSettingsStore is an in-memory settings.Store, mutable from outside the
// manager the way an operator edit of the settings table is.
type kvSettingsStore struct {
	mu     stdsync.Mutex
	values map[string]string
}

func newKVSettingsStore(values map[string]string) *kvSettingsStore {
	s := &kvSettingsStore{values: make(map[string]string)}
	for k, v := range values {
		s.values[k] = v
	}
	return s
}

func (s *kvSettingsStore) LoadSettings(context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out, nil
}

func (s *kvSettingsStore) SaveSettings(_ context.Context, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]string, len(values))
	for k, v := range values {
		s.values[k] = v
	}
	return nil
}

func (s *kvSettingsStore) set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}
