package provider

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/crmsync/calendarsync/internal/model"
)

// Registry holds the discovered provider descriptors and resolves accounts
// to provider instances. Descriptors are discovered once at construction and
// the resulting map is read-only afterwards, so concurrent account workers
// may query it without locking.
//
// The registry is owned by the composition root and injected where needed;
// its lifetime is the process.
type Registry struct {
	types   map[string]Type
	order   []string
	factory *InstanceFactory

	// internalCtor builds the always-available internal CRM provider,
	// which needs no discovery.
	internalCtor Constructor

	log *slog.Logger
}

// descriptorFile is the YAML shape of one descriptor file: source key →
// descriptor entry.
type descriptorFile map[string]map[string]any

// NewRegistry discovers provider descriptors from the given roots (base
// first, then overrides) and returns the populated registry. A malformed
// file or entry is logged and skipped; it never blocks discovery of the
// rest. For the same source key, the first registration wins.
func NewRegistry(factory *InstanceFactory, internalCtor Constructor, roots []string, logger *slog.Logger) *Registry {
	r := &Registry{
		types:        make(map[string]Type),
		factory:      factory,
		internalCtor: internalCtor,
		log:          logger,
	}
	r.discover(roots)
	return r
}

func (r *Registry) discover(roots []string) {
	for _, root := range roots {
		files, err := descriptorFiles(root)
		if err != nil {
			r.log.Warn("skipping provider descriptor root", "root", root, "error", err)
			continue
		}
		for _, path := range files {
			r.loadFile(path)
		}
	}
	sort.Strings(r.order)
}

// descriptorFiles lists the YAML files under root in a stable order. A
// missing root is not an error: the override root usually does not exist.
func descriptorFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%q is not a directory", root)
	}

	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(root, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}

func (r *Registry) loadFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		r.log.Error("reading provider descriptor file", "path", path, "error", err)
		return
	}

	var entries descriptorFile
	if err := yaml.Unmarshal(data, &entries); err != nil {
		r.log.Error("parsing provider descriptor file", "path", path, "error", err)
		return
	}

	// Stable entry order within a file.
	sources := make([]string, 0, len(entries))
	for source := range entries {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	for _, source := range sources {
		if _, exists := r.types[source]; exists {
			r.log.Debug("provider source already registered, keeping first",
				"source", source, "path", path)
			continue
		}
		t, err := TypeFromMap(source, entries[source])
		if err != nil {
			r.log.Error("invalid provider descriptor entry", "path", path, "error", err)
			continue
		}
		if !r.factory.KnownDriver(t.Driver) {
			r.log.Error("provider descriptor names unregistered driver",
				"source", source, "driver", t.Driver, "path", path)
			continue
		}
		r.types[source] = t
		r.order = append(r.order, source)
	}
}

// FindAll returns every discovered descriptor in stable source order.
func (r *Registry) FindAll() []Type {
	out := make([]Type, 0, len(r.order))
	for _, source := range r.order {
		out = append(out, r.types[source])
	}
	return out
}

// FindEnabled returns the enabled descriptors in stable source order.
func (r *Registry) FindEnabled() []Type {
	var out []Type
	for _, source := range r.order {
		if t := r.types[source]; t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// FindBySource looks up one descriptor by its source key.
func (r *Registry) FindBySource(source string) (Type, bool) {
	t, ok := r.types[source]
	return t, ok
}

// Exists reports whether a descriptor is registered for the source.
func (r *Registry) Exists(source string) bool {
	_, ok := r.types[source]
	return ok
}

// AuthMethodForSource returns the auth method declared by the source's
// descriptor.
func (r *Registry) AuthMethodForSource(source string) (string, bool) {
	t, ok := r.types[source]
	if !ok {
		return "", false
	}
	return t.AuthMethod, true
}

// ProviderForAccount resolves the account's declared source to a descriptor
// and instantiates it in one step. Every failure mode (unknown source,
// disabled type, construction or binding error) comes back as an error the
// caller records against this one account before moving on.
func (r *Registry) ProviderForAccount(account model.Account) (Provider, error) {
	t, ok := r.types[account.Source]
	if !ok {
		return nil, fmt.Errorf("account %q: unknown provider source %q", account.ID, account.Source)
	}
	p, err := r.factory.CreateInstance(t, account)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("account %q: provider %q is disabled", account.ID, account.Source)
	}
	return p, nil
}

// InternalProviderForAccount returns the internal CRM calendar provider
// bound to the account. The internal provider needs no discovery and its
// binding cannot fail.
func (r *Registry) InternalProviderForAccount(account model.Account) Provider {
	p := r.internalCtor(r.log)
	_ = p.SetConnection(account)
	return p
}
