package provider

import (
	"fmt"
	"log/slog"

	"github.com/crmsync/calendarsync/internal/model"
)

// Constructor builds an unbound Provider instance for a driver. Drivers form
// a closed set registered at startup by the composition root; a descriptor
// naming an unregistered driver is a configuration error, never a code load.
type Constructor func(logger *slog.Logger) Provider

// InstanceFactory turns a descriptor plus an account into a live, bound
// Provider.
type InstanceFactory struct {
	constructors map[string]Constructor
	log          *slog.Logger
}

// NewInstanceFactory creates an empty factory. Drivers are added with
// RegisterDriver before any discovery happens.
func NewInstanceFactory(logger *slog.Logger) *InstanceFactory {
	return &InstanceFactory{
		constructors: make(map[string]Constructor),
		log:          logger,
	}
}

// RegisterDriver binds a driver name to its constructor. Registering the
// same name twice keeps the first registration and logs the attempt.
func (f *InstanceFactory) RegisterDriver(name string, ctor Constructor) {
	if _, exists := f.constructors[name]; exists {
		f.log.Warn("provider driver already registered, keeping first", "driver", name)
		return
	}
	f.constructors[name] = ctor
}

// KnownDriver reports whether a constructor is registered for the name.
func (f *InstanceFactory) KnownDriver(name string) bool {
	_, ok := f.constructors[name]
	return ok
}

// CreateInstance instantiates the provider described by t and binds it to
// the account. A disabled type yields (nil, nil) without touching any
// constructor. All other failure modes return an error the caller records
// against the one account; instance construction failure never aborts a
// whole run.
func (f *InstanceFactory) CreateInstance(t Type, account model.Account) (Provider, error) {
	if !t.Enabled {
		return nil, nil
	}

	ctor, ok := f.constructors[t.Driver]
	if !ok {
		return nil, fmt.Errorf("provider %q: no driver registered for %q", t.Source, t.Driver)
	}

	p := ctor(f.log)
	if p == nil {
		return nil, fmt.Errorf("provider %q: driver %q returned no instance", t.Source, t.Driver)
	}
	if err := p.SetConnection(account); err != nil {
		return nil, fmt.Errorf("provider %q: binding account %q: %w", t.Source, account.ID, err)
	}
	return p, nil
}
