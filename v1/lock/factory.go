package lock

import "time"

// Factory creates locks on a shared store with a common set of options.
type Factory struct {
	store Store
	opts  []Option
}

// NewFactory returns a Factory creating locks on store. The options apply to
// every lock it creates, before the options passed to New.
func NewFactory(store Store, opts ...Option) *Factory {
	return &Factory{store: store, opts: opts}
}

// Store returns the store the factory creates locks on.
func (f *Factory) Store() Store { return f.store }

// New returns a new lock for name with a freshly generated owner token.
func (f *Factory) New(name string, hold time.Duration, opts ...Option) (*Lock, error) {
	all := make([]Option, 0, len(f.opts)+len(opts))
	all = append(all, f.opts...)
	all = append(all, opts...)
	return New(f.store, name, hold, all...)
}

// Restore returns a lock bound to an owner token obtained earlier, e.g. from
// Owner in another process, so that it can be released or refreshed here.
func (f *Factory) Restore(name string, hold time.Duration, owner string, opts ...Option) (*Lock, error) {
	return f.New(name, hold, append(opts, WithOwner(owner))...)
}
