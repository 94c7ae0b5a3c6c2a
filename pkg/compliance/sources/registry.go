package sources

import (
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/record"
)

// Adapter keys.
const (
	KeyFIPS  = "fips"
	KeyACVP  = "acvp"
	KeyCC    = "cc"
	KeyBSI   = "bsi"
	KeyANSSI = "anssi"
)

// Registry holds adapters by key in registration order.
type Registry struct {
	order  []Adapter
	byKey  map[string]Adapter
	detail *DetailFetcher
}

// NewRegistry fails on duplicate keys.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{byKey: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if _, dup := r.byKey[a.Key()]; dup {
			return nil, fmt.Errorf("duplicate adapter key %q", a.Key())
		}
		r.byKey[a.Key()] = a
		r.order = append(r.order, a)
	}
	return r, nil
}

// Detail returns the shared detail page fetcher, nil unless the registry was
// built by NewDefaultRegistry.
func (r *Registry) Detail() *DetailFetcher { return r.detail }

func (r *Registry) Get(key string) (Adapter, bool) {
	a, ok := r.byKey[key]
	return a, ok
}

// All returns the adapters in registration order.
func (r *Registry) All() []Adapter {
	return append([]Adapter(nil), r.order...)
}

// Keys returns the registered keys, sorted.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Select returns the adapters for keys, in the given order.
func (r *Registry) Select(keys ...string) ([]Adapter, error) {
	out := make([]Adapter, 0, len(keys))
	for _, k := range keys {
		a, ok := r.byKey[k]
		if !ok {
			return nil, fmt.Errorf("unknown source %q", k)
		}
		out = append(out, a)
	}
	return out, nil
}

// NewDefaultRegistry wires every known authority. overrides is keyed by
// adapter key; the "detail" entry configures detail page fetching. When deep
// is set the NIST adapters resolve coverage through detail pages while
// listing.
func NewDefaultRegistry(overrides map[string]Options, deep bool) *Registry {
	opt := func(key string) Options {
		o := overrides[key]
		o.Deep = o.Deep || deep
		return o
	}
	detail := NewDetailFetcher(DetailOptions{Options: overrides["detail"]})
	cc := NewCommonCriteriaAdapter(opt(KeyCC))

	r, err := NewRegistry(
		NewFIPSAdapter(opt(KeyFIPS), detail),
		NewACVPAdapter(opt(KeyACVP), detail),
		cc,
		NewSchemeAdapter(KeyBSI, "DE", cc),
		NewSchemeAdapter(KeyANSSI, "FR", cc, record.SourceANSSI),
	)
	if err != nil {
		panic(err) // keys above are constants
	}
	r.detail = detail
	return r
}
