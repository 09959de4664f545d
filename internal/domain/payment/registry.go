package payment

import (
	"sort"
	"strings"

	"github.com/go-faster/errors"
)

// ErrUnknownGateway is returned when no gateway is registered under a name.
var ErrUnknownGateway = errors.New("unknown payment gateway")

// Option describes a gateway as offered to the customer.
type Option struct {
	Name      string
	Flow      Flow
	Available bool
}

// Registry holds the gateways offered at checkout, keyed by name.
type Registry struct {
	gateways map[string]Gateway
}

// NewRegistry builds a Registry. Names are matched case-insensitively and
// must be unique.
func NewRegistry(gateways ...Gateway) (*Registry, error) {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		if g == nil {
			return nil, errors.New("nil gateway")
		}
		key := normalizeName(g.Name())
		if key == "" {
			return nil, errors.New("gateway with empty name")
		}
		if _, dup := r.gateways[key]; dup {
			return nil, errors.Errorf("duplicate gateway %q", key)
		}
		r.gateways[key] = g
	}
	return r, nil
}

// Lookup returns the named gateway if it exists and is available.
func (r *Registry) Lookup(name string) (Gateway, error) {
	g, ok := r.gateways[normalizeName(name)]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownGateway, "gateway %q", name)
	}
	if !g.Available() {
		return nil, errors.Wrapf(ErrGatewayUnavailable, "gateway %q", g.Name())
	}
	return g, nil
}

// Options lists all registered gateways sorted by name, including
// unavailable ones so clients can render them disabled.
func (r *Registry) Options() []Option {
	out := make([]Option, 0, len(r.gateways))
	for _, g := range r.gateways {
		out = append(out, Option{Name: g.Name(), Flow: g.Flow(), Available: g.Available()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
