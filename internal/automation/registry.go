package automation

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vietddude/ticketbot/internal/core/domain"
	"github.com/vietddude/ticketbot/internal/recovery"
)

// Registry maps website names to automation families and families to the
// Attempter that drives them.
type Registry struct {
	mu       sync.RWMutex
	families map[string]recovery.Attempter
	websites map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		families: make(map[string]recovery.Attempter),
		websites: make(map[string]string),
	}
}

// Register adds (or replaces) the attempter for a family and maps the given
// websites to it.
func (r *Registry) Register(family string, attempter recovery.Attempter, websites ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[family] = attempter
	for _, w := range websites {
		r.websites[w] = family
	}
}

// Family returns the family a website belongs to.
func (r *Registry) Family(website string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	family, ok := r.websites[website]
	if !ok {
		return "", false
	}
	_, ok = r.families[family]
	return family, ok
}

// Supports reports whether a website maps to a registered family.
func (r *Registry) Supports(website string) bool {
	_, ok := r.Family(website)
	return ok
}

// Lookup returns the attempter for a website.
func (r *Registry) Lookup(website string) (recovery.Attempter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	family, ok := r.websites[website]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedWebsite, website)
	}
	attempter, ok := r.families[family]
	if !ok {
		return nil, fmt.Errorf("%w: %s (family %s not registered)", domain.ErrUnsupportedWebsite, website, family)
	}
	return attempter, nil
}

// Websites returns all mapped website names, sorted.
func (r *Registry) Websites() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.websites))
	for w := range r.websites {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// Health returns the health of every family whose attempter reports it.
func (r *Registry) Health() map[string]RunnerHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]RunnerHealth)
	for family, a := range r.families {
		if hr, ok := a.(interface{ Health() RunnerHealth }); ok {
			out[family] = hr.Health()
		}
	}
	return out
}
