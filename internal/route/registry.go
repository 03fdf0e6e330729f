package route

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrRouteNotFound = errors.New("route: not found")

// Registry holds the known route descriptors. The engine resolves dial
// endpoints through it when placing campaign calls.
type Registry struct {
	mu     sync.RWMutex
	routes map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{routes: make(map[string]Descriptor)}
}

func (r *Registry) Upsert(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.routes[d.ID] = d
	r.mu.Unlock()
	return nil
}

func (r *Registry) Get(id string) (Descriptor, error) {
	r.mu.RLock()
	d, ok := r.routes[id]
	r.mu.RUnlock()
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrRouteNotFound, id)
	}
	return d, nil
}

func (r *Registry) Delete(id string) {
	r.mu.Lock()
	delete(r.routes, id)
	r.mu.Unlock()
}

// DialEndpoint expands the route's dial template for a destination.
// Satisfies the dispatcher's endpoint resolver.
func (r *Registry) DialEndpoint(ctx context.Context, routeID, number string) (string, error) {
	d, err := r.Get(routeID)
	if err != nil {
		return "", err
	}
	return d.DialEndpoint(number), nil
}
