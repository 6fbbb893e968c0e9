package fabric

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Domain names the four blast-radius groups, started in order. A crash that
// exhausts the budget inside Infrastructure restarts every later domain too,
// because losing the bus invalidates downstream subscriptions.
type Domain string

const (
	DomainInfrastructure Domain = "infrastructure"
	DomainRegistries     Domain = "registries"
	DomainStorage        Domain = "storage"
	DomainDomain         Domain = "domain"
)

// domainOrder fixes the startup (and restart) ordering.
var domainOrder = []Domain{DomainInfrastructure, DomainRegistries, DomainStorage, DomainDomain}

// Service is one supervised member of a domain. Start is called on every
// (re)start of its domain and must spawn the service's workers against ctx.
type Service struct {
	Name  string
	Start func(ctx context.Context) error
	Stop  func()
}

// Tree is the node's supervision tree.
type Tree struct {
	mu       sync.Mutex
	services map[Domain][]Service
	cancels  map[Domain]context.CancelFunc
	root     context.Context
	started  bool
}

// NewTree creates an empty tree rooted at ctx.
func NewTree(ctx context.Context) *Tree {
	return &Tree{
		services: make(map[Domain][]Service),
		cancels:  make(map[Domain]context.CancelFunc),
		root:     ctx,
	}
}

// Add registers a service in a domain. Must be called before Start.
func (t *Tree) Add(d Domain, svc Service) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.services[d] = append(t.services[d], svc)
}

// Start brings the domains up in order. The first service error aborts
// startup and tears down what already started.
func (t *Tree) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, d := range domainOrder {
		if err := t.startDomainLocked(d); err != nil {
			t.stopFromLocked(DomainInfrastructure)
			return err
		}
	}
	t.started = true
	return nil
}

// RestartFrom tears down the given domain and everything after it, then
// starts them again in order. Infrastructure loss calls RestartFrom with
// DomainRegistries after re-establishing the bus.
func (t *Tree) RestartFrom(d Domain) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		return nil
	}
	log.Warn().Str("domain", string(d)).Msg("Restarting supervision subtree")
	t.stopFromLocked(d)

	idx := domainIndex(d)
	for _, dom := range domainOrder[idx:] {
		if err := t.startDomainLocked(dom); err != nil {
			return err
		}
	}
	return nil
}

// Stop tears the whole tree down, leaves first is not needed here: stopping
// from infrastructure cancels every domain context in reverse order.
func (t *Tree) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopFromLocked(DomainInfrastructure)
	t.started = false
}

func (t *Tree) startDomainLocked(d Domain) error {
	ctx, cancel := context.WithCancel(t.root)
	t.cancels[d] = cancel

	for _, svc := range t.services[d] {
		if err := svc.Start(ctx); err != nil {
			log.Error().Err(err).Str("service", svc.Name).Str("domain", string(d)).
				Msg("Service failed to start")
			cancel()
			return err
		}
		log.Debug().Str("service", svc.Name).Str("domain", string(d)).Msg("Service started")
	}
	return nil
}

// stopFromLocked stops domain d and all later domains, in reverse order so
// dependents go first.
func (t *Tree) stopFromLocked(d Domain) {
	idx := domainIndex(d)
	for i := len(domainOrder) - 1; i >= idx; i-- {
		dom := domainOrder[i]
		if cancel, ok := t.cancels[dom]; ok {
			cancel()
			delete(t.cancels, dom)
		}
		for _, svc := range t.services[dom] {
			if svc.Stop != nil {
				svc.Stop()
			}
		}
	}
}

func domainIndex(d Domain) int {
	for i, dom := range domainOrder {
		if dom == d {
			return i
		}
	}
	return 0
}
