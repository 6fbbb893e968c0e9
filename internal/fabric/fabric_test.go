package fabric

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	cerr "github.com/sensocto/sensocto-go/internal/errors"
)

func TestRegistryRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)

	h1 := &Handle{Namespace: NamespaceSensor, Key: "s1", done: make(chan struct{})}
	got, created, err := r.Register(NamespaceSensor, "s1", h1)
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	if !created || got != h1 {
		t.Fatalf("first register: created=%v handle=%p, want true/%p", created, got, h1)
	}

	h2 := &Handle{Namespace: NamespaceSensor, Key: "s1", done: make(chan struct{})}
	got, created, err = r.Register(NamespaceSensor, "s1", h2)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if created {
		t.Error("second register reported created=true")
	}
	if got != h1 {
		t.Error("second register did not return the existing handle")
	}
}

func TestRegistryCapacityLimit(t *testing.T) {
	r := NewRegistry(map[Namespace]int{NamespaceSensor: 2})

	for _, key := range []string{"s1", "s2"} {
		if _, _, err := r.Register(NamespaceSensor, key, &Handle{Key: key, done: make(chan struct{})}); err != nil {
			t.Fatalf("register %s: %v", key, err)
		}
	}

	_, _, err := r.Register(NamespaceSensor, "s3", &Handle{Key: "s3", done: make(chan struct{})})
	if !errors.Is(err, cerr.ErrCapacityExhausted) {
		t.Errorf("expected capacity exhausted, got %v", err)
	}
}

func TestRegistryResolveNotFound(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Resolve(NamespaceSensor, "missing")
	if !errors.Is(err, cerr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRegistryChildren(t *testing.T) {
	r := NewRegistry(nil)
	for _, key := range []string{"s1", "s2", "s3"} {
		r.Register(NamespaceSensor, key, &Handle{Key: key, done: make(chan struct{})})
	}
	r.Unregister(NamespaceSensor, "s2")

	children := r.Children(NamespaceSensor)
	if len(children) != 2 {
		t.Fatalf("children count = %d, want 2", len(children))
	}
	if r.Count(NamespaceSensor) != 2 {
		t.Errorf("count = %d, want 2", r.Count(NamespaceSensor))
	}
}

func TestRegistryMailboxDepth(t *testing.T) {
	r := NewRegistry(nil)
	h := &Handle{Key: "s1", done: make(chan struct{})}
	h.SetMailboxProbe(func() int { return 42 })
	r.Register(NamespaceSensor, "s1", h)

	h2 := &Handle{Key: "s2", done: make(chan struct{})}
	h2.SetMailboxProbe(func() int { return 7 })
	r.Register(NamespaceSensor, "s2", h2)

	if got := r.MaxMailboxDepth(); got != 42 {
		t.Errorf("max mailbox depth = %d, want 42", got)
	}
}

func TestSupervisorRestartsCrashedWorker(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := Supervise(ctx, "w1", "domain", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("boom")
		}
		<-ctx.Done()
		return nil
	}, nil)

	deadline := time.After(2 * time.Second)
	for runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("worker restarted %d times, want 2 runs", runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-s.Done()
}

func TestSupervisorDropsAfterRestartStorm(t *testing.T) {
	var dropped atomic.Bool
	var stormErr error
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := Supervise(ctx, "w1", "domain", func(ctx context.Context) error {
		return errors.New("always failing")
	}, func(err error) {
		stormErr = err
		dropped.Store(true)
	})

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not give up")
	}

	if !dropped.Load() {
		t.Fatal("onDrop was not called")
	}
	var ce *cerr.CoreError
	if !errors.As(stormErr, &ce) || ce.Code != cerr.CodeRestartStorm {
		t.Errorf("expected restart storm fault, got %v", stormErr)
	}
}

func TestSupervisorRecoversPanics(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := Supervise(ctx, "w1", "domain", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("bad measurement")
		}
		<-ctx.Done()
		return nil
	}, nil)

	deadline := time.After(2 * time.Second)
	for runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("worker was not restarted after panic")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-s.Done()
}

func TestSupervisorCleanExitDoesNotRestart(t *testing.T) {
	var runs atomic.Int32
	ctx := context.Background()

	s := Supervise(ctx, "w1", "domain", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, nil)

	<-s.Done()
	time.Sleep(20 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Errorf("worker ran %d times after clean exit, want 1", got)
	}
}

func TestTreeStartsDomainsInOrder(t *testing.T) {
	var order []string
	tree := NewTree(context.Background())

	tree.Add(DomainDomain, Service{Name: "sensors", Start: func(ctx context.Context) error {
		order = append(order, "sensors")
		return nil
	}})
	tree.Add(DomainInfrastructure, Service{Name: "bus", Start: func(ctx context.Context) error {
		order = append(order, "bus")
		return nil
	}})
	tree.Add(DomainRegistries, Service{Name: "attention", Start: func(ctx context.Context) error {
		order = append(order, "attention")
		return nil
	}})
	tree.Add(DomainStorage, Service{Name: "rooms", Start: func(ctx context.Context) error {
		order = append(order, "rooms")
		return nil
	}})

	if err := tree.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tree.Stop()

	want := []string{"bus", "attention", "rooms", "sensors"}
	if len(order) != len(want) {
		t.Fatalf("started %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("startup order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestTreeRestartFromRestartsDownstream(t *testing.T) {
	var registriesStarts, domainStarts, infraStarts atomic.Int32
	tree := NewTree(context.Background())

	tree.Add(DomainInfrastructure, Service{Name: "bus", Start: func(ctx context.Context) error {
		infraStarts.Add(1)
		return nil
	}})
	tree.Add(DomainRegistries, Service{Name: "attention", Start: func(ctx context.Context) error {
		registriesStarts.Add(1)
		return nil
	}})
	tree.Add(DomainDomain, Service{Name: "sensors", Start: func(ctx context.Context) error {
		domainStarts.Add(1)
		return nil
	}})

	if err := tree.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tree.Stop()

	if err := tree.RestartFrom(DomainRegistries); err != nil {
		t.Fatalf("restart: %v", err)
	}

	if got := infraStarts.Load(); got != 1 {
		t.Errorf("infrastructure started %d times, want 1", got)
	}
	if got := registriesStarts.Load(); got != 2 {
		t.Errorf("registries started %d times, want 2", got)
	}
	if got := domainStarts.Load(); got != 2 {
		t.Errorf("domain started %d times, want 2", got)
	}
}

func TestTreeStartFailureTearsDown(t *testing.T) {
	var stopped atomic.Bool
	tree := NewTree(context.Background())

	tree.Add(DomainInfrastructure, Service{
		Name:  "bus",
		Start: func(ctx context.Context) error { return nil },
		Stop:  func() { stopped.Store(true) },
	})
	tree.Add(DomainRegistries, Service{Name: "attention", Start: func(ctx context.Context) error {
		return errors.New("bind failure")
	}})

	if err := tree.Start(); err == nil {
		t.Fatal("expected start error")
	}
	if !stopped.Load() {
		t.Error("infrastructure service was not stopped after start failure")
	}
}
