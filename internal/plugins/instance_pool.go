package plugins

import (
	"context"
	"errors"
	"sync"
)

// InstancePool hands out the instances of one package, one caller at a time each.
// Instances beyond the first are loaded on demand up to the pool size.
type InstancePool struct {
	idle    chan *Instance
	slots   chan struct{}
	factory func(context.Context) (*Instance, error)

	mu     sync.Mutex
	all    []*Instance
	closed bool
}

// NewInstancePool creates a pool of at most size instances seeded with first.
func NewInstancePool(first *Instance, size int, factory func(context.Context) (*Instance, error)) *InstancePool {
	size = max(size, 1)
	p := &InstancePool{
		idle:    make(chan *Instance, size),
		slots:   make(chan struct{}, size),
		factory: factory,
		all:     []*Instance{first},
	}
	p.slots <- struct{}{}
	p.idle <- first

	return p
}

// Get returns an idle instance, loading a new one while below the pool size.
// It blocks until an instance is free or ctx is done.
func (p *InstancePool) Get(ctx context.Context) (*Instance, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}

	select {
	case inst := <-p.idle:
		return inst, nil
	default:
	}

	select {
	case inst := <-p.idle:
		return inst, nil
	case p.slots <- struct{}{}:
		inst, err := p.factory(ctx)
		if err != nil {
			<-p.slots
			return nil, err
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			<-p.slots
			return nil, errors.Join(ErrClosed, inst.Close(ctx))
		}
		p.all = append(p.all, inst)

		return inst, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns an instance to the pool.
func (p *InstancePool) Put(inst *Instance) {
	select {
	case p.idle <- inst:
	default:
		// More puts than gets; the instance is already tracked for Close.
	}
}

// Do runs fn with an instance from the pool.
func (p *InstancePool) Do(ctx context.Context, fn func(*Instance) error) error {
	inst, err := p.Get(ctx)
	if err != nil {
		return err
	}
	defer p.Put(inst)

	return fn(inst)
}

// Size returns the number of loaded instances.
func (p *InstancePool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.all)
}

// Close closes every instance, waiting for in-flight calls.
func (p *InstancePool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	all := p.all
	p.all = nil
	p.mu.Unlock()

	var errs []error
	for _, inst := range all {
		errs = append(errs, inst.Close(ctx))
	}

	return errors.Join(errs...)
}

func (p *InstancePool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closed
}
