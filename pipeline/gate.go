package pipeline

import (
	"context"
	"sync"
)

// Gate serializes work per key. Different keys never block each other.
type Gate struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	sem  chan struct{}
	refs int
}

// NewGate returns an empty gate.
func NewGate() *Gate {
	return &Gate{lanes: make(map[string]*lane)}
}

// Acquire blocks until key is free or ctx is done. The returned release
// must be called exactly once.
func (g *Gate) Acquire(ctx context.Context, key string) (func(), error) {
	g.mu.Lock()
	l, ok := g.lanes[key]
	if !ok {
		l = &lane{sem: make(chan struct{}, 1)}
		g.lanes[key] = l
	}
	l.refs++
	g.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		g.drop(key, l)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			g.drop(key, l)
		})
	}, nil
}

func (g *Gate) drop(key string, l *lane) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(g.lanes, key)
	}
}

// Len reports how many keys are held or waited on.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.lanes)
}
