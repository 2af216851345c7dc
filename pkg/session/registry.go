package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/bondcast/pkg/transports"
)

// Registry tracks live sessions by id. It is the process drainer: once
// draining, the manager refuses new calls.
type Registry struct {
	sessions sync.Map
	count    atomic.Int64
	draining atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers s and removes it again when it closes.
func (r *Registry) Add(s *CallSession) {
	if _, loaded := r.sessions.LoadOrStore(s.ID(), s); loaded {
		return
	}
	r.count.Add(1)
	go func() {
		<-s.Done()
		r.Remove(s.ID())
	}()
}

func (r *Registry) Get(id string) (*CallSession, bool) {
	if v, ok := r.sessions.Load(id); ok {
		return v.(*CallSession), true
	}
	return nil, false
}

func (r *Registry) Remove(id string) {
	if _, ok := r.sessions.LoadAndDelete(id); ok {
		r.count.Add(-1)
	}
}

// CloseAll closes every live session with a normal close.
func (r *Registry) CloseAll(reason string) {
	r.sessions.Range(func(_, value any) bool {
		value.(*CallSession).Close(transports.CloseNormal, reason)
		return true
	})
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Drain stops new calls and closes the live ones. It implements
// runner.Drainer.
func (r *Registry) Drain() error {
	r.SetDraining(true)
	r.CloseAll("server_shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !r.WaitForEmpty(ctx, 50*time.Millisecond) {
		return context.DeadlineExceeded
	}
	return nil
}
