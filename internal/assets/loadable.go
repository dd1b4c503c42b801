//go:build unix

package assets

import (
	"fmt"
	"sync"

	"github.com/aledbf/offload/internal/loader"
	"github.com/aledbf/offload/internal/transfer"
)

type subscriber struct {
	id uint64
	fn func(*Loadable)
}

// Loadable is the shared cache entry for one canonical path. It starts in
// StateLoading and settles exactly once into StateReady or StateFailed.
//
// Every successful Cache.Load hands out one reference, which the caller
// gives back with Release.
type Loadable struct {
	cache *Cache
	path  string

	// refs is guarded by cache.mu.
	refs int

	mu      sync.Mutex
	state    State
	released bool
	content  *transfer.Content
	err     error
	loader  *loader.Loader
	subs    []subscriber
	nextSub uint64
}

func newLoadable(c *Cache, path string) *Loadable {
	return &Loadable{
		cache: c,
		path:  path,
		refs:  1,
		state: StateLoading,
	}
}

// Path returns the canonical path the entry was created for.
func (l *Loadable) Path() string {
	return l.path
}

// State returns the current state.
func (l *Loadable) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Content returns the decoded asset once the entry is ready. After the last
// reference is released there is no content, whatever the state.
func (l *Loadable) Content() (*transfer.Content, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateReady || l.released || l.content == nil {
		return nil, false
	}
	return l.content, true
}

// Released reports whether the last reference was dropped. State keeps
// describing how the load ended.
func (l *Loadable) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// Err returns why the entry failed. Consumers treat every failure alike;
// the cause is for logs.
func (l *Loadable) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Subscribe arranges for fn to run once when the entry settles. If it has
// already settled fn runs before Subscribe returns. The returned function
// withdraws a pending subscription.
func (l *Loadable) Subscribe(fn func(*Loadable)) (unsubscribe func()) {
	l.mu.Lock()
	if l.state.Settled() {
		l.mu.Unlock()
		fn(l)
		return func() {}
	}
	l.nextSub++
	id := l.nextSub
	l.subs = append(l.subs, subscriber{id: id, fn: fn})
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, s := range l.subs {
			if s.id == id {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				return
			}
		}
	}
}

// Release drops one reference. Dropping the last one cancels a load still
// in flight, forgets the content and removes the entry from its cache.
func (l *Loadable) Release() {
	c := l.cache
	c.mu.Lock()
	if l.refs <= 0 {
		c.mu.Unlock()
		panic(fmt.Sprintf("assets: release of unreferenced entry %s", l.path))
	}
	l.refs--
	if l.refs > 0 {
		c.mu.Unlock()
		return
	}
	if c.entries[l.path] == l {
		delete(c.entries, l.path)
	}
	c.mu.Unlock()

	l.mu.Lock()
	ldr := l.loader
	l.loader = nil
	if l.state == StateLoading {
		l.state = StateFailed
		l.err = ErrReleased
	}
	l.released = true
	l.content = nil
	l.subs = nil
	l.mu.Unlock()

	if ldr != nil {
		ldr.Cancel()
	}
}

// attach records the loader driving the entry unless it already settled.
func (l *Loadable) attach(ldr *loader.Loader) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateLoading {
		l.loader = ldr
	}
}

// complete is the loader's completion callback.
func (l *Loadable) complete(res loader.Result) {
	if res.OK() {
		l.settle(res.Content, nil)
		return
	}
	l.settle(nil, res.Err)
}

// settle performs the single transition and notifies pending subscribers in
// subscription order, without holding any lock.
func (l *Loadable) settle(content *transfer.Content, err error) {
	l.mu.Lock()
	if l.state != StateLoading {
		l.mu.Unlock()
		return
	}
	if err != nil {
		l.state = StateFailed
		l.err = err
	} else {
		l.state = StateReady
		l.content = content
	}
	l.loader = nil
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()

	for _, s := range subs {
		s.fn(l)
	}
}

// inflight returns the loader still driving the entry, if any.
func (l *Loadable) inflight() *loader.Loader {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loader
}
