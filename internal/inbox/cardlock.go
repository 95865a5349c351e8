package inbox

import (
	"context"
	"sync"
)

// cardLocks hands out one lock per card id. Holders of a card's lock are the
// only ones allowed to push that card to Anki.
type cardLocks struct {
	mu    sync.Mutex
	locks map[string]*cardLock
}

type cardLock struct {
	sem  chan struct{}
	refs int
}

// acquire blocks until the lock for id is held or ctx is done. The returned
// func releases it.
func (l *cardLocks) acquire(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*cardLock)
	}
	cl, ok := l.locks[id]
	if !ok {
		cl = &cardLock{sem: make(chan struct{}, 1)}
		l.locks[id] = cl
	}
	cl.refs++
	l.mu.Unlock()

	select {
	case cl.sem <- struct{}{}:
		return func() {
			<-cl.sem
			l.drop(id, cl)
		}, nil
	case <-ctx.Done():
		l.drop(id, cl)
		return nil, ctx.Err()
	}
}

func (l *cardLocks) drop(id string, cl *cardLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl.refs--
	if cl.refs == 0 {
		delete(l.locks, id)
	}
}

func (l *cardLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
