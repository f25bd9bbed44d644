// Package memory is a process-local transactional store. It backs the
// service when STORE_DRIVER=memory and is the store used by unit tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/99minutos/auth-service/internal/core/domain"
	"github.com/99minutos/auth-service/internal/core/ports"
)

// Store runs units of work with per-user pessimistic locking. A unit locks a
// user the first time it touches that user or one of the user's tokens or
// sessions, and holds the lock until it commits or rolls back. Writes are
// staged on the unit and applied to the committed state in one short critical
// section, so units for different users run concurrently and the commit cost
// does not depend on how much data the store already holds.
type Store struct {
	mu    sync.RWMutex
	data  *state
	locks *keyLocks
}

var _ ports.UnitOfWork = (*Store)(nil)

// state is the committed data plus the secondary indexes the repositories
// resolve lookups through.
type state struct {
	users          map[string]*domain.User
	emails         map[string]string // live email -> user id
	tokens         map[string]*domain.RefreshToken
	tokenIndex     map[string]string // token string -> token id
	tokensByUser   map[string][]string
	sessions       map[string]*domain.Session
	sessionsByUser map[string][]string
	audit          []domain.AuditLog
}

func NewStore() *Store {
	return &Store{
		data: &state{
			users:          make(map[string]*domain.User),
			emails:         make(map[string]string),
			tokens:         make(map[string]*domain.RefreshToken),
			tokenIndex:     make(map[string]string),
			tokensByUser:   make(map[string][]string),
			sessions:       make(map[string]*domain.Session),
			sessionsByUser: make(map[string][]string),
		},
		locks: newKeyLocks(),
	}
}

// Do implements ports.UnitOfWork.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, tx ports.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := newTx(s)
	defer t.release()

	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(t)
}

func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.data

	// Creates do not take locks, so uniqueness is checked again here.
	for _, u := range t.users {
		if u.Deleted() {
			continue
		}
		if owner, ok := d.emails[u.Email]; ok && owner != u.ID {
			if staged, ok := t.users[owner]; !ok || (!staged.Deleted() && staged.Email == u.Email) {
				return domain.ErrEmailAlreadyRegistered
			}
		}
	}
	for token := range t.tokenIndex {
		if _, ok := d.tokenIndex[token]; ok {
			return domain.ErrDuplicateRefreshToken
		}
	}

	for id, u := range t.users {
		if old, ok := d.users[id]; ok && !old.Deleted() && d.emails[old.Email] == id {
			delete(d.emails, old.Email)
		}
		d.users[id] = u
	}
	for id, u := range t.users {
		if !u.Deleted() {
			d.emails[u.Email] = id
		}
	}
	for id, tok := range t.tokens {
		if _, ok := d.tokens[id]; !ok {
			d.tokensByUser[tok.UserID] = append(d.tokensByUser[tok.UserID], id)
			d.tokenIndex[tok.Token] = id
		}
		d.tokens[id] = tok
	}
	for id, sess := range t.sessions {
		if _, ok := d.sessions[id]; !ok {
			d.sessionsByUser[sess.UserID] = append(d.sessionsByUser[sess.UserID], id)
		}
		d.sessions[id] = sess
	}
	d.audit = append(d.audit, t.audit...)
	return nil
}

// AuditLogs returns a snapshot of committed audit events in append order.
func (s *Store) AuditLogs() []domain.AuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditLog, len(s.data.audit))
	copy(out, s.data.audit)
	return out
}

// User returns a committed copy of the user, including soft-deleted ones.
func (s *Store) User(id string) (*domain.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.data.users[id]
	return u.Clone(), ok
}

// RefreshToken returns a committed copy of the token with the given string.
func (s *Store) RefreshToken(token string) (*domain.RefreshToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.data.tokenIndex[token]
	if !ok {
		return nil, false
	}
	return s.data.tokens[id].Clone(), true
}

// Sessions returns committed copies of every session of userID, newest first.
func (s *Store) Sessions(userID string) []*domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.data.sessionsByUser[userID]
	out := make([]*domain.Session, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.data.sessions[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// tx stages every row it reads for update or writes. Staged rows are owned
// by the unit; committed rows are only ever read through clones.
type tx struct {
	store *Store
	held  map[string]struct{}

	users      map[string]*domain.User
	tokens     map[string]*domain.RefreshToken
	tokenIndex map[string]string // strings issued by this unit
	sessions   map[string]*domain.Session
	audit      []domain.AuditLog
}

func newTx(s *Store) *tx {
	return &tx{
		store:      s,
		held:       make(map[string]struct{}),
		users:      make(map[string]*domain.User),
		tokens:     make(map[string]*domain.RefreshToken),
		tokenIndex: make(map[string]string),
		sessions:   make(map[string]*domain.Session),
	}
}

func (t *tx) Users() ports.UserRepository                 { return userRepo{t} }
func (t *tx) RefreshTokens() ports.RefreshTokenRepository { return tokenRepo{t} }
func (t *tx) Sessions() ports.SessionRepository           { return sessionRepo{t} }
func (t *tx) Audit() ports.AuditRecorder                  { return auditRepo{t} }

// lock acquires the lock of userID once per unit.
func (t *tx) lock(ctx context.Context, userID string) error {
	if _, ok := t.held[userID]; ok {
		return nil
	}
	if err := t.store.locks.acquire(ctx, userID); err != nil {
		return err
	}
	t.held[userID] = struct{}{}
	return nil
}

func (t *tx) release() {
	for key := range t.held {
		t.store.locks.release(key)
	}
	t.held = nil
}

// read runs fn against committed state under the read lock.
func (t *tx) read(fn func(d *state)) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	fn(t.store.data)
}

// keyLocks is a set of context-aware mutexes created on demand and removed
// when nobody holds or waits for them.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{m: make(map[string]*keyLock)}
}

func (k *keyLocks) acquire(ctx context.Context, key string) error {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.mu.Lock()
		k.unref(key, l)
		k.mu.Unlock()
		return ctx.Err()
	}
}

func (k *keyLocks) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l := k.m[key]
	<-l.ch
	k.unref(key, l)
}

func (k *keyLocks) unref(key string, l *keyLock) {
	l.refs--
	if l.refs == 0 {
		delete(k.m, key)
	}
}
