package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/99minutos/auth-service/internal/core/domain"
	"github.com/99minutos/auth-service/internal/core/ports"
	"github.com/99minutos/auth-service/internal/infrastructure/db/memory"
)

// ---------------------------------------------------------------------------
// Stubs
// ---------------------------------------------------------------------------

type stubHasher struct{}

func (stubHasher) Hash(p string) (string, error) { return "hashed:" + p, nil }
func (stubHasher) Verify(p, h string) bool      { return h == "hashed:"+p }

type stubIssuer struct {
	n   atomic.Int64
	ttl time.Duration
	now func() time.Time
}

func (i *stubIssuer) IssueAccessToken(userID, _ string, role domain.Role, sessionID string) (string, time.Time, error) {
	return fmt.Sprintf("access:%s:%s:%s", userID, role, sessionID), i.now().Add(i.ttl), nil
}

func (i *stubIssuer) IssueRefreshToken() (string, error) {
	return fmt.Sprintf("refresh-%d", i.n.Add(1)), nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.AuditLog
}

func (p *capturePublisher) Publish(events ...domain.AuditLog) {
	p.mu.Lock()
	p.events = append(p.events, events...)
	p.mu.Unlock()
}

func (p *capturePublisher) Types() []domain.AuditEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.AuditEventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

// failingAuditUoW runs units against a real store but fails every audit append.
type failingAuditUoW struct {
	inner ports.UnitOfWork
}

var errAuditDown = errors.New("audit store unavailable")

type failingAuditTx struct{ ports.Tx }

func (failingAuditTx) Audit() ports.AuditRecorder { return failingAudit{} }

type failingAudit struct{}

func (failingAudit) Append(context.Context, *domain.AuditLog) error { return errAuditDown }

func (u failingAuditUoW) Do(ctx context.Context, fn func(ctx context.Context, tx ports.Tx) error) error {
	return u.inner.Do(ctx, func(ctx context.Context, tx ports.Tx) error {
		return fn(ctx, failingAuditTx{tx})
	})
}

// conflictUoW makes units lose to a competing writer. Once armed, the next
// `conflicts` units run fn, roll back, let competitor commit, and fail with
// domain.ErrConcurrentUpdate. Units started by competitor pass through.
type conflictUoW struct {
	inner      ports.UnitOfWork
	mu         sync.Mutex
	conflicts  int
	competitor func()
	calls      int
}

func (u *conflictUoW) arm(conflicts int, competitor func()) {
	u.mu.Lock()
	u.conflicts, u.competitor = conflicts, competitor
	u.mu.Unlock()
}

func (u *conflictUoW) Do(ctx context.Context, fn func(ctx context.Context, tx ports.Tx) error) error {
	u.mu.Lock()
	u.calls++
	lose := u.conflicts > 0
	var competitor func()
	if lose {
		u.conflicts--
		competitor, u.competitor = u.competitor, nil
	}
	u.mu.Unlock()

	if !lose {
		return u.inner.Do(ctx, fn)
	}
	err := u.inner.Do(ctx, func(ctx context.Context, tx ports.Tx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return domain.ErrConcurrentUpdate
	})
	if competitor != nil {
		competitor()
	}
	return err
}

func (u *conflictUoW) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	store    *memory.Store
	clock    *clock
	events   *capturePublisher
	auth     *AuthService
	sessions *SessionRegistry
}

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, correlation TokenCorrelation) *fixture {
	t.Helper()
	return newFixtureWithUoW(t, correlation, nil)
}

func newFixtureWithUoW(t *testing.T, correlation TokenCorrelation, wrap func(ports.UnitOfWork) ports.UnitOfWork) *fixture {
	t.Helper()
	store := memory.NewStore()
	var uow ports.UnitOfWork = store
	if wrap != nil {
		uow = wrap(store)
	}
	clk := &clock{t: testStart}
	pub := &capturePublisher{}
	issuer := &stubIssuer{ttl: 15 * time.Minute, now: clk.Now}
	sessions := NewSessionRegistry(uow, correlation, pub, zerolog.Nop(), clk.Now)
	auth := NewAuthService(uow, stubHasher{}, issuer, sessions, AuthConfig{
		RefreshTTL:  7 * 24 * time.Hour,
		Lockout:     NewLockoutPolicy(5, 15*time.Minute),
		Correlation: correlation,
	}, pub, zerolog.Nop())
	return &fixture{store: store, clock: clk, events: pub, auth: auth, sessions: sessions}
}

var ip1 = ports.RequestMeta{IPAddress: "10.0.0.1", UserAgent: "test-agent"}

func (f *fixture) register(t *testing.T, email, password string) *domain.UserProfile {
	t.Helper()
	p, err := f.auth.Register(context.Background(), ports.RegisterInput{
		Email: email, Password: password, FullName: "Test User", Meta: ip1,
	})
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return p
}

func (f *fixture) login(t *testing.T, email, password, device string, meta ports.RequestMeta) *ports.AuthResult {
	t.Helper()
	res, err := f.auth.Login(context.Background(), ports.LoginInput{
		Email: email, Password: password, DeviceName: device, Meta: meta,
	})
	if err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
	return res
}

func (f *fixture) user(t *testing.T, id string) *domain.User {
	t.Helper()
	u, ok := f.store.User(id)
	if !ok {
		t.Fatalf("user %s not found", id)
	}
	return u
}

func (f *fixture) token(t *testing.T, raw string) *domain.RefreshToken {
	t.Helper()
	tok, ok := f.store.RefreshToken(raw)
	if !ok {
		t.Fatalf("refresh token %s not found", raw)
	}
	return tok
}

func (f *fixture) auditTypes() []domain.AuditEventType {
	logs := f.store.AuditLogs()
	out := make([]domain.AuditEventType, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.EventType)
	}
	return out
}

func (f *fixture) lastAudit(t *testing.T) domain.AuditLog {
	t.Helper()
	logs := f.store.AuditLogs()
	if len(logs) == 0 {
		t.Fatal("no audit logs recorded")
	}
	return logs[len(logs)-1]
}

func countType(types []domain.AuditEventType, want domain.AuditEventType) int {
	n := 0
	for _, tt := range types {
		if tt == want {
			n++
		}
	}
	return n
}

func joinTypes(types []domain.AuditEventType) string {
	s := make([]string, 0, len(types))
	for _, tt := range types {
		s = append(s, string(tt))
	}
	return strings.Join(s, ",")
}
