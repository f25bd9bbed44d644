package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/99minutos/auth-service/internal/core/domain"
	"github.com/99minutos/auth-service/internal/core/ports"
)

// ---------------------------------------------------------------------------
// Register
// ---------------------------------------------------------------------------

func TestRegister_CreatesActiveUserWithUserRole(t *testing.T) {
	f := newFixture(t, CorrelateBySession)

	p := f.register(t, "  Alice@Example.com ", "Secret123!")

	if p.Email != "alice@example.com" {
		t.Errorf("expected normalized email, got %q", p.Email)
	}
	if p.Role != domain.RoleUser || !p.IsActive {
		t.Errorf("unexpected profile: %+v", p)
	}
	u := f.user(t, p.ID)
	if u.PasswordHash != "hashed:Secret123!" {
		t.Errorf("password must be stored hashed, got %q", u.PasswordHash)
	}
	if u.CreatedBy != domain.SystemActor {
		t.Errorf("expected created_by %q, got %q", domain.SystemActor, u.CreatedBy)
	}
	ev := f.lastAudit(t)
	if ev.EventType != domain.EventUserRegistered || ev.UserID == nil || *ev.UserID != p.ID {
		t.Errorf("unexpected audit event: %+v", ev)
	}
}

func TestRegister_DuplicateEmailIsCaseInsensitive(t *testing.T) {
	f := newFixture(t, CorrelateBySession)
	f.register(t, "alice@example.com", "Secret123!")

	_, err := f.auth.Register(context.Background(), ports.RegisterInput{
		Email: "ALICE@example.com", Password: "Other123!", FullName: "Alice Two",
	})
	if !errors.Is(err, domain.ErrEmailAlreadyRegistered) {
		t.Fatalf("expected ErrEmailAlreadyRegistered, got %v", err)
	}
	if n := countType(f.auditTypes(), domain.EventUserRegistered); n != 1 {
		t.Errorf("expected exactly one UserRegistered event, got %d", n)
	}
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t, CorrelateBySession)

	_, err := f.auth.Register(context.Background(), ports.RegisterInput{Email: " ", Password: "", FullName: ""})

	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, field := range []string{"email", "password", "fullName"} {
		if _, ok := ve.Fields[field]; !ok {
			t.Errorf("expected field error for %s", field)
		}
	}
}

// ---------------------------------------------------------------------------
// Login and lockout
// ---------------------------------------------------------------------------

func TestLogin_UnknownEmailIsGenericAndAudited(t *testing.T) {
	f := newFixture(t, CorrelateBySession)

	_, err := f.auth.Login(context.Background(), ports.LoginInput{Email: "ghost@example.com", Password: "x", Meta: ip1})

	if !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	ev := f.lastAudit(t)
	if ev.EventType != domain.EventLoginFailed {
		t.Errorf("expected LoginFailed, got %s", ev.EventType)
	}
	if ev.UserID != nil {
		t.Errorf("LoginFailed for unknown email must not carry a user id, got %v", *ev.UserID)
	}
}

func TestLogin_LockoutScenario(t *testing.T) {
	f := newFixture(t, CorrelateBySession)
	p := f.register(t, "alice@example.com", "Secret123!")
	ctx := context.Background()
	wrong := ports.LoginInput{Email: "alice@example.com", Password: "nope", Meta: ip1}

	for i := 1; i <= 4; i++ {
		res, err := f.auth.Login(ctx, wrong)
		if !errors.Is(err, domain.ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
		if res != nil {
			t.Fatalf("attempt %d: no token may be issued", i)
		}
		if got := f.user(t, p.ID).FailedLoginAttempts; got != i {
			t.Fatalf("attempt %d: expected %d failed attempts, got %d", i, i, got)
		}
	}
	if f.user(t, p.ID).LockoutEndTime != nil {
		t.Fatal("account must not be locked after 4 failures")
	}

	_, err := f.auth.Login(ctx, wrong)
	var locked *domain.AccountLockedError
	if !errors.As(err, &locked) {
		t.Fatalf("5th attempt: expected AccountLockedError, got %v", err)
	}
	wantEnd := testStart.Add(15 * time.Minute)
	if !locked.Until.Equal(wantEnd) {
		t.Errorf("expected lockout until %v, got %v", wantEnd, locked.Until)
	}
	u := f.user(t, p.ID)
	if u.FailedLoginAttempts != 5 || u.LockoutEndTime == nil || !u.LockoutEndTime.Equal(wantEnd) {
		t.Errorf("unexpected lockout state: attempts=%d end=%v", u.FailedLoginAttempts, u.LockoutEndTime)
	}
	if f.lastAudit(t).EventType != domain.EventAccountLocked {
		t.Errorf("expected AccountLocked audit, got %s", f.lastAudit(t).EventType)
	}

	f.clock.Advance(15*time.Minute - time.Second)
	_, err = f.auth.Login(ctx, ports.LoginInput{Email: "alice@example.com", Password: "Secret123!", Meta: ip1})
	if !errors.Is(err, domain.ErrAccountLocked) {
		t.Fatalf("correct password inside lockout window: expected ErrAccountLocked, got %v", err)
	}
	if len(f.store.Sessions(p.ID)) != 0 {
		t.Error("no session may be created while locked")
	}

	// The boundary is exclusive: at lockoutEndTime the account is usable again.
	f.clock.Advance(time.Second)
	res := f.login(t, "alice@example.com", "Secret123!", "Laptop", ip1)
	if res.AccessToken == "" || res.RefreshToken == "" {
		t.Fatal("expected a token pair after lockout expiry")
	}
	u = f.user(t, p.ID)
	if u.FailedLoginAttempts != 0 || u.LockoutEndTime != nil {
		t.Errorf("successful login must reset lockout, got attempts=%d end=%v", u.FailedLoginAttempts, u.LockoutEndTime)
	}
}

func TestLogin_InactiveAccount(t *testing.T) {
	f := newFixture(t, CorrelateBySession)
	p := f.register(t, "bob@example.com", "Secret123!")

	_ = f.store.Do(context.Background(), func(ctx context.Context, tx ports.Tx) error {
		u, _ := tx.Users().FindByID(ctx, p.ID)
		u.IsActive = false
		return tx.Users().Update(ctx, u)
	})

	_, err := f.auth.Login(context.Background(), ports.LoginInput{Email: "bob@example.com", Password: "Secret123!", Meta: ip1})
	if !errors.Is(err, domain.ErrInactiveAccount) {
		t.Fatalf("expected ErrInactiveAccount, got %v", err)
	}
}

func TestLogin_SuccessOpensSessionAndPublishesAfterCommit(t *testing.T) {
	f := newFixture(t, CorrelateBySession)
	p := f.register(t, "carol@example.com", "Secret123!")

	res := f.login(t, "carol@example.com", "Secret123!", "", ip1)

	if res.User.ID != p.ID || res.SessionID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !res.ExpiresAt.Equal(testStart.Add(15 * time.Minute)) {
		t.Errorf("unexpected access token expiry %v", res.ExpiresAt)
	}
	sessions := f.store.Sessions(p.ID)
	if len(sessions) != 1 || sessions[0].ID != res.SessionID {
		t.Fatalf("expected one session %s, got %+v", res.SessionID, sessions)
	}
	if sessions[0].DeviceName != domain.DefaultDeviceName || sessions[0].IPAddress != ip1.IPAddress {
		t.Errorf("unexpected session: %+v", sessions[0])
	}
	tok := f.token(t, res.RefreshToken)
	if tok.SessionID != res.SessionID || tok.UserID != p.ID {
		t.Errorf("refresh token not bound to session: %+v", tok)
	}
	if !tok.ExpiresAt.Equal(testStart.Add(7 * 24 * time.Hour)) {
		t.Errorf("unexpected refresh expiry %v", tok.ExpiresAt)
	}
	u := f.user(t, p.ID)
	if u.LastLoginAt == nil || !u.LastLoginAt.Equal(testStart) {
		t.Errorf("expected lastLoginAt %v, got %v", testStart, u.LastLoginAt)
	}

	got := joinTypes(f.events.Types())
	want := "UserRegistered,LoginSuccessful"
	if got != want {
		t.Errorf("published events: want %s, got %s", want, got)
	}
}

func TestLogin_AuditFailureRollsBackEverything(t *testing.T) {
	f := newFixture(t, CorrelateBySession)
	p := f.register(t, "dave@example.com", "Secret123!")

	broken := newFixtureWithUoW(t, CorrelateBySession, func(ports.UnitOfWork) ports.UnitOfWork {
		return failingAuditUoW{inner: f.store}
	})

	_, err := broken.auth.Login(context.Background(), ports.LoginInput{Email: "dave@example.com", Password: "Secret123!", Meta: ip1})
	if !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	if !errors.Is(err, errAuditDown) {
		t.Errorf("internal error must keep its cause, got %v", err)
	}
	if n := len(f.store.Sessions(p.ID)); n != 0 {
		t.Errorf("session must not survive a failed audit append, got %d", n)
	}
	if u := f.user(t, p.ID); u.LastLoginAt != nil {
		t.Error("user update must be rolled back")
	}
	if n := len(broken.events.Types()); n != 0 {
		t.Errorf("nothing may be published for a rolled back unit, got %d", n)
	}

	_, err = broken.auth.Login(context.Background(), ports.LoginInput{Email: "dave@example.com", Password: "wrong", Meta: ip1})
	if !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("expected ErrInternal on failed attempt, got %v", err)
	}
	if got := f.user(t, p.ID).FailedLoginAttempts; got != 0 {
		t.Errorf("failure counter must not move without its audit event, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Refresh
// ---------------------------------------------------------------------------

func TestRefresh_RotatesToken(t *testing.T) {
	f := newFixture(t, CorrelateBySession)
	f.register(t, "erin@example.com", "Secret123!")
	first := f.login(t, "erin@example.com", "Secret123!", "Laptop", ip1)

	f.clock.Advance(time.Minute)
	second, err := f.auth.Refresh(context.Background(), first.RefreshToken, ip1)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if second.RefreshToken == first.RefreshToken {
		t.Fatal("rotation must yield a new refresh token")
	}
	if second.SessionID != first.SessionID {
		t.Errorf("rotation must stay on session %s, got %s", first.SessionID, second.SessionID)
	}
	old := f.token(t, first.RefreshToken)
	if !old.IsRevoked || old.ReplacedByToken == nil || *old.ReplacedByToken != second.RefreshToken {
		t.Errorf("old token must be revoked and replaced by the new one: %+v", old)
	}
	if f.token(t, second.RefreshToken).IsRevoked {
		t.Error("new token must be active")
	}
	sess := f.store.Sessions(first.User.ID)[0]
	if !sess.LastActivityAt.Equal(testStart.Add(time.Minute)) {
		t.Errorf("session activity not advanced: %v", sess.LastActivityAt)
	}
	if f.lastAudit(t).EventType != domain.EventTokenRefreshed {
		t.Errorf("expected TokenRefreshed, got %s", f.lastAudit(t).EventType)
	}
}

func TestRefresh_ReuseScenario(t *testing.T) {
	f := newFixture(t, CorrelateBySession)
	p := f.register(t, "frank@example.com", "Secret123!")
	a := f.login(t, "frank@example.com", "Secret123!", "Laptop", ip1)
	other := f.login(t, "frank@example.com", "Secret123!", "Phone", ports.RequestMeta{IPAddress: "10.0.0.2"})

	b, err := f.auth.Refresh(context.Background(), a.RefreshToken, ip1)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	_, err = f.auth.Refresh(context.Background(), a.RefreshToken, ip1)
	if !errors.Is(err, domain.ErrTokenReused) {
		t.Fatalf("expected ErrTokenReused, got %v", err)
	}
	if errors.Is(err, domain.ErrInvalidToken) {
		t.Error("reuse must be distinguishable from an invalid token")
	}

	for _, sess := range f.store.Sessions(p.ID) {
		if sess.Status != domain.SessionCompromised {
			t.Errorf("session %s: expected Compromised, got %s", sess.ID, sess.Status)
		}
	}
	if f.token(t, b.RefreshToken).IsRevoked {
		t.Error("token B state must be unaffected by the cascade")
	}
	if f.lastAudit(t).EventType != domain.EventTokenReused {
		t.Errorf("expected TokenReused audit, got %s", f.lastAudit(t).EventType)
	}

	// B now belongs to a compromised session.
	_, err = f.auth.Refresh(context.Background(), b.RefreshToken, ip1)
	if !errors.Is(err, domain.ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for token of compromised session, got %v", err)
	}
	_, err = f.auth.Refresh(context.Background(), other.RefreshToken, ip1)
	if !errors.Is(err, domain.ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for other device, got %v", err)
	}
}

func TestRefresh_RepeatedReuseIsIdempotent(t *testing.T) {
	f := newFixture(t, CorrelateBySession)
	p := f.register(t, "gina@example.com", "Secret123!")
	a := f.login(t, "gina@example.com", "Secret123!", "Laptop", ip1)
	if _, err := f.auth.Refresh(context.Background(), a.RefreshToken, ip1); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	_, _ = f.auth.Refresh(context.Background(), a.RefreshToken, ip1)
	first := f.store.Sessions(p.ID)[0]

	f.clock.Advance(time.Minute)
	_, err := f.auth.Refresh(context.Background(), a.RefreshToken, ip1)
	if !errors.Is(err, domain.ErrTokenReused) {
		t.Fatalf("expected ErrTokenReused on retry, got %v", err)
	}
	second := f.store.Sessions(p.ID)[0]
	if !second.RevokedAt.Equal(*first.RevokedAt) {
		t.Errorf("terminal session must not be revoked twice: %v vs %v", first.RevokedAt, second.RevokedAt)
	}
	last := f.lastAudit(t)
	if last.AdditionalData["compromisedSessions"] != int64(0) {
		t.Errorf("retry must not compromise further sessions, got %v", last.AdditionalData["compromisedSessions"])
	}
}

func TestRefresh_ExpiredAndUnknownTokens(t *testing.T) {
	f := newFixture(t, CorrelateBySession)
	p := f.register(t, "hank@example.com", "Secret123!")
	a := f.login(t, "hank@example.com", "Secret123!", "Laptop", ip1)

	_, err := f.auth.Refresh(context.Background(), "does-not-exist", ip1)
	var invalid *domain.InvalidTokenError
	if !errors.As(err, &invalid) || invalid.Reason != domain.ReasonTokenNotFound {
		t.Fatalf("expected not found InvalidTokenError, got %v", err)
	}

	f.clock.Advance(7 * 24 * time.Hour)
	_, err = f.auth.Refresh(context.Background(), a.RefreshToken, ip1)
	if !errors.As(err, &invalid) || invalid.Reason != domain.ReasonTokenExpired {
		t.Fatalf("expected expired InvalidTokenError, got %v", err)
	}
	if f.token(t, a.RefreshToken).IsRevoked {
		t.Error("expired token must not be mutated")
	}
	if s := f.store.Sessions(p.ID)[0]; s.Status != domain.SessionActive {
		t.Errorf("expired token must not cascade, session is %s", s.Status)
	}
}

func TestRefresh_InactiveUser(t *testing.T) {
	f := newFixture(t, CorrelateBySession)
	p := f.register(t, "ivy@example.com", "Secret123!")
	a := f.login(t, "ivy@example.com", "Secret123!", "Laptop", ip1)

	_ = f.store.Do(context.Background(), func(ctx context.Context, tx ports.Tx) error {
		u, _ := tx.Users().FindByID(ctx, p.ID)
		u.IsActive = false
		return tx.Users().Update(ctx, u)
	})

	_, err := f.auth.Refresh(context.Background(), a.RefreshToken, ip1)
	if !errors.Is(err, domain.ErrInactiveAccount) {
		t.Fatalf("expected ErrInactiveAccount, got %v", err)
	}
	if f.token(t, a.RefreshToken).IsRevoked {
		t.Error("no rotation may happen for an inactive user")
	}
}

func TestRefresh_ConcurrentRotationHasOneWinner(t *testing.T) {
	f := newFixture(t, CorrelateBySession)
	f.register(t, "jack@example.com", "Secret123!")
	a := f.login(t, "jack@example.com", "Secret123!", "Laptop", ip1)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		reused  int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.auth.Refresh(context.Background(), a.RefreshToken, ip1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, domain.ErrTokenReused):
				reused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if success != 1 || reused != callers-1 {
		t.Errorf("expected 1 success and %d reuse, got %d and %d", callers-1, success, reused)
	}
}

func TestRefresh_RetriesOnceAfterLosingRotationRace(t *testing.T) {
	var uow *conflictUoW
	f := newFixtureWithUoW(t, CorrelateBySession, func(inner ports.UnitOfWork) ports.UnitOfWork {
		uow = &conflictUoW{inner: inner}
		return uow
	})
	f.register(t, "lena@example.com", "Secret123!")
	a := f.login(t, "lena@example.com", "Secret123!", "Laptop", ip1)

	var (
		winner    *ports.AuthResult
		winnerErr error
	)
	uow.arm(1, func() {
		winner, winnerErr = f.auth.Refresh(context.Background(), a.RefreshToken, ip1)
	})
	before := uow.Calls()

	_, err := f.auth.Refresh(context.Background(), a.RefreshToken, ip1)
	if !errors.Is(err, domain.ErrTokenReused) {
		t.Fatalf("expected ErrTokenReused on retry, got %v", err)
	}
	if winnerErr != nil {
		t.Fatalf("competing rotation: %v", winnerErr)
	}
	// conflicting attempt, competitor, retry
	if got := uow.Calls() - before; got != 3 {
		t.Errorf("expected 3 units, got %d", got)
	}

	if !f.token(t, winner.RefreshToken).IsRevoked {
		t.Error("reuse must revoke the token the competitor obtained")
	}
	types := f.auditTypes()
	if countType(types, domain.EventTokenRefreshed) != 1 || countType(types, domain.EventTokenReused) != 1 {
		t.Errorf("expected one rotation and one reuse, got %s", joinTypes(types))
	}
	for _, sess := range f.store.Sessions(winner.User.ID) {
		if sess.Status != domain.SessionCompromised {
			t.Errorf("session %s: expected Compromised, got %s", sess.ID, sess.Status)
		}
	}
}

func TestRefresh_PersistentConflictIsInternal(t *testing.T) {
	var uow *conflictUoW
	f := newFixtureWithUoW(t, CorrelateBySession, func(inner ports.UnitOfWork) ports.UnitOfWork {
		uow = &conflictUoW{inner: inner}
		return uow
	})
	f.register(t, "mia@example.com", "Secret123!")
	a := f.login(t, "mia@example.com", "Secret123!", "Laptop", ip1)

	uow.arm(2, nil)
	before := uow.Calls()

	_, err := f.auth.Refresh(context.Background(), a.RefreshToken, ip1)
	if !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	if got := uow.Calls() - before; got != 2 {
		t.Errorf("expected exactly one retry, got %d units", got)
	}
	if f.token(t, a.RefreshToken).IsRevoked {
		t.Error("rolled back rotations must leave the token active")
	}
}

// ---------------------------------------------------------------------------
// Logout
// ---------------------------------------------------------------------------

func TestLogout_RevokesTokenAndSession(t *testing.T) {
	f := newFixture(t, CorrelateBySession)
	p := f.register(t, "kate@example.com", "Secret123!")
	laptop := f.login(t, "kate@example.com", "Secret123!", "Laptop", ip1)
	phone := f.login(t, "kate@example.com", "Secret123!", "Phone", ip1)

	if err := f.auth.Logout(context.Background(), laptop.RefreshToken, ip1); err != nil {
		t.Fatalf("logout: %v", err)
	}

	if !f.token(t, laptop.RefreshToken).IsRevoked {
		t.Error("logout must revoke the presented token")
	}
	for _, s := range f.store.Sessions(p.ID) {
		want := domain.SessionActive
		if s.ID == laptop.SessionID {
			want = domain.SessionRevoked
		}
		if s.Status != want {
			t.Errorf("session %s (%s): want %s, got %s", s.ID, s.DeviceName, want, s.Status)
		}
	}
	if f.token(t, phone.RefreshToken).IsRevoked {
		t.Error("a second device on the same network must keep its token")
	}
	if f.lastAudit(t).EventType != domain.EventLogoutSuccessful {
		t.Errorf("expected LogoutSuccessful, got %s", f.lastAudit(t).EventType)
	}

	// Logging out twice still succeeds.
	if err := f.auth.Logout(context.Background(), laptop.RefreshToken, ip1); err != nil {
		t.Errorf("second logout: %v", err)
	}
}

func TestLogout_UnknownToken(t *testing.T) {
	f := newFixture(t, CorrelateBySession)

	err := f.auth.Logout(context.Background(), "nope", ip1)
	if !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if n := len(f.store.AuditLogs()); n != 0 {
		t.Errorf("rejected logout must not audit, got %d events", n)
	}
}

func TestLogout_IPCorrelationPicksLatestSessionFromCallerIP(t *testing.T) {
	f := newFixture(t, CorrelateByIP)
	p := f.register(t, "leo@example.com", "Secret123!")
	older := f.login(t, "leo@example.com", "Secret123!", "Laptop", ip1)
	f.clock.Advance(time.Minute)
	newer := f.login(t, "leo@example.com", "Secret123!", "Phone", ip1)
	elsewhere := ports.RequestMeta{IPAddress: "192.168.1.9"}

	if err := f.auth.Logout(context.Background(), older.RefreshToken, elsewhere); err != nil {
		t.Fatalf("logout from unmatched ip: %v", err)
	}
	for _, s := range f.store.Sessions(p.ID) {
		if s.Status != domain.SessionActive {
			t.Errorf("no session matches %s, but %s was %s", elsewhere.IPAddress, s.DeviceName, s.Status)
		}
	}

	if err := f.auth.Logout(context.Background(), older.RefreshToken, ip1); err != nil {
		t.Fatalf("logout: %v", err)
	}
	for _, s := range f.store.Sessions(p.ID) {
		want := domain.SessionActive
		if s.ID == newer.SessionID {
			want = domain.SessionRevoked
		}
		if s.Status != want {
			t.Errorf("session %s: want %s, got %s", s.DeviceName, want, s.Status)
		}
	}
}

// ---------------------------------------------------------------------------
// ChangePassword and UnlockAccount
// ---------------------------------------------------------------------------

func TestChangePassword_RevokesEverything(t *testing.T) {
	f := newFixture(t, CorrelateBySession)
	p := f.register(t, "mia@example.com", "Secret123!")
	a := f.login(t, "mia@example.com", "Secret123!", "Laptop", ip1)
	b := f.login(t, "mia@example.com", "Secret123!", "Phone", ip1)

	err := f.auth.ChangePassword(context.Background(), ports.ChangePasswordInput{
		UserID: p.ID, CurrentPassword: "Secret123!", NewPassword: "Changed456!", Meta: ip1,
	})
	if err != nil {
		t.Fatalf("change password: %v", err)
	}

	if f.user(t, p.ID).PasswordHash != "hashed:Changed456!" {
		t.Error("password hash not replaced")
	}
	for _, raw := range []string{a.RefreshToken, b.RefreshToken} {
		if !f.token(t, raw).IsRevoked {
			t.Errorf("token %s must be revoked", raw)
		}
	}
	for _, s := range f.store.Sessions(p.ID) {
		if s.Status != domain.SessionRevoked {
			t.Errorf("session %s: expected Revoked, got %s", s.ID, s.Status)
		}
	}
	ev := f.lastAudit(t)
	if ev.EventType != domain.EventPasswordChanged || ev.AdditionalData["success"] != true {
		t.Errorf("unexpected audit: %+v", ev)
	}

	if _, err := f.auth.Refresh(context.Background(), a.RefreshToken, ip1); err == nil {
		t.Error("refresh with a pre-change token must fail")
	}
	if _, err := f.auth.Login(context.Background(), ports.LoginInput{Email: "mia@example.com", Password: "Secret123!"}); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Errorf("old password must no longer work, got %v", err)
	}
	f.login(t, "mia@example.com", "Changed456!", "Laptop", ip1)
}

func TestChangePassword_WrongCurrentPassword(t *testing.T) {
	f := newFixture(t, CorrelateBySession)
	p := f.register(t, "ned@example.com", "Secret123!")
	a := f.login(t, "ned@example.com", "Secret123!", "Laptop", ip1)

	err := f.auth.ChangePassword(context.Background(), ports.ChangePasswordInput{
		UserID: p.ID, CurrentPassword: "bad", NewPassword: "Changed456!", Meta: ip1,
	})
	if !errors.Is(err, domain.ErrCurrentPasswordIncorrect) {
		t.Fatalf("expected ErrCurrentPasswordIncorrect, got %v", err)
	}
	ev := f.lastAudit(t)
	if ev.EventType != domain.EventPasswordChanged || ev.AdditionalData["success"] != false {
		t.Errorf("failed attempt must be audited, got %+v", ev)
	}
	if f.token(t, a.RefreshToken).IsRevoked {
		t.Error("failed change must not revoke tokens")
	}
}

func TestChangePassword_UnknownUser(t *testing.T) {
	f := newFixture(t, CorrelateBySession)

	err := f.auth.ChangePassword(context.Background(), ports.ChangePasswordInput{
		UserID: "missing", CurrentPassword: "x", NewPassword: "y",
	})
	if !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestUnlockAccount_ClearsLockout(t *testing.T) {
	f := newFixture(t, CorrelateBySession)
	p := f.register(t, "olga@example.com", "Secret123!")
	for i := 0; i < 5; i++ {
		_, _ = f.auth.Login(context.Background(), ports.LoginInput{Email: "olga@example.com", Password: "bad"})
	}

	ctx := domain.WithActor(context.Background(), "admin-1")
	if err := f.auth.UnlockAccount(ctx, p.ID, ip1); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	u := f.user(t, p.ID)
	if u.FailedLoginAttempts != 0 || u.LockoutEndTime != nil {
		t.Errorf("lockout not cleared: %+v", u)
	}
	if u.UpdatedBy != "admin-1" {
		t.Errorf("expected updated_by admin-1, got %q", u.UpdatedBy)
	}
	if f.lastAudit(t).EventType != domain.EventAccountUnlocked {
		t.Errorf("expected AccountUnlocked, got %s", f.lastAudit(t).EventType)
	}
	f.login(t, "olga@example.com", "Secret123!", "Laptop", ip1)

	if err := f.auth.UnlockAccount(ctx, "missing", ip1); !errors.Is(err, domain.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}
