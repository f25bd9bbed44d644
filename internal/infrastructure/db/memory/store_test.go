package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/99minutos/auth-service/internal/core/domain"
	"github.com/99minutos/auth-service/internal/core/ports"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedUser(t *testing.T, s *Store, id, email string) {
	t.Helper()
	err := s.Do(context.Background(), func(ctx context.Context, tx ports.Tx) error {
		return tx.Users().Create(ctx, domain.NewUser(id, email, "hash", "Test", domain.RoleUser))
	})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func TestDo_RollsBackOnError(t *testing.T) {
	s := NewStore()
	boom := errors.New("boom")

	err := s.Do(context.Background(), func(ctx context.Context, tx ports.Tx) error {
		if err := tx.Users().Create(ctx, domain.NewUser("u1", "a@example.com", "h", "A", domain.RoleUser)); err != nil {
			return err
		}
		if err := tx.Audit().Append(ctx, &domain.AuditLog{ID: "e1", EventType: domain.EventUserRegistered}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, ok := s.User("u1"); ok {
		t.Error("user must not be visible after rollback")
	}
	if n := len(s.AuditLogs()); n != 0 {
		t.Errorf("expected no audit logs, got %d", n)
	}
}

func TestDo_CancelledBeforeCommitDiscardsWrites(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())

	err := s.Do(ctx, func(ctx context.Context, tx ports.Tx) error {
		if err := tx.Users().Create(ctx, domain.NewUser("u1", "a@example.com", "h", "A", domain.RoleUser)); err != nil {
			return err
		}
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, ok := s.User("u1"); ok {
		t.Error("user must not be visible after cancellation")
	}
}

func TestUsers_EmailUniqueIgnoresSoftDeleted(t *testing.T) {
	s := NewStore()
	seedUser(t, s, "u1", "a@example.com")

	err := s.Do(context.Background(), func(ctx context.Context, tx ports.Tx) error {
		return tx.Users().Create(ctx, domain.NewUser("u2", "a@example.com", "h", "B", domain.RoleUser))
	})
	if !errors.Is(err, domain.ErrEmailAlreadyRegistered) {
		t.Fatalf("expected ErrEmailAlreadyRegistered, got %v", err)
	}

	err = s.Do(context.Background(), func(ctx context.Context, tx ports.Tx) error {
		u, err := tx.Users().FindByID(ctx, "u1")
		if err != nil {
			return err
		}
		u.SoftDelete(t0)
		if err := tx.Users().Update(ctx, u); err != nil {
			return err
		}
		return tx.Users().Create(ctx, domain.NewUser("u2", "a@example.com", "h", "B", domain.RoleUser))
	})
	if err != nil {
		t.Fatalf("create after soft delete: %v", err)
	}

	_ = s.Do(context.Background(), func(ctx context.Context, tx ports.Tx) error {
		u, err := tx.Users().FindByEmail(ctx, "a@example.com")
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if u.ID != "u2" {
			t.Errorf("expected live user u2, got %s", u.ID)
		}
		if _, err := tx.Users().FindByID(ctx, "u1"); !errors.Is(err, domain.ErrUserNotFound) {
			t.Errorf("soft-deleted user must be hidden, got %v", err)
		}
		return nil
	})
}

func TestRefreshTokens_RevokeIsConditional(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	tok := &domain.RefreshToken{ID: "t1", UserID: "u1", SessionID: "s1", Token: "abc", ExpiresAt: t0.Add(time.Hour)}

	_ = s.Do(ctx, func(ctx context.Context, tx ports.Tx) error {
		if err := tx.RefreshTokens().Create(ctx, tok); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := tx.RefreshTokens().Create(ctx, &domain.RefreshToken{ID: "t2", Token: "abc"}); !errors.Is(err, domain.ErrDuplicateRefreshToken) {
			t.Errorf("expected duplicate error, got %v", err)
		}
		next := "def"
		ok, err := tx.RefreshTokens().Revoke(ctx, "t1", t0, &next)
		if err != nil || !ok {
			t.Fatalf("first revoke: ok=%v err=%v", ok, err)
		}
		ok, err = tx.RefreshTokens().Revoke(ctx, "t1", t0.Add(time.Minute), nil)
		if err != nil || ok {
			t.Errorf("second revoke should report false, got ok=%v err=%v", ok, err)
		}
		return nil
	})

	got, ok := s.RefreshToken("abc")
	if !ok {
		t.Fatal("token not committed")
	}
	if !got.IsRevoked || got.ReplacedByToken == nil || *got.ReplacedByToken != "def" {
		t.Errorf("unexpected token state: %+v", got)
	}
	if !got.RevokedAt.Equal(t0) {
		t.Errorf("revokedAt must keep the first revocation, got %v", got.RevokedAt)
	}
}

func TestSessions_ActiveOrderingAndTerminate(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	_ = s.Do(ctx, func(ctx context.Context, tx ports.Tx) error {
		repo := tx.Sessions()
		_ = repo.Create(ctx, domain.NewSession("s1", "u1", "Laptop", "10.0.0.1", "ua", t0))
		_ = repo.Create(ctx, domain.NewSession("s2", "u1", "Phone", "10.0.0.1", "ua", t0.Add(time.Minute)))
		_ = repo.Create(ctx, domain.NewSession("s3", "u2", "Other", "10.0.0.1", "ua", t0))
		_ = repo.Touch(ctx, "s1", t0.Add(2*time.Minute))

		list, _ := repo.ListActive(ctx, "u1")
		if len(list) != 2 || list[0].ID != "s1" || list[1].ID != "s2" {
			t.Errorf("unexpected order: %v", ids(list))
		}

		latest, err := repo.LatestActiveByIP(ctx, "u1", "10.0.0.1")
		if err != nil || latest.ID != "s1" {
			t.Errorf("expected s1 as latest, got %v (%v)", latest, err)
		}

		if _, err := repo.FindForUser(ctx, "s3", "u1"); !errors.Is(err, domain.ErrSessionNotFound) {
			t.Errorf("foreign session must be hidden, got %v", err)
		}

		n, _ := repo.TerminateAllActive(ctx, "u1", domain.SessionCompromised, t0)
		if n != 2 {
			t.Errorf("expected 2 terminated, got %d", n)
		}
		n, _ = repo.TerminateAllActive(ctx, "u1", domain.SessionRevoked, t0)
		if n != 0 {
			t.Errorf("terminal sessions must not transition again, got %d", n)
		}
		ok, _ := repo.Terminate(ctx, "s1", domain.SessionRevoked, t0)
		if ok {
			t.Error("terminate on compromised session must report false")
		}
		return nil
	})

	for _, sess := range s.Sessions("u1") {
		if sess.Status != domain.SessionCompromised {
			t.Errorf("session %s: expected Compromised, got %s", sess.ID, sess.Status)
		}
	}
}

func ids(list []*domain.Session) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.ID)
	}
	return out
}

func TestDo_AuditVisibleOnlyAfterCommit(t *testing.T) {
	s := NewStore()
	for i := 0; i < 1000; i++ {
		_ = s.Do(context.Background(), func(ctx context.Context, tx ports.Tx) error {
			return tx.Audit().Append(ctx, &domain.AuditLog{EventType: domain.EventLoginFailed})
		})
	}

	err := s.Do(context.Background(), func(ctx context.Context, tx ports.Tx) error {
		if err := tx.Audit().Append(ctx, &domain.AuditLog{ID: "last", EventType: domain.EventUserRegistered}); err != nil {
			return err
		}
		if n := len(s.AuditLogs()); n != 1000 {
			t.Errorf("staged event leaked before commit: %d rows", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}

	logs := s.AuditLogs()
	if len(logs) != 1001 || logs[1000].ID != "last" {
		t.Fatalf("expected staged event appended last, got %d rows", len(logs))
	}
}

func TestDo_DifferentUsersRunConcurrently(t *testing.T) {
	s := NewStore()
	seedUser(t, s, "u1", "a@example.com")
	seedUser(t, s, "u2", "b@example.com")

	var started sync.WaitGroup
	started.Add(2)
	allIn := make(chan struct{})
	go func() {
		started.Wait()
		close(allIn)
	}()

	errs := make(chan error, 2)
	for _, id := range []string{"u1", "u2"} {
		go func(id string) {
			errs <- s.Do(context.Background(), func(ctx context.Context, tx ports.Tx) error {
				if _, err := tx.Users().FindByID(ctx, id); err != nil {
					return err
				}
				started.Done()
				select {
				case <-allIn:
					return nil
				case <-time.After(2 * time.Second):
					return errors.New("units for different users did not overlap")
				}
			})
		}(id)
	}

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
}

func TestDo_SameUserUnitsAreSerialized(t *testing.T) {
	s := NewStore()
	seedUser(t, s, "u1", "a@example.com")

	firstIn := make(chan struct{})
	releaseFirst := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- s.Do(context.Background(), func(ctx context.Context, tx ports.Tx) error {
			u, err := tx.Users().FindByEmail(ctx, "a@example.com")
			if err != nil {
				return err
			}
			close(firstIn)
			<-releaseFirst
			u.FailedLoginAttempts = 3
			return tx.Users().Update(ctx, u)
		})
	}()
	<-firstIn

	secondSaw := make(chan int, 1)
	secondDone := make(chan error, 1)
	go func() {
		secondDone <- s.Do(context.Background(), func(ctx context.Context, tx ports.Tx) error {
			u, err := tx.Users().FindByID(ctx, "u1")
			if err != nil {
				return err
			}
			secondSaw <- u.FailedLoginAttempts
			return nil
		})
	}()

	select {
	case <-secondSaw:
		t.Fatal("second unit read the user while the first still held it")
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseFirst)
	if err := <-firstDone; err != nil {
		t.Fatalf("first unit: %v", err)
	}
	if got := <-secondSaw; got != 3 {
		t.Errorf("second unit must see the committed update, got %d attempts", got)
	}
	if err := <-secondDone; err != nil {
		t.Fatalf("second unit: %v", err)
	}
}

func TestDo_LockWaitHonoursContext(t *testing.T) {
	s := NewStore()
	seedUser(t, s, "u1", "a@example.com")

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Do(context.Background(), func(ctx context.Context, tx ports.Tx) error {
			_, err := tx.Users().FindByID(ctx, "u1")
			close(holding)
			<-release
			return err
		})
	}()
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Do(ctx, func(ctx context.Context, tx ports.Tx) error {
		_, err := tx.Users().FindByID(ctx, "u1")
		return err
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	close(release)
	<-done
	if err := s.Do(context.Background(), func(ctx context.Context, tx ports.Tx) error {
		_, err := tx.Users().FindByID(ctx, "u1")
		return err
	}); err != nil {
		t.Fatalf("lock not released: %v", err)
	}
}

func TestDo_ConcurrentRegistrationOfSameEmail(t *testing.T) {
	s := NewStore()

	var created sync.WaitGroup
	created.Add(2)
	errs := make(chan error, 2)
	for _, id := range []string{"u1", "u2"} {
		go func(id string) {
			errs <- s.Do(context.Background(), func(ctx context.Context, tx ports.Tx) error {
				err := tx.Users().Create(ctx, domain.NewUser(id, "same@example.com", "h", id, domain.RoleUser))
				created.Done()
				created.Wait()
				return err
			})
		}(id)
	}

	var ok, dup int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrEmailAlreadyRegistered):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != 1 {
		t.Errorf("expected one winner and one duplicate, got ok=%d dup=%d", ok, dup)
	}
}
