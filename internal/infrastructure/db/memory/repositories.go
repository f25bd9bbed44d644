package memory

import (
	"context"
	"sort"
	"time"

	"github.com/99minutos/auth-service/internal/core/domain"
)

type userRepo struct{ t *tx }

// staged returns the unit's copy of user id, loading it from committed state
// on first use. The caller must hold the user's lock.
func (r userRepo) staged(id string) (*domain.User, bool) {
	if u, ok := r.t.users[id]; ok {
		return u, true
	}
	var u *domain.User
	r.t.read(func(d *state) { u = d.users[id].Clone() })
	if u == nil {
		return nil, false
	}
	r.t.users[id] = u
	return u, true
}

// emailOwner resolves a live email without locking. Staged users shadow
// their committed versions.
func (r userRepo) emailOwner(email string) (string, bool) {
	for id, u := range r.t.users {
		if u.Email == email && !u.Deleted() {
			return id, true
		}
	}
	var (
		id string
		ok bool
	)
	r.t.read(func(d *state) { id, ok = d.emails[email] })
	if !ok {
		return "", false
	}
	if _, shadowed := r.t.users[id]; shadowed {
		return "", false
	}
	return id, true
}

func (r userRepo) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	id, ok := r.emailOwner(email)
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	if err := r.t.lock(ctx, id); err != nil {
		return nil, err
	}
	u, ok := r.staged(id)
	if !ok || u.Email != email || u.Deleted() {
		return nil, domain.ErrUserNotFound
	}
	return u.Clone(), nil
}

func (r userRepo) FindByID(ctx context.Context, id string) (*domain.User, error) {
	if err := r.t.lock(ctx, id); err != nil {
		return nil, err
	}
	u, ok := r.staged(id)
	if !ok || u.Deleted() {
		return nil, domain.ErrUserNotFound
	}
	return u.Clone(), nil
}

// Create does not lock: the row stays invisible to other units until commit.
func (r userRepo) Create(_ context.Context, user *domain.User) error {
	if _, ok := r.emailOwner(user.Email); ok {
		return domain.ErrEmailAlreadyRegistered
	}
	r.t.users[user.ID] = user.Clone()
	return nil
}

func (r userRepo) Update(ctx context.Context, user *domain.User) error {
	if err := r.t.lock(ctx, user.ID); err != nil {
		return err
	}
	if _, ok := r.staged(user.ID); !ok {
		return domain.ErrUserNotFound
	}
	r.t.users[user.ID] = user.Clone()
	return nil
}

func (r userRepo) Count(context.Context) (int64, error) {
	var n int64
	r.t.read(func(d *state) {
		for id, u := range d.users {
			if _, shadowed := r.t.users[id]; !shadowed && !u.Deleted() {
				n++
			}
		}
	})
	for _, u := range r.t.users {
		if !u.Deleted() {
			n++
		}
	}
	return n, nil
}

type tokenRepo struct{ t *tx }

// forUpdate locks the owner of token id and returns the unit's copy.
func (r tokenRepo) forUpdate(ctx context.Context, id string) (*domain.RefreshToken, error) {
	if tok, ok := r.t.tokens[id]; ok {
		return tok, nil
	}
	var owner string
	found := false
	r.t.read(func(d *state) {
		if tok, ok := d.tokens[id]; ok {
			owner, found = tok.UserID, true
		}
	})
	if !found {
		return nil, domain.ErrRefreshTokenNotFound
	}
	if err := r.t.lock(ctx, owner); err != nil {
		return nil, err
	}
	var tok *domain.RefreshToken
	r.t.read(func(d *state) { tok = d.tokens[id].Clone() })
	r.t.tokens[id] = tok
	return tok, nil
}

func (r tokenRepo) FindByToken(ctx context.Context, token string) (*domain.RefreshToken, error) {
	id, ok := r.t.tokenIndex[token]
	if !ok {
		r.t.read(func(d *state) { id, ok = d.tokenIndex[token] })
	}
	if !ok {
		return nil, domain.ErrRefreshTokenNotFound
	}
	tok, err := r.forUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	return tok.Clone(), nil
}

func (r tokenRepo) Create(ctx context.Context, token *domain.RefreshToken) error {
	if _, ok := r.t.tokenIndex[token.Token]; ok {
		return domain.ErrDuplicateRefreshToken
	}
	var exists bool
	r.t.read(func(d *state) { _, exists = d.tokenIndex[token.Token] })
	if exists {
		return domain.ErrDuplicateRefreshToken
	}
	if err := r.t.lock(ctx, token.UserID); err != nil {
		return err
	}
	r.t.tokens[token.ID] = token.Clone()
	r.t.tokenIndex[token.Token] = token.ID
	return nil
}

func (r tokenRepo) Revoke(ctx context.Context, id string, at time.Time, replacedBy *string) (bool, error) {
	tok, err := r.forUpdate(ctx, id)
	if err != nil {
		return false, err
	}
	next := ""
	if replacedBy != nil {
		next = *replacedBy
	}
	return tok.Revoke(at, next), nil
}

func (r tokenRepo) revokeWhere(ctx context.Context, userID string, at time.Time, match func(*domain.RefreshToken) bool) (int64, error) {
	if err := r.t.lock(ctx, userID); err != nil {
		return 0, err
	}
	var ids []string
	r.t.read(func(d *state) { ids = append(ids, d.tokensByUser[userID]...) })
	for id, tok := range r.t.tokens {
		if _, created := r.t.tokenIndex[tok.Token]; created && tok.UserID == userID {
			ids = append(ids, id)
		}
	}

	var n int64
	for _, id := range ids {
		tok, err := r.forUpdate(ctx, id)
		if err != nil {
			return n, err
		}
		if match(tok) && tok.Revoke(at, "") {
			n++
		}
	}
	return n, nil
}

func (r tokenRepo) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	return r.revokeWhere(ctx, userID, at, func(*domain.RefreshToken) bool { return true })
}

func (r tokenRepo) RevokeForSession(ctx context.Context, userID, sessionID string, at time.Time) (int64, error) {
	return r.revokeWhere(ctx, userID, at, func(t *domain.RefreshToken) bool { return t.SessionID == sessionID })
}

func (r tokenRepo) RevokeForUserIP(ctx context.Context, userID, ip string, at time.Time) (int64, error) {
	return r.revokeWhere(ctx, userID, at, func(t *domain.RefreshToken) bool { return t.IPAddress == ip })
}

type sessionRepo struct{ t *tx }

func (r sessionRepo) forUpdate(ctx context.Context, id string) (*domain.Session, error) {
	if sess, ok := r.t.sessions[id]; ok {
		return sess, nil
	}
	var owner string
	found := false
	r.t.read(func(d *state) {
		if sess, ok := d.sessions[id]; ok {
			owner, found = sess.UserID, true
		}
	})
	if !found {
		return nil, domain.ErrSessionNotFound
	}
	if err := r.t.lock(ctx, owner); err != nil {
		return nil, err
	}
	var sess *domain.Session
	r.t.read(func(d *state) { sess = d.sessions[id].Clone() })
	r.t.sessions[id] = sess
	return sess, nil
}

func (r sessionRepo) Create(ctx context.Context, sess *domain.Session) error {
	if err := r.t.lock(ctx, sess.UserID); err != nil {
		return err
	}
	r.t.sessions[sess.ID] = sess.Clone()
	return nil
}

func (r sessionRepo) FindForUser(ctx context.Context, id, userID string) (*domain.Session, error) {
	if _, ok := r.t.sessions[id]; !ok {
		var owner string
		r.t.read(func(d *state) {
			if sess, ok := d.sessions[id]; ok {
				owner = sess.UserID
			}
		})
		if owner != userID {
			return nil, domain.ErrSessionNotFound
		}
	}
	sess, err := r.forUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, domain.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// active returns the unit's copies of userID's Active sessions, most recently
// active first.
func (r sessionRepo) active(ctx context.Context, userID string) ([]*domain.Session, error) {
	if err := r.t.lock(ctx, userID); err != nil {
		return nil, err
	}
	var ids []string
	r.t.read(func(d *state) { ids = append(ids, d.sessionsByUser[userID]...) })
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	for id, sess := range r.t.sessions {
		if _, ok := seen[id]; !ok && sess.UserID == userID {
			ids = append(ids, id)
		}
	}

	var out []*domain.Session
	for _, id := range ids {
		sess, err := r.forUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess.IsActive() {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

func (r sessionRepo) ListActive(ctx context.Context, userID string) ([]*domain.Session, error) {
	active, err := r.active(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Session, 0, len(active))
	for _, sess := range active {
		out = append(out, sess.Clone())
	}
	return out, nil
}

func (r sessionRepo) LatestActiveByIP(ctx context.Context, userID, ip string) (*domain.Session, error) {
	active, err := r.active(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, sess := range active {
		if sess.IPAddress == ip {
			return sess.Clone(), nil
		}
	}
	return nil, domain.ErrSessionNotFound
}

func (r sessionRepo) Touch(ctx context.Context, id string, at time.Time) error {
	sess, err := r.forUpdate(ctx, id)
	if err != nil {
		return err
	}
	sess.Touch(at)
	return nil
}

func (r sessionRepo) Terminate(ctx context.Context, id string, status domain.SessionStatus, at time.Time) (bool, error) {
	sess, err := r.forUpdate(ctx, id)
	if err != nil {
		return false, err
	}
	return sess.Terminate(status, at), nil
}

func (r sessionRepo) TerminateAllActive(ctx context.Context, userID string, status domain.SessionStatus, at time.Time) (int64, error) {
	active, err := r.active(ctx, userID)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, sess := range active {
		if sess.Terminate(status, at) {
			n++
		}
	}
	return n, nil
}

// auditRepo stages events; they reach the shared log only on commit.
type auditRepo struct{ t *tx }

func (r auditRepo) Append(_ context.Context, event *domain.AuditLog) error {
	r.t.audit = append(r.t.audit, *event)
	return nil
}
