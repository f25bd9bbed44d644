package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/99minutos/auth-service/internal/core/domain"
	"github.com/99minutos/auth-service/internal/core/ports"
)

// SeedUser describes one account created by SeedUsers.
type SeedUser struct {
	Email    string
	Password string
	FullName string
	Role     domain.Role
}

// DemoUsers is one account per role for local environments.
var DemoUsers = []SeedUser{
	{Email: "admin@example.com", Password: "Admin123!", FullName: "System Administrator", Role: domain.RoleAdmin},
	{Email: "manager@example.com", Password: "Manager123!", FullName: "Demo Manager", Role: domain.RoleManager},
	{Email: "user@example.com", Password: "User123!", FullName: "Demo User", Role: domain.RoleUser},
	{Email: "guest@example.com", Password: "Guest123!", FullName: "Demo Guest", Role: domain.RoleGuest},
}

// SeedUsers creates users only when the store holds none. It returns the
// number of users created.
func SeedUsers(ctx context.Context, uow ports.UnitOfWork, hasher ports.PasswordHasher, users []SeedUser) (int, error) {
	hashes := make([]string, len(users))
	for i, u := range users {
		h, err := hasher.Hash(u.Password)
		if err != nil {
			return 0, fmt.Errorf("hash password for %s: %w", u.Email, err)
		}
		hashes[i] = h
	}

	created := 0
	err := uow.Do(ctx, func(ctx context.Context, tx ports.Tx) error {
		created = 0
		n, err := tx.Users().Count(ctx)
		if err != nil {
			return fmt.Errorf("count users: %w", err)
		}
		if n > 0 {
			return nil
		}
		now := time.Now().UTC()
		for i, u := range users {
			user := domain.NewUser(uuid.NewString(), u.Email, hashes[i], u.FullName, u.Role)
			user.SetCreatedBy(domain.SystemActor, now)
			if err := tx.Users().Create(ctx, user); err != nil {
				return fmt.Errorf("create %s: %w", user.Email, err)
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}
