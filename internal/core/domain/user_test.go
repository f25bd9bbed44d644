package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestUser_JSONMatchesProfileKeys(t *testing.T) {
	u := NewUser("u1", " Ann@Example.com ", "secret-hash", "Ann", RoleUser)
	u.SetCreatedBy(SystemActor, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	u.RecordLogin(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	u.FailedLoginAttempts = 2

	keys := func(v any) map[string]any {
		t.Helper()
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return m
	}

	user, profile := keys(u), keys(u.Profile())
	for k := range profile {
		if _, ok := user[k]; !ok {
			t.Errorf("user JSON missing profile key %q: %v", k, user)
		}
	}
	for k := range user {
		if _, ok := profile[k]; !ok {
			t.Errorf("user JSON has key %q that the profile does not: %v", k, user)
		}
	}
}
