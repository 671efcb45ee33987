package auth

import (
	"testing"
	"time"
)

func TestTokenManager_CreateAndValidate(t *testing.T) {
	m := NewTokenManager(time.Hour, nil)

	token, err := m.CreateToken(RoleOperator, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if token.Secret == "" {
		t.Fatal("expected non-empty secret")
	}
	if token.ID == "" {
		t.Fatal("expected non-empty ID")
	}
	if token.Role != RoleOperator {
		t.Errorf("role = %q, want %q", token.Role, RoleOperator)
	}

	validated, err := m.ValidateToken(token.Secret, "")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validated.ID != token.ID {
		t.Errorf("validated ID = %q, want %q", validated.ID, token.ID)
	}
}

func TestTokenManager_InvalidToken(t *testing.T) {
	m := NewTokenManager(time.Hour, nil)

	if _, err := m.ValidateToken("bogus-token", ""); err == nil {
		t.Fatal("expected error for invalid token")
	}
}

func TestTokenManager_ExpiredToken(t *testing.T) {
	m := NewTokenManager(10*time.Millisecond, nil)

	token, err := m.CreateToken(RoleViewer, "")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)

	if _, err := m.ValidateToken(token.Secret, ""); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestTokenManager_IPBinding(t *testing.T) {
	m := NewTokenManager(time.Hour, nil)

	token, err := m.CreateToken(RoleOperator, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.ValidateToken(token.Secret, "10.0.0.1"); err != nil {
		t.Fatalf("expected valid from bound IP: %v", err)
	}
	if _, err := m.ValidateToken(token.Secret, "10.0.0.2"); err == nil {
		t.Fatal("expected error for wrong IP")
	}
}

func TestTokenManager_NoIPBinding(t *testing.T) {
	m := NewTokenManager(time.Hour, nil)

	token, err := m.CreateToken(RoleViewer, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ValidateToken(token.Secret, "192.168.1.1"); err != nil {
		t.Fatalf("expected valid from any IP: %v", err)
	}
}

func TestTokenManager_Revoke(t *testing.T) {
	m := NewTokenManager(time.Hour, nil)

	token, err := m.CreateToken(RoleAdmin, "")
	if err != nil {
		t.Fatal(err)
	}

	m.RevokeToken(token.Secret)

	if _, err := m.ValidateToken(token.Secret, ""); err == nil {
		t.Fatal("expected error after revoke")
	}
}

func TestTokenManager_CleanExpired(t *testing.T) {
	m := NewTokenManager(10*time.Millisecond, nil)

	for i := 0; i < 5; i++ {
		m.CreateToken(RoleViewer, "")
	}

	time.Sleep(50 * time.Millisecond)

	if cleaned := m.CleanExpired(); cleaned != 5 {
		t.Errorf("cleaned = %d, want 5", cleaned)
	}
	if m.ActiveTokenCount() != 0 {
		t.Errorf("active count = %d, want 0", m.ActiveTokenCount())
	}
}

func TestTokenManager_ActiveTokenCount(t *testing.T) {
	m := NewTokenManager(time.Hour, nil)

	if m.ActiveTokenCount() != 0 {
		t.Errorf("initial count = %d, want 0", m.ActiveTokenCount())
	}

	m.CreateToken(RoleViewer, "")
	m.CreateToken(RoleOperator, "")
	m.CreateToken(RoleAdmin, "")

	if m.ActiveTokenCount() != 3 {
		t.Errorf("count = %d, want 3", m.ActiveTokenCount())
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("SOC_API_TOKEN", "")
	if m := FromEnv(nil); m != nil {
		t.Error("expected nil manager when SOC_API_TOKEN is unset")
	}

	t.Setenv("SOC_API_TOKEN", "static-admin-secret")
	m := FromEnv(nil)
	if m == nil {
		t.Fatal("expected manager")
	}
	token, err := m.ValidateToken("static-admin-secret", "")
	if err != nil {
		t.Fatalf("validate env token: %v", err)
	}
	if token.Role != RoleAdmin {
		t.Errorf("role = %q, want admin", token.Role)
	}
	// The env token never expires.
	if token.IsExpired() {
		t.Error("env token reported expired")
	}
}

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role Role
		perm string
		want bool
	}{
		{RoleAdmin, PermRead, true},
		{RoleAdmin, PermApprove, true},
		{RoleAdmin, PermAuditAck, true},

		{RoleOperator, PermRead, true},
		{RoleOperator, PermChat, true},
		{RoleOperator, PermLearn, true},
		{RoleOperator, PermApprove, false},
		{RoleOperator, PermAuditAck, false},

		{RoleViewer, PermRead, true},
		{RoleViewer, PermChat, false},
		{RoleViewer, PermLearn, false},
		{RoleViewer, PermApprove, false},

		{Role("unknown"), PermRead, false},
	}

	for _, tt := range tests {
		if got := HasPermission(tt.role, tt.perm); got != tt.want {
			t.Errorf("HasPermission(%q, %q) = %v, want %v", tt.role, tt.perm, got, tt.want)
		}
	}
}
