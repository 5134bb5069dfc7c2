package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sysmanage/sysmanage-server/internal/auth"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testOperator(id, username string) auth.Operator {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return auth.Operator{
		ID:           id,
		Username:     username,
		PasswordHash: "$2a$12$notarealhash",
		Roles:        []auth.Role{auth.RoleOperator},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestOperatorCRUD(t *testing.T) {
	s := openStore(t)

	op := testOperator("op-1", "alice")
	if err := s.CreateOperator(op); err != nil {
		t.Fatalf("creating operator: %v", err)
	}

	got, err := s.GetOperator("op-1")
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.Username != "alice" {
		t.Errorf("username = %q", got.Username)
	}

	byName, err := s.GetOperatorByUsername("alice")
	if err != nil {
		t.Fatalf("get by username: %v", err)
	}
	if byName.ID != "op-1" {
		t.Errorf("id via username index = %q", byName.ID)
	}

	got.Roles = []auth.Role{auth.RoleAdmin}
	if err := s.UpdateOperator(*got); err != nil {
		t.Fatalf("update: %v", err)
	}
	updated, _ := s.GetOperator("op-1")
	if len(updated.Roles) != 1 || updated.Roles[0] != auth.RoleAdmin {
		t.Errorf("roles after update = %v", updated.Roles)
	}

	if err := s.DeleteOperator("op-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetOperator("op-1"); !errors.Is(err, auth.ErrOperatorNotFound) {
		t.Errorf("get after delete = %v, want ErrOperatorNotFound", err)
	}
	if _, err := s.GetOperatorByUsername("alice"); !errors.Is(err, auth.ErrOperatorNotFound) {
		t.Errorf("username index survived delete: %v", err)
	}
}

func TestCreateOperatorRejectsDuplicateUsername(t *testing.T) {
	s := openStore(t)

	if err := s.CreateOperator(testOperator("op-1", "alice")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := s.CreateOperator(testOperator("op-2", "alice"))
	if !errors.Is(err, auth.ErrUsernameTaken) {
		t.Fatalf("duplicate create = %v, want ErrUsernameTaken", err)
	}
}

func TestUpdateOperatorRotatesUsernameIndex(t *testing.T) {
	s := openStore(t)

	op := testOperator("op-1", "alice")
	if err := s.CreateOperator(op); err != nil {
		t.Fatalf("create: %v", err)
	}

	op.Username = "alice-renamed"
	if err := s.UpdateOperator(op); err != nil {
		t.Fatalf("rename: %v", err)
	}

	if _, err := s.GetOperatorByUsername("alice"); err == nil {
		t.Error("old username still resolves")
	}
	got, err := s.GetOperatorByUsername("alice-renamed")
	if err != nil {
		t.Fatalf("new username: %v", err)
	}
	if got.ID != "op-1" {
		t.Errorf("id = %q", got.ID)
	}
}

func TestCreateFirstOperatorOnlyOnce(t *testing.T) {
	s := openStore(t)

	if err := s.CreateFirstOperator(testOperator("op-1", "admin")); err != nil {
		t.Fatalf("first: %v", err)
	}
	err := s.CreateFirstOperator(testOperator("op-2", "other"))
	if !errors.Is(err, auth.ErrOperatorsExist) {
		t.Fatalf("second = %v, want ErrOperatorsExist", err)
	}

	count, err := s.OperatorCount()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestAPITokenHashLookupAndCascade(t *testing.T) {
	s := openStore(t)

	if err := s.CreateOperator(testOperator("op-1", "alice")); err != nil {
		t.Fatalf("create operator: %v", err)
	}
	token := auth.APIToken{
		ID:         "tok-1",
		Name:       "ci",
		TokenHash:  "abc123",
		OperatorID: "op-1",
		Roles:      []auth.Role{auth.RoleViewer},
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.CreateAPIToken(token); err != nil {
		t.Fatalf("create token: %v", err)
	}

	got, err := s.GetAPITokenByHash("abc123")
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got.ID != "tok-1" || got.Name != "ci" {
		t.Errorf("token = %+v", got)
	}

	list, err := s.ListAPITokensForOperator("op-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %v tokens, err %v", len(list), err)
	}

	// Deleting the operator must take its tokens with it.
	if err := s.DeleteOperator("op-1"); err != nil {
		t.Fatalf("delete operator: %v", err)
	}
	if _, err := s.GetAPITokenByHash("abc123"); !errors.Is(err, auth.ErrTokenNotFound) {
		t.Errorf("token survived operator delete: %v", err)
	}
}

func TestSettingsRoundtrip(t *testing.T) {
	s := openStore(t)

	v, err := s.LoadSetting("missing")
	if err != nil || v != "" {
		t.Fatalf("missing setting = %q, %v", v, err)
	}
	if err := s.SaveSetting("maintenance_spec", "@hourly"); err != nil {
		t.Fatalf("save: %v", err)
	}
	v, err = s.LoadSetting("maintenance_spec")
	if err != nil || v != "@hourly" {
		t.Fatalf("load = %q, %v", v, err)
	}
}

func TestLicenseTokenRoundtrip(t *testing.T) {
	s := openStore(t)

	tok, err := s.LicenseToken()
	if err != nil || tok != "" {
		t.Fatalf("empty store token = %q, %v", tok, err)
	}
	if err := s.SaveLicenseToken("signed.jwt.token"); err != nil {
		t.Fatalf("save: %v", err)
	}
	tok, err = s.LicenseToken()
	if err != nil || tok != "signed.jwt.token" {
		t.Fatalf("load = %q, %v", tok, err)
	}
}
