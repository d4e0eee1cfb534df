package auth

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewStore(db, "sqlite", nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestCreateAndAuthenticate(t *testing.T) {
	s := testStore(t)

	key, plain, err := s.Create("ops", []string{"get_*", "create_crew"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(plain, KeyPrefix) {
		t.Fatalf("plaintext %q missing prefix", plain)
	}
	if key.Prefix != plain[:12] {
		t.Fatalf("stored prefix %q does not match plaintext", key.Prefix)
	}

	got, err := s.Authenticate(plain)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ID != key.ID {
		t.Fatalf("resolved wrong key: %s", got.ID)
	}

	if _, err := s.Authenticate("chk_wrong"); err == nil {
		t.Fatal("unknown credential authenticated")
	}
	if _, err := s.Authenticate("  "); err == nil {
		t.Fatal("blank credential authenticated")
	}
}

func TestPermissionGlobs(t *testing.T) {
	s := testStore(t)
	key, _, err := s.Create("reader", []string{"get_*", "list_crews"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cases := []struct {
		tool string
		want bool
	}{
		{"get_crew_status", true},
		{"get_live_events", true},
		{"list_crews", true},
		{"create_crew", false},
		{"emergency_stop", false},
	}
	for _, tc := range cases {
		if got := key.Can(tc.tool); got != tc.want {
			t.Errorf("Can(%q) = %v, want %v", tc.tool, got, tc.want)
		}
	}

	admin, _, err := s.Create("admin", []string{"*"}, "")
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	if !admin.Can("emergency_stop") {
		t.Fatal("admin glob rejected tool")
	}
}

func TestDisable(t *testing.T) {
	s := testStore(t)
	key, plain, err := s.Create("temp", []string{"*"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.Disable(key.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := s.Authenticate(plain); err == nil {
		t.Fatal("disabled key authenticated")
	}
	if err := s.Disable("missing"); err != sql.ErrNoRows {
		t.Fatalf("disable missing = %v, want ErrNoRows", err)
	}
}

func TestBootstrap(t *testing.T) {
	s := testStore(t)

	plain, err := s.Bootstrap("chk_operator_supplied")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if plain != "chk_operator_supplied" {
		t.Fatalf("bootstrap ignored supplied material: %q", plain)
	}

	key, err := s.Authenticate(plain)
	if err != nil {
		t.Fatalf("authenticate bootstrap key: %v", err)
	}
	if !key.Can("create_api_key") {
		t.Fatal("bootstrap key is not admin")
	}

	// second call is a no-op with keys present
	again, err := s.Bootstrap("")
	if err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if again != "" {
		t.Fatal("bootstrap minted a second admin key")
	}
}

func TestListOmitsDigest(t *testing.T) {
	s := testStore(t)
	_, _, err := s.Create("a", []string{"*"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	keys, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("len = %d, want 1", len(keys))
	}
	if keys[0].digest != "" {
		t.Fatal("digest leaked through List")
	}
}
