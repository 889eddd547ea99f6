package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(sqlFS, "sql")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}

	ups, downs := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected file %s", name)
		}
	}
	if len(ups) == 0 {
		t.Fatal("no migrations embedded")
	}
	for base := range ups {
		if !downs[base] {
			t.Fatalf("migration %s has no down file", base)
		}
	}
}

func TestSchemaEnforcesLedgerInvariants(t *testing.T) {
	raw, err := fs.ReadFile(sqlFS, "sql/000001_billing.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	schema := string(raw)
	for _, want := range []string{
		"CHECK (addon_credits_balance >= 0)",
		"ON credit_ledger_entries (idempotency_key)",
		"ON credit_ledger_entries (provider_event_id)",
		"ON credit_ledger_entries (provider_checkout_session_id)",
		"ON revenue_events (provider_event_id)",
		"ON billing_profiles (account_id)",
	} {
		if !strings.Contains(schema, want) {
			t.Fatalf("schema missing %q", want)
		}
	}
}

func TestNilDB(t *testing.T) {
	if err := Up(nil); err == nil {
		t.Fatal("expected error for nil db")
	}
	if err := ForceVersion(nil, 1); err == nil {
		t.Fatal("expected error for nil db")
	}
}
