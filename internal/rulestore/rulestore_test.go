package rulestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sinanerdinc/mockpod/internal/ruleengine"
)

func sampleRuleSet() RuleSet {
	return RuleSet{
		ID:       "original-id",
		Name:     "My Rules",
		IsActive: true,
		Rules: []ruleengine.Rule{
			{
				ID:      "r1",
				Name:    "rule one",
				Enabled: true,
				Matcher: ruleengine.Matcher{URLPattern: "http://example.test/a", MatchType: ruleengine.Exact},
				Response: ruleengine.MockResponse{
					StatusCode: 418,
					Body:       "hello",
					Delay:      250 * time.Millisecond,
				},
				CreatedAt: time.Now().Truncate(time.Second),
			},
		},
		CreatedAt:   time.Now().Truncate(time.Second),
		Description: "test rule set",
	}
}

func TestExportImport_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")

	rs := sampleRuleSet()
	if err := Export(path, rs); err != nil {
		t.Fatalf("Export: %v", err)
	}

	imported, err := Import(path)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	if imported.Name != rs.Name {
		t.Errorf("Name = %q, want %q", imported.Name, rs.Name)
	}
	if len(imported.Rules) != 1 || imported.Rules[0].Response.Body != "hello" {
		t.Errorf("unexpected rules after round trip: %+v", imported.Rules)
	}
	if imported.Rules[0].Response.Delay != 250*time.Millisecond {
		t.Errorf("Delay = %v, want 250ms", imported.Rules[0].Response.Delay)
	}
}

func TestImport_RegeneratesIDAndForcesInactive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")

	rs := sampleRuleSet()
	if err := Export(path, rs); err != nil {
		t.Fatal(err)
	}

	imported, err := Import(path)
	if err != nil {
		t.Fatal(err)
	}
	if imported.ID == "original-id" {
		t.Error("expected id to be regenerated on import")
	}
	if imported.IsActive {
		t.Error("expected isActive forced to false on import")
	}
}

func TestImport_MissingFile(t *testing.T) {
	if _, err := Import("/nonexistent/rules.json"); err == nil {
		t.Error("expected error importing a missing file")
	}
}

func TestMemorySnapshotCache_GetSet(t *testing.T) {
	c := NewMemorySnapshotCache()
	defer c.Close()

	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss on empty cache")
	}

	rs := sampleRuleSet()
	c.Set("id-1", rs)

	got, ok := c.Get("id-1")
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if got.Name != rs.Name {
		t.Errorf("Name = %q, want %q", got.Name, rs.Name)
	}
}

func TestBboltSnapshotCache_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshots.db")

	c1, err := NewBboltSnapshotCache(path)
	if err != nil {
		t.Fatalf("NewBboltSnapshotCache: %v", err)
	}
	rs := sampleRuleSet()
	c1.Set("id-1", rs)
	if err := c1.Close(); err != nil {
		t.Fatal(err)
	}

	c2, err := NewBboltSnapshotCache(path)
	if err != nil {
		t.Fatalf("reopen NewBboltSnapshotCache: %v", err)
	}
	defer c2.Close()

	got, ok := c2.Get("id-1")
	if !ok {
		t.Fatal("expected cached rule set to survive reopen")
	}
	if got.Name != rs.Name {
		t.Errorf("Name = %q, want %q", got.Name, rs.Name)
	}
}

func TestBboltSnapshotCache_MissReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	c, err := NewBboltSnapshotCache(filepath.Join(dir, "snapshots.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, ok := c.Get("nope"); ok {
		t.Error("expected miss for unknown id")
	}
}
