package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"trading-simv1/config"
	"trading-simv1/internal/model"
)

var _ model.SettingsStore = (*Store)(nil)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "settings.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestStore_GetSet(t *testing.T) {
	s, _ := openTemp(t)

	if _, ok := s.Get("chart.interval"); ok {
		t.Fatal("expected missing key on fresh database")
	}
	if err := s.Set("chart.interval", "5m"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("chart.interval", "1h"); err != nil {
		t.Fatal(err)
	}
	v, ok := s.Get("chart.interval")
	if !ok || v != "1h" {
		t.Errorf("expected 1h after upsert, got %q ok=%v", v, ok)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	s, path := openTemp(t)
	if err := s.Set("chart.ema1.period", "12"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if v, _ := s2.Get("chart.ema1.period"); v != "12" {
		t.Errorf("expected 12 after reopen, got %q", v)
	}
}

func TestStore_SetManyAllDelete(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()

	err := s.SetMany(ctx, map[string]string{"a": "1", "b": "2", "c": "3"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("b"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("missing"); err != nil {
		t.Errorf("deleting a missing key should not fail: %v", err)
	}
	all, err := s.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all["a"] != "1" || all["c"] != "3" {
		t.Errorf("unexpected settings: %v", all)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("ping: %v", err)
	}
}

func TestStore_SessionRoundTrip(t *testing.T) {
	s, _ := openTemp(t)

	want := config.DefaultSession()
	want.Interval = "15m"
	want.EMA2Visible = false
	if err := config.SeedSession(s, want); err != nil {
		t.Fatal(err)
	}
	got := config.LoadSession(s)
	if got != want {
		t.Errorf("session round trip:\n got %+v\nwant %+v", got, want)
	}
}
