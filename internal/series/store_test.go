package series

import (
	"errors"
	"testing"

	"trading-simv1/internal/model"
)

func bar(t int64, close float64) model.Bar {
	return model.Bar{Time: t, Open: close, High: close + 1, Low: close - 1, Close: close}
}

func candle(t int64, close, vol float64) model.Candle {
	return model.Candle{Time: t, Open: close, High: close + 1, Low: close - 1, Close: close, Volume: vol}
}

// assertInvariants checks ascending unique times and 1:1 volume alignment.
func assertInvariants(t *testing.T, s *Store) {
	t.Helper()
	bars, vols := s.Bars(), s.Volumes()
	if len(bars) != len(vols) {
		t.Fatalf("bars=%d volumes=%d not aligned", len(bars), len(vols))
	}
	for i := range bars {
		if bars[i].Time != vols[i].Time {
			t.Fatalf("index %d: bar time %d != volume time %d", i, bars[i].Time, vols[i].Time)
		}
		if i > 0 && bars[i].Time <= bars[i-1].Time {
			t.Fatalf("index %d: time %d not after %d", i, bars[i].Time, bars[i-1].Time)
		}
	}
}

func TestNew_DefaultCap(t *testing.T) {
	if got := New(0).MaxLen(); got != DefaultMaxLen {
		t.Errorf("expected default cap %d, got %d", DefaultMaxLen, got)
	}
}

func TestSeed_DedupSortAndColors(t *testing.T) {
	s := New(10)
	s.Seed([]model.Bar{
		bar(180, 12),
		bar(60, 10),
		bar(120, 9),
		{Time: 180, Open: 13, High: 14, Low: 12, Close: 13}, // last write wins
	})
	assertInvariants(t, s)

	if s.Len() != 3 {
		t.Fatalf("expected 3 bars after dedup, got %d", s.Len())
	}
	b, _, _ := s.Find(180)
	if b.Close != 13 {
		t.Errorf("duplicate time: expected last write (close 13), got %.2f", b.Close)
	}

	vols := s.Volumes()
	want := []model.VolumeColor{model.ColorUp, model.ColorDown, model.ColorUp}
	for i, c := range want {
		if vols[i].Color != c {
			t.Errorf("volume %d: color %s, want %s", i, vols[i].Color, c)
		}
		if vols[i].Value != 0 {
			t.Errorf("volume %d: bare bars should seed zero volume, got %.2f", i, vols[i].Value)
		}
	}
}

func TestSeedCandles_KeepsVolume(t *testing.T) {
	s := New(10)
	s.SeedCandles([]model.Candle{candle(60, 10, 5.5), candle(120, 10, 7)})
	_, v, ok := s.Find(120)
	if !ok || v.Value != 7 {
		t.Fatalf("expected volume 7 at 120, got %+v ok=%v", v, ok)
	}
	// Equal close counts as up.
	if v.Color != model.ColorUp {
		t.Errorf("expected up color for equal close, got %s", v.Color)
	}
}

func TestSeedThenMergePrepend_Union(t *testing.T) {
	s := New(5)
	s.SeedCandles([]model.Candle{candle(300, 30, 1), candle(360, 31, 1), candle(420, 32, 1)})

	// Overlaps at 300 and 360; the held bars must win.
	added := s.MergePrepend([]model.Candle{
		candle(120, 10, 1), candle(180, 11, 1), candle(240, 12, 1),
		candle(300, 99, 1), candle(360, 99, 1),
	})
	assertInvariants(t, s)

	if added != 3 {
		t.Errorf("expected 3 bars added, got %d", added)
	}
	// Union of distinct times: 120,180,240,300,360,420; the cap does not apply.
	if s.Len() != 6 {
		t.Fatalf("expected union length 6, got %d", s.Len())
	}
	b, _, _ := s.Find(300)
	if b.Close != 30 {
		t.Errorf("existing bar must win on collision: close %.2f", b.Close)
	}
	oldest, _ := s.Oldest()
	if oldest.Time != 120 {
		t.Errorf("expected oldest 120, got %d", oldest.Time)
	}
	// Colors recomputed across the seam: 240 (12) → 300 (30) is up.
	_, v, _ := s.Find(300)
	if v.Color != model.ColorUp {
		t.Errorf("expected up at seam, got %s", v.Color)
	}
}

func TestAppendOrUpdateLive_SameBucketUpdates(t *testing.T) {
	s := New(10)
	s.Seed([]model.Bar{bar(60, 100), bar(120, 101)})

	appended, err := s.AppendOrUpdateLive(120, 105)
	if err != nil || appended {
		t.Fatalf("same bucket: appended=%v err=%v", appended, err)
	}
	appended, _ = s.AppendOrUpdateLive(120, 95)
	if appended {
		t.Fatal("same bucket must not append")
	}
	if s.Len() != 2 {
		t.Fatalf("length changed on same-bucket update: %d", s.Len())
	}
	last, _ := s.Latest()
	if last.High != 105 || last.Low != 95 || last.Close != 95 || last.Open != 101 {
		t.Errorf("unexpected updated bar: %+v", last)
	}
	_, v, _ := s.Find(120)
	if v.Color != model.ColorDown {
		t.Errorf("close 95 below previous close 100: expected down, got %s", v.Color)
	}
}

func TestAppendOrUpdateLive_NewBucketAppendsOne(t *testing.T) {
	s := New(10)
	s.Seed([]model.Bar{bar(60, 100)})

	appended, err := s.AppendOrUpdateLive(180, 102)
	if err != nil || !appended {
		t.Fatalf("new bucket: appended=%v err=%v", appended, err)
	}
	assertInvariants(t, s)
	if s.Len() != 2 {
		t.Fatalf("expected exactly one new bar, got len %d", s.Len())
	}
	last, _ := s.Latest()
	if last != (model.Bar{Time: 180, Open: 102, High: 102, Low: 102, Close: 102}) {
		t.Errorf("new bar should be flat at tick price: %+v", last)
	}
	_, v, _ := s.Find(180)
	if v.Value != 0 || v.Color != model.ColorUp {
		t.Errorf("new volume entry: %+v", v)
	}
}

func TestAppendOrUpdateLive_EmptyStore(t *testing.T) {
	s := New(10)
	appended, err := s.AppendOrUpdateLive(60, 1)
	if err != nil || !appended || s.Len() != 1 {
		t.Fatalf("empty store: appended=%v err=%v len=%d", appended, err, s.Len())
	}
}

func TestAppendOrUpdateLive_StaleBucket(t *testing.T) {
	s := New(10)
	s.Seed([]model.Bar{bar(60, 100), bar(120, 101)})
	_, err := s.AppendOrUpdateLive(60, 50)
	if !errors.Is(err, ErrStaleBucket) {
		t.Fatalf("expected ErrStaleBucket, got %v", err)
	}
	b, _, _ := s.Find(60)
	if b.Close != 100 {
		t.Errorf("stale update must not mutate: %+v", b)
	}
}

func TestAppendOrUpdateLive_RetentionCap(t *testing.T) {
	const capN = 5
	s := New(capN)
	var seed []model.Bar
	for i := int64(1); i <= capN; i++ {
		seed = append(seed, bar(i*60, float64(i)))
	}
	s.Seed(seed)

	if _, err := s.AppendOrUpdateLive((capN+1)*60, 42); err != nil {
		t.Fatal(err)
	}
	assertInvariants(t, s)
	if s.Len() != capN {
		t.Fatalf("expected length %d after eviction, got %d", capN, s.Len())
	}
	if _, _, ok := s.Find(60); ok {
		t.Error("oldest bar should have been evicted")
	}
	oldest, _ := s.Oldest()
	if oldest.Time != 120 {
		t.Errorf("expected new oldest 120, got %d", oldest.Time)
	}

	// Keep appending well past the cap.
	for i := int64(capN + 2); i < 100; i++ {
		s.AppendOrUpdateLive(i*60, float64(i))
	}
	assertInvariants(t, s)
	if s.Len() != capN {
		t.Fatalf("length drifted to %d", s.Len())
	}
}

func TestAppendOrUpdateLive_KeepsPaginatedHistory(t *testing.T) {
	s := New(3)
	s.Seed([]model.Bar{bar(600, 1), bar(660, 2), bar(720, 3)})

	var older []model.Candle
	for i := int64(0); i < 10; i++ {
		older = append(older, candle(i*60, float64(i), 1))
	}
	if added := s.MergePrepend(older); added != 10 {
		t.Fatalf("expected 10 paginated bars, got %d", added)
	}
	prev := s.Len()
	if prev != 13 {
		t.Fatalf("merge must not apply the cap, got %d", prev)
	}

	if _, err := s.AppendOrUpdateLive(780, 4); err != nil {
		t.Fatal(err)
	}
	assertInvariants(t, s)
	if s.Len() != prev {
		t.Fatalf("expected length %d after one live append, got %d", prev, s.Len())
	}
	if _, _, ok := s.Find(0); ok {
		t.Error("only the single oldest bar should be evicted")
	}
	for _, ts := range []int64{60, 300, 540, 600, 780} {
		if _, _, ok := s.Find(ts); !ok {
			t.Errorf("bar %d lost after live append", ts)
		}
	}
}

func TestAddVolume(t *testing.T) {
	s := New(10)
	s.AddVolume(1) // no-op on empty store
	s.AppendOrUpdateLive(60, 10)
	s.AddVolume(0.5)
	s.AddVolume(-3)
	s.AddVolume(1.25)
	_, v, _ := s.Find(60)
	if v.Value != 1.75 {
		t.Errorf("expected volume 1.75, got %.4f", v.Value)
	}
}

func TestCopiesAreIndependent(t *testing.T) {
	s := New(10)
	s.Seed([]model.Bar{bar(60, 1)})
	bars := s.Bars()
	bars[0].Close = 999
	if b, _ := s.Latest(); b.Close == 999 {
		t.Error("Bars() must return a copy")
	}
}

func TestReset(t *testing.T) {
	s := New(10)
	s.Seed([]model.Bar{bar(60, 1)})
	s.Reset()
	if s.Len() != 0 {
		t.Fatalf("expected empty store, got %d", s.Len())
	}
	if _, ok := s.Oldest(); ok {
		t.Error("Oldest on empty store should report false")
	}
	if _, _, ok := s.Find(60); ok {
		t.Error("Find on empty store should report false")
	}
}
