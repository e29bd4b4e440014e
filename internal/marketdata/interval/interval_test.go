package interval

import (
	"errors"
	"testing"
)

func TestBucketStart_AlignmentAllIntervals(t *testing.T) {
	timestamps := []int64{0, 1, 59, 60, 61, 1_700_000_123, 1_700_003_599, 1_704_067_200, -1, -61}

	for _, iv := range All {
		for _, ts := range timestamps {
			got, err := BucketStart(ts, iv.Label)
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", iv.Label, err)
			}
			if got%iv.Seconds != 0 {
				t.Errorf("%s ts=%d: bucket %d not a multiple of %d", iv.Label, ts, got, iv.Seconds)
			}
			if !(got <= ts && ts < got+iv.Seconds) {
				t.Errorf("%s ts=%d: bucket %d does not contain ts", iv.Label, ts, got)
			}
		}
	}
}

func TestBucketStart_KnownValues(t *testing.T) {
	// 2023-11-14 22:15:23 UTC
	const ts int64 = 1_700_000_123
	cases := []struct {
		label string
		want  int64
	}{
		{"1m", 1_700_000_100},
		{"5m", 1_699_999_800},
		{"1h", 1_699_999_200},
		{"1d", 1_699_920_000},
	}
	for _, c := range cases {
		got, err := BucketStart(ts, c.label)
		if err != nil {
			t.Fatalf("%s: %v", c.label, err)
		}
		if got != c.want {
			t.Errorf("%s: got %d, want %d", c.label, got, c.want)
		}
	}
}

func TestBucketSeconds(t *testing.T) {
	want := map[string]int64{
		"1m": 60, "3m": 180, "5m": 300, "15m": 900, "30m": 1800,
		"1h": 3600, "2h": 7200, "4h": 14400, "6h": 21600, "12h": 43200,
		"1d": 86400, "1w": 604800,
	}
	for label, secs := range want {
		got, err := BucketSeconds(label)
		if err != nil {
			t.Fatalf("%s: %v", label, err)
		}
		if got != secs {
			t.Errorf("%s: got %d, want %d", label, got, secs)
		}
	}
	if len(All) != len(want) {
		t.Errorf("expected %d intervals, got %d", len(want), len(All))
	}
}

func TestInvalidInterval(t *testing.T) {
	for _, label := range []string{"", "2m", "1M", "60", "1y"} {
		if _, err := BucketSeconds(label); !errors.Is(err, ErrInvalidInterval) {
			t.Errorf("BucketSeconds(%q): expected ErrInvalidInterval, got %v", label, err)
		}
		if _, err := BucketStart(100, label); !errors.Is(err, ErrInvalidInterval) {
			t.Errorf("BucketStart(%q): expected ErrInvalidInterval, got %v", label, err)
		}
	}
}

func TestMustBucketSeconds_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for unknown label")
		}
	}()
	MustBucketSeconds("7m")
}

func TestParseOrDefault(t *testing.T) {
	if got := ParseOrDefault("4h"); got != "4h" {
		t.Errorf("expected 4h, got %s", got)
	}
	if got := ParseOrDefault("garbage"); got != DefaultLabel {
		t.Errorf("expected default %s, got %s", DefaultLabel, got)
	}
}
