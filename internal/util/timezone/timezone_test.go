package timezone

import (
	"testing"
	"time"
)

func TestInitializeAndFormat(t *testing.T) {
	Initialize("UTC")
	ts := time.Date(2024, 3, 5, 23, 30, 0, 0, time.FixedZone("X", -2*3600))
	if got := RFC3339(ts); got != "2024-03-06T01:30:00Z" {
		t.Errorf("RFC3339() = %q", got)
	}
	if got := StartOfDay(ts); !got.Equal(time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("StartOfDay() = %v", got)
	}

	Initialize("Not/AZone")
	if Location() != time.UTC {
		t.Errorf("Expected UTC fallback, got %v", Location())
	}
}
