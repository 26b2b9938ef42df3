package maturity

import (
	"testing"
	"time"
)

func TestComputeNaii(t *testing.T) {
	nt, err := Type("naii")
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		level    int
		percent  int
		complete bool
	}{
		{0, 0, false},
		{1, 20, false},
		{2, 40, false},
		{3, 60, false},
		{4, 80, false},
		{5, 100, true},
	}
	for _, c := range cases {
		got := nt.Compute(c.level)
		if got.Percent != c.percent || got.IsComplete != c.complete {
			t.Fatalf("level %d: got %+v", c.level, got)
		}
	}
}

func TestComputeClampsOutOfRange(t *testing.T) {
	nt, _ := Type("naii")
	if got := nt.Compute(-3); got.Percent != 0 || got.IsComplete {
		t.Fatalf("negative level: %+v", got)
	}
	if got := nt.Compute(9); got.Percent != 100 || !got.IsComplete {
		t.Fatalf("over max: %+v", got)
	}
}

func TestEtariIsAnswerBased(t *testing.T) {
	et, err := Type("etari")
	if err != nil {
		t.Fatal(err)
	}
	if !et.AnswerBased {
		t.Fatal("etari must be answer based")
	}
	if got := et.Compute(1); got.Percent != 100 || !got.IsComplete {
		t.Fatalf("confirmed answer: %+v", got)
	}
	if got := et.Compute(0); got.Percent != 0 || got.IsComplete {
		t.Fatalf("unconfirmed answer: %+v", got)
	}
}

func TestUnknownType(t *testing.T) {
	if _, err := Type("bespoke"); err == nil {
		t.Fatal("unknown type accepted")
	}
}

func TestDeriveStatus(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	if got := DeriveStatus(true, &past, true, now); got != StatusArchived {
		t.Fatalf("archived wins: got %s", got)
	}
	if got := DeriveStatus(false, &past, true, now); got != StatusCompleted {
		t.Fatalf("completed: got %s", got)
	}
	if got := DeriveStatus(false, &past, false, now); got != StatusInProgress {
		t.Fatalf("started: got %s", got)
	}
	if got := DeriveStatus(false, &future, false, now); got != StatusNotStarted {
		t.Fatalf("future start: got %s", got)
	}
	if got := DeriveStatus(false, nil, false, now); got != StatusNotStarted {
		t.Fatalf("no start date: got %s", got)
	}
	// Start date exactly now counts as started.
	if got := DeriveStatus(false, &now, false, now); got != StatusInProgress {
		t.Fatalf("start == now: got %s", got)
	}
}

func TestAggregatePercent(t *testing.T) {
	if got := AggregatePercent(nil); got != 0 {
		t.Fatalf("empty: %d", got)
	}
	if got := AggregatePercent([]int{20, 40, 100}); got != 53 {
		t.Fatalf("mean rounding: %d", got)
	}
	if got := AggregatePercent([]int{100, 100}); got != 100 {
		t.Fatalf("all complete: %d", got)
	}
}
