package parallel

import (
	"errors"
	"sync/atomic"
	"testing"
)

func TestForVisitsEveryUnit(t *testing.T) {
	for _, workers := range []int{1, 2, 7, 0} {
		const n = 1000
		var seen [n]atomic.Int32
		err := For(n, workers, func(i int) error {
			seen[i].Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("workers=%d: %v", workers, err)
		}
		for i := range seen {
			if got := seen[i].Load(); got != 1 {
				t.Fatalf("workers=%d: unit %d ran %d times", workers, i, got)
			}
		}
	}
}

func TestForStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	var ran atomic.Int64
	err := For(100000, 4, func(i int) error {
		ran.Add(1)
		if i == 10 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("For() = %v, want boom", err)
	}
	if ran.Load() == 100000 {
		t.Error("For() kept handing out units after an error")
	}
}

func TestBandsCoverGrid(t *testing.T) {
	tests := []struct {
		batch, rows, workers, minRows int
	}{
		{1, 1, 8, 1},
		{3, 17, 4, 1},
		{2, 480, 16, 8},
		{64, 2, 2, 4},
	}
	for _, tt := range tests {
		units := Bands(tt.batch, tt.rows, tt.workers, tt.minRows)
		covered := make([]int, tt.batch*tt.rows)
		for _, u := range units {
			if u.Y0 >= u.Y1 {
				t.Fatalf("%+v: empty unit %+v", tt, u)
			}
			for y := u.Y0; y < u.Y1; y++ {
				covered[u.Image*tt.rows+y]++
			}
		}
		for i, c := range covered {
			if c != 1 {
				t.Fatalf("%+v: row %d covered %d times", tt, i, c)
			}
		}
	}
}

func TestRanges(t *testing.T) {
	r := Ranges(10, 3)
	want := [][2]int{{0, 4}, {4, 8}, {8, 10}}
	if len(r) != len(want) {
		t.Fatalf("Ranges() = %v, want %v", r, want)
	}
	for i := range want {
		if r[i] != want[i] {
			t.Errorf("Ranges()[%d] = %v, want %v", i, r[i], want[i])
		}
	}
	if Ranges(0, 4) != nil {
		t.Error("Ranges(0, 4) should be nil")
	}
}
