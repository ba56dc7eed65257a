package ringbuffer

import "testing"

func TestCapacityRoundsUpToChannelMultiple(t *testing.T) {
	r := New(10, 3) // 10 -> 12 (4 scans * 3 channels)
	if r.Capacity() != 12 {
		t.Fatalf("Capacity() = %d, want 12", r.Capacity())
	}
}

func TestWriteScanNeverBlocksAndWraps(t *testing.T) {
	r := New(6, 2) // 3 scans of 2 channels
	for i := 0; i < 10; i++ {
		r.WriteScan([]float64{float64(i), float64(i) + 0.5})
	}
	if r.ScansWritten() != 10 {
		t.Fatalf("ScansWritten() = %d, want 10", r.ScansWritten())
	}
}

func TestReadLatestLessThanCapacity(t *testing.T) {
	r := New(10, 2)
	r.WriteScan([]float64{1, 10})
	r.WriteScan([]float64{2, 20})
	got := r.ReadLatest(5)
	want := [][]float64{{1, 2}, {10, 20}}
	for c := range want {
		if len(got[c]) != len(want[c]) {
			t.Fatalf("channel %d: len = %d, want %d", c, len(got[c]), len(want[c]))
		}
		for i := range want[c] {
			if got[c][i] != want[c][i] {
				t.Fatalf("channel %d[%d] = %v, want %v", c, i, got[c][i], want[c][i])
			}
		}
	}
}

func TestReadLatestClampedToCapacityAfterWrap(t *testing.T) {
	r := New(6, 2) // holds 3 scans
	for i := 0; i < 5; i++ {
		r.WriteScan([]float64{float64(i), float64(i)})
	}
	// only the most recent 3 scans (2,3,4) should remain, even though 5 scans
	// requested and 5 scans have been written.
	got := r.ReadLatest(5)
	want := []float64{2, 3, 4}
	if len(got[0]) != 3 {
		t.Fatalf("len(got[0]) = %d, want 3", len(got[0]))
	}
	for i, v := range want {
		if got[0][i] != v {
			t.Fatalf("got[0][%d] = %v, want %v", i, got[0][i], v)
		}
	}
}

func TestReadLatestNeverMixesChannels(t *testing.T) {
	r := New(100, 4)
	for i := 0; i < 37; i++ {
		scan := make([]float64, 4)
		for c := 0; c < 4; c++ {
			scan[c] = float64(c)*1000 + float64(i)
		}
		r.WriteScan(scan)
	}
	got := r.ReadLatest(20)
	for c := 0; c < 4; c++ {
		for _, v := range got[c] {
			if int(v)/1000 != c {
				t.Fatalf("channel %d contains value %v from another channel", c, v)
			}
		}
	}
}

func TestScansWrittenNeverDecreases(t *testing.T) {
	r := New(4, 2)
	var prev uint64
	for i := 0; i < 20; i++ {
		r.WriteScan([]float64{1, 2})
		cur := r.ScansWritten()
		if cur < prev {
			t.Fatalf("ScansWritten decreased: %d -> %d", prev, cur)
		}
		prev = cur
	}
}
