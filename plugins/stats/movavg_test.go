package stats

import "testing"

func TestMovingAverageEmpty(t *testing.T) {
	t.Parallel()

	ma := CreateMovingAverage(4)
	if got := ma.GetTotalAverage(); got != 0 {
		t.Errorf("GetTotalAverage() = %d, want 0", got)
	}
	if got := ma.GetWindowAverage(2); got != 0 {
		t.Errorf("GetWindowAverage(2) = %d, want 0 before enough samples", got)
	}
}

func TestMovingAveragePartial(t *testing.T) {
	t.Parallel()

	ma := CreateMovingAverage(4)
	ma.AddValue(10)
	ma.AddValue(30)

	if got := ma.GetTotalAverage(); got != 20 {
		t.Errorf("GetTotalAverage() = %d, want 20", got)
	}
	if got := ma.GetWindowAverage(2); got != 20 {
		t.Errorf("GetWindowAverage(2) = %d, want 20", got)
	}
	if got := ma.GetWindowAverage(3); got != 0 {
		t.Errorf("GetWindowAverage(3) = %d, want 0 with 2 samples", got)
	}
}

func TestMovingAverageWrap(t *testing.T) {
	t.Parallel()

	ma := CreateMovingAverage(3)
	for _, val := range []int64{10, 20, 30, 60} {
		ma.AddValue(val)
	}

	// the 10 fell out of the ring
	if got := ma.GetTotalAverage(); got != 36 {
		t.Errorf("GetTotalAverage() = %d, want 36", got)
	}
	if got := ma.GetWindowAverage(2); got != 45 {
		t.Errorf("GetWindowAverage(2) = %d, want 45", got)
	}
	if got := ma.GetWindowAverage(5); got != 0 {
		t.Errorf("GetWindowAverage(5) = %d, want 0 past the ring size", got)
	}
}
