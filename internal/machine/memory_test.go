package machine

import "testing"

func TestInGap(t *testing.T) {
	cases := []struct {
		gpa     uint64
		memSize int
		want    bool
	}{
		{0, 1 << 20, false},
		{GapStart, 5 << 30, true},
		{GapStart + GapSize - 1, 5 << 30, true},
		{GapStart + GapSize, 5 << 30, false},
		{GapStart, 1 << 20, false},
	}

	for _, c := range cases {
		if got := InGap(c.gpa, c.memSize); got != c.want {
			t.Errorf("InGap(%#x, %#x) = %v, want %v", c.gpa, c.memSize, got, c.want)
		}
	}
}
