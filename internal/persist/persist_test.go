package persist

import "testing"

func TestMMRDelta(t *testing.T) {
	cases := []struct {
		name      string
		placement int
		total     int
		want      int
	}{
		{"duo winner", 1, 2, 25},
		{"duo loser", 2, 2, -10},
		{"full lobby winner", 1, 16, 39}, // 25 + (16-2)
		{"top quarter", 4, 16, 15},
		{"top half", 8, 16, 5},
		{"ninth of sixteen", 9, 16, -10},
		{"last place", 16, 16, -10},
		{"trio winner", 1, 3, 26},
		{"trio second", 2, 3, 5}, // ceil(0.25*3)=1, ceil(0.5*3)=2
		{"trio third", 3, 3, -10},
		{"five player third", 3, 5, 5}, // ceil(0.25*5)=2, ceil(0.5*5)=3
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := MMRDelta(c.placement, c.total); got != c.want {
				t.Errorf("MMRDelta(%d, %d) = %d, want %d", c.placement, c.total, got, c.want)
			}
		})
	}
}
