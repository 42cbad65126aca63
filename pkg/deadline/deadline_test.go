package deadline

import "testing"

func TestIsExpired(t *testing.T) {
	d := New(1000, 10)
	if d.ExpiresAt != 1010 {
		t.Fatalf("expected expires_at=1010, got %d", d.ExpiresAt)
	}

	cases := []struct {
		now  int64
		want bool
	}{
		{1009, false},
		{1010, true},
		{2000, true},
	}

	for _, c := range cases {
		if got := d.IsExpired(c.now); got != c.want {
			t.Errorf("IsExpired(%d) = %v, want %v", c.now, got, c.want)
		}
	}
}
