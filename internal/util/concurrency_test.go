package util

import "testing"

func TestParseMaxForks(t *testing.T) {
	runtimeNumCPU = func() int { return 8 }
	defer func() { runtimeNumCPU = func() int { return 8 } }()

	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 8, false},
		{"4", 4, false},
		{"50%", 4, false},
		{"0", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
		{"0%", 0, true},
	}
	for _, c := range cases {
		got, err := ParseMaxForks(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseMaxForks(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMaxForks(%q): unexpected error %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseMaxForks(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestSemaphore(t *testing.T) {
	sem := NewSemaphore(1)
	sem.Acquire()
	if sem.TryAcquire() {
		t.Fatalf("expected second acquire to fail while first is held")
	}
	sem.Release()
	if !sem.TryAcquire() {
		t.Fatalf("expected acquire to succeed after release")
	}
}
