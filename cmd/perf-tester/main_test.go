package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSyntheticNamesUnique(t *testing.T) {
	names := syntheticNames(1000)
	if len(names) != 1000 {
		t.Fatalf("got %d names", len(names))
	}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			t.Fatalf("duplicate name %q", name)
		}
		seen[name] = struct{}{}
	}
}

func TestLoadNamesSkipsCommentsAndBlanks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "names.txt")
	content := "# comment\n\nads.example\ntracker.example\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	names, err := loadNames(options{namesPath: path})
	if err != nil {
		t.Fatalf("loadNames: %v", err)
	}
	if len(names) != 2 || names[0] != "ads.example" || names[1] != "tracker.example" {
		t.Errorf("names = %v", names)
	}
}

func TestPercentile(t *testing.T) {
	values := []int64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	cases := []struct {
		p    int
		want int64
	}{
		{0, 10},
		{50, 60},
		{100, 100},
	}
	for _, tc := range cases {
		if got := percentile(values, tc.p); got != tc.want {
			t.Errorf("percentile(%d) = %d, want %d", tc.p, got, tc.want)
		}
	}
}

func TestAverage(t *testing.T) {
	if got := average([]int64{10, 20, 30}); got != 20 {
		t.Errorf("average = %d, want 20", got)
	}
}
