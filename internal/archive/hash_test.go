package archive

import (
	"strings"
	"testing"
	"time"
)

func TestComputeContentHashOrderInsensitive(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	a := FileStat{Name: "photos/a.jpg", Size: 100, VersionTag: "v1", ModifiedAt: base}
	b := FileStat{Name: "photos/b.jpg", Size: 200, VersionTag: "v2", ModifiedAt: base.Add(time.Hour)}

	h1 := ComputeContentHash([]FileStat{a, b})
	h2 := ComputeContentHash([]FileStat{b, a})
	if h1 != h2 {
		t.Errorf("hash depends on input order: %s vs %s", h1, h2)
	}
	if !strings.HasPrefix(h1, "sha256:") {
		t.Errorf("unexpected hash format: %s", h1)
	}
	if !ValidContentHash(h1) {
		t.Errorf("ValidContentHash rejected %s", h1)
	}
}

func TestComputeContentHashSensitivity(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	ref := []FileStat{{Name: "a.jpg", Size: 100, VersionTag: "v1", ModifiedAt: base}}
	want := ComputeContentHash(ref)

	variants := []struct {
		name  string
		stats []FileStat
	}{
		{"size", []FileStat{{Name: "a.jpg", Size: 101, VersionTag: "v1", ModifiedAt: base}}},
		{"name", []FileStat{{Name: "b.jpg", Size: 100, VersionTag: "v1", ModifiedAt: base}}},
		{"version tag", []FileStat{{Name: "a.jpg", Size: 100, VersionTag: "v2", ModifiedAt: base}}},
		{"modified time", []FileStat{{Name: "a.jpg", Size: 100, VersionTag: "v1", ModifiedAt: base.Add(time.Second)}}},
		{"extra file", []FileStat{
			{Name: "a.jpg", Size: 100, VersionTag: "v1", ModifiedAt: base},
			{Name: "z.jpg", Size: 1, VersionTag: "v1", ModifiedAt: base},
		}},
	}
	for _, v := range variants {
		if got := ComputeContentHash(v.stats); got == want {
			t.Errorf("%s change did not change the hash", v.name)
		}
	}
}

func TestComputeContentHashEmpty(t *testing.T) {
	h := ComputeContentHash(nil)
	if !ValidContentHash(h) {
		t.Errorf("empty set hash malformed: %s", h)
	}
	if h == ComputeContentHash([]FileStat{{Name: "a"}}) {
		t.Error("empty set hash collides with single file hash")
	}
}

func TestValidContentHash(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{ComputeChecksum([]byte("data")), true},
		{"", false},
		{"sha256:", false},
		{"sha256:zz", false},
		{"md5:" + strings.Repeat("a", 64), false},
	}
	for _, c := range cases {
		if got := ValidContentHash(c.in); got != c.want {
			t.Errorf("ValidContentHash(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
