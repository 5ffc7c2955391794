package util

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParseBytes(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"512", 512, true},
		{"64KiB", 64 << 10, true},
		{"32 MiB", 32 << 20, true},
		{"2GiB", 2 << 30, true},
		{"1.5MiB", 1536 << 10, true},
		{"10kb", 10_000, true},
		{"1GB", 1_000_000_000, true},
		{"", 0, false},
		{"12parsecs", 0, false},
		{"MiB", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseBytes(tc.in)
		if tc.ok && err != nil {
			t.Errorf("ParseBytes(%q): unexpected error %v", tc.in, err)
			continue
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("ParseBytes(%q): expected error, got %d", tc.in, got)
			}
			continue
		}
		if got != tc.want {
			t.Errorf("ParseBytes(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{100, "100 B"},
		{2048, "2.0 KiB"},
		{32 << 20, "32.0 MiB"},
		{3 << 30, "3.0 GiB"},
	}
	for _, tc := range cases {
		if got := FormatBytes(tc.in); got != tc.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestByteSizeUnmarshalYAML(t *testing.T) {
	var doc struct {
		Size ByteSize `yaml:"size"`
	}
	if err := yaml.Unmarshal([]byte("size: 32MiB"), &doc); err != nil {
		t.Fatalf("unmarshal string form: %v", err)
	}
	if doc.Size.Int64() != 32<<20 {
		t.Errorf("size = %d, want %d", doc.Size.Int64(), 32<<20)
	}

	if err := yaml.Unmarshal([]byte("size: 1048576"), &doc); err != nil {
		t.Fatalf("unmarshal integer form: %v", err)
	}
	if doc.Size.Int64() != 1<<20 {
		t.Errorf("size = %d, want %d", doc.Size.Int64(), 1<<20)
	}

	if err := yaml.Unmarshal([]byte("size: minuscule"), &doc); err == nil {
		t.Error("expected error for unparseable size")
	}
}
