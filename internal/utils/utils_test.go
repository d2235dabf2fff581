package utils

import (
	"testing"

	"github.com/apex/log/handlers/cli"
)

func TestIndent(t *testing.T) {
	var got string
	var padding int
	f := func(s string) {
		got = s
		padding = cli.Default.Padding
	}

	Indent(f, 2)("nested")

	if got != "nested" {
		t.Errorf("Indent() passed %q, want %q", got, "nested")
	}
	if padding != normalPadding*2 {
		t.Errorf("Indent() padding = %d, want %d", padding, normalPadding*2)
	}
	if cli.Default.Padding != normalPadding {
		t.Errorf("Indent() left padding = %d, want %d", cli.Default.Padding, normalPadding)
	}
}

func TestUint64SliceContains(t *testing.T) {
	tests := []struct {
		name  string
		slice []uint64
		item  uint64
		want  bool
	}{
		{
			name:  "contains",
			slice: []uint64{0x1000, 0x2000, 0x3000},
			item:  0x2000,
			want:  true,
		},
		{
			name:  "does not contain",
			slice: []uint64{0x1000, 0x2000},
			item:  0x4000,
			want:  false,
		},
		{
			name:  "empty slice",
			slice: nil,
			item:  0x1000,
			want:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Uint64SliceContains(tt.slice, tt.item); got != tt.want {
				t.Errorf("Uint64SliceContains() = %v, want %v", got, tt.want)
			}
		})
	}
}
