package main

import (
	"bytes"
	"testing"
)

func TestStripTelnetIAC(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"no-iac", []byte("Password: "), []byte("Password: ")},
		{"will-echo", []byte{0xFF, 0xFB, 0x01, 'P', 'a', 's', 's'}, []byte("Pass")},
		{"wont-echo", []byte{0xFF, 0xFC, 0x01, 'o', 'k'}, []byte("ok")},
		{"bare-iac-no-option", []byte{0xFF, 0xF1, 'x'}, []byte("x")},
		{"trailing-incomplete-iac", []byte{'a', 0xFF}, []byte("a")},
		{"multiple-sequences", []byte{0xFF, 0xFB, 0x01, 0xFF, 0xFC, 0x01, 'h', 'i'}, []byte("hi")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := stripTelnetIAC(tt.in)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("stripTelnetIAC(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMin(t *testing.T) {
	tests := []struct{ a, b, want int }{
		{1, 2, 1},
		{2, 1, 1},
		{5, 5, 5},
		{-1, 3, -1},
	}
	for _, tt := range tests {
		if got := min(tt.a, tt.b); got != tt.want {
			t.Errorf("min(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
