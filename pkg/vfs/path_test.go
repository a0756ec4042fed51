package vfs

import (
	"reflect"
	"testing"
)

func TestClean(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "/"},
		{"/", "/"},
		{"a/b", "/a/b"},
		{"/a/./b/../c/", "/a/c"},
		{"/../..", "/"},
	}

	for _, tt := range tests {
		if got := Clean(tt.in); got != tt.want {
			t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestComponents(t *testing.T) {
	got := Components("demo//buffer/./x/..")
	want := []string{"demo", "buffer"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Components() = %v, want %v", got, want)
	}
}

func TestSplitAndAbs(t *testing.T) {
	dir, base := Split("/a/b/c")
	if dir != "/a/b" || base != "c" {
		t.Errorf("Split() = %q, %q", dir, base)
	}
	dir, base = Split("/c")
	if dir != "/" || base != "c" {
		t.Errorf("Split() = %q, %q", dir, base)
	}
	if got := Abs("../x", "/home/user"); got != "/home/x" {
		t.Errorf("Abs() = %q, want /home/x", got)
	}
}

func TestFlags(t *testing.T) {
	if !Readable(O_RDONLY) || Writable(O_RDONLY) {
		t.Error("O_RDONLY flags misreported")
	}
	if Readable(O_WRONLY) || !Writable(O_WRONLY) {
		t.Error("O_WRONLY flags misreported")
	}
	if !Readable(O_RDWR) || !Writable(O_RDWR) {
		t.Error("O_RDWR flags misreported")
	}
}
