package domain

import (
	"reflect"
	"testing"
	"time"
)

func TestFragment_FilePaths_Sorted(t *testing.T) {
	frag := &Fragment{Files: map[string]string{
		"app/page.tsx":  "a",
		"README.md":     "b",
		"app/api/route": "c",
	}}

	got := frag.FilePaths()
	want := []string{"README.md", "app/api/route", "app/page.tsx"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestFragment_FilePaths_Empty(t *testing.T) {
	frag := &Fragment{}
	if got := frag.FilePaths(); len(got) != 0 {
		t.Errorf("Expected no paths, got %v", got)
	}
}

func TestSandbox_Expired(t *testing.T) {
	sb := &Sandbox{LastUsedAt: time.Now().Add(-time.Hour)}
	if !sb.Expired(30 * time.Minute) {
		t.Error("Expected sandbox to be expired")
	}
	if sb.Expired(2 * time.Hour) {
		t.Error("Expected sandbox to not be expired")
	}
}
