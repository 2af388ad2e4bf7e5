package storage

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestStagingClearCreatesAndEmpties(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "staging")
	staging := NewStaging(dir, newTestLogger())

	if err := staging.Clear(); err != nil {
		t.Fatalf("Clear on missing dir: %v", err)
	}
	if err := staging.Link("/nonexistent/target", "dangling.tar.zst"); err != nil {
		t.Fatal(err)
	}
	writeTestFile(t, filepath.Join(dir, "stray"), "x")

	if err := staging.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	entries, err := staging.Entries()
	if err != nil || len(entries) != 0 {
		t.Fatalf("entries after clear = %v, %v", entries, err)
	}
}

func TestStagingRemovePrefix(t *testing.T) {
	dir := t.TempDir()
	staging := NewStaging(dir, newTestLogger())
	for _, name := range []string{"vzdump-lxc-101-a.tar.zst", "vzdump-lxc-101-a.log", "vzdump-lxc-102-a.tar.zst"} {
		if err := staging.Link(filepath.Join("/data", name), name); err != nil {
			t.Fatal(err)
		}
	}

	if err := staging.RemovePrefix("vzdump-lxc-101-"); err != nil {
		t.Fatal(err)
	}
	entries, _ := staging.Entries()
	if !reflect.DeepEqual(entries, []string{"vzdump-lxc-102-a.tar.zst"}) {
		t.Fatalf("entries = %v", entries)
	}
}

func TestStagingLinkReplacesTarget(t *testing.T) {
	dir := t.TempDir()
	staging := NewStaging(dir, newTestLogger())
	if err := staging.Link("/old", "entry"); err != nil {
		t.Fatal(err)
	}
	if err := staging.Link("/new", "entry"); err != nil {
		t.Fatal(err)
	}
	target, err := os.Readlink(filepath.Join(dir, "entry"))
	if err != nil || target != "/new" {
		t.Fatalf("target = %q, %v", target, err)
	}
}
