package media

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDiskStoragePutGet(t *testing.T) {
	d := NewDiskStorage(t.TempDir(), "https://media.example.com/files/")

	ref, err := d.Put("ph_1/cnv_1/msg_1.ogg", []byte("opus bytes"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref != "ph_1/cnv_1/msg_1.ogg" {
		t.Fatalf("ref = %q", ref)
	}

	got, err := d.Get(ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "opus bytes" {
		t.Fatalf("data = %q", got)
	}

	if url := d.URL(ref); url != "https://media.example.com/files/ph_1/cnv_1/msg_1.ogg" {
		t.Fatalf("url = %q", url)
	}

	path, err := d.LocalPath(ref)
	if err != nil {
		t.Fatalf("local path: %v", err)
	}
	if filepath.Base(path) != "msg_1.ogg" {
		t.Fatalf("local path = %q", path)
	}
}

func TestDiskStorageRejectsEscapingPath(t *testing.T) {
	d := NewDiskStorage(t.TempDir(), "")
	if _, err := d.Put("../outside.bin", []byte("x")); err == nil {
		t.Fatalf("path escaping the root must be rejected")
	}
}

func TestDiskStorageGetMissing(t *testing.T) {
	d := NewDiskStorage(t.TempDir(), "")
	if _, err := d.Get("nope/missing.jpg"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want not-exist", err)
	}
	if _, err := d.LocalPath("nope/missing.jpg"); err == nil {
		t.Fatalf("local path for missing ref must fail")
	}
}

func TestDiskStorageURLWithoutBase(t *testing.T) {
	d := NewDiskStorage(t.TempDir(), "")
	if url := d.URL("a/b.jpg"); url != "" {
		t.Fatalf("url = %q, want empty", url)
	}
}
