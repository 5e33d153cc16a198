package terminal

import (
	"path/filepath"
	"testing"
)

func TestResolveCwd(t *testing.T) {
	root := t.TempDir()

	got, err := ResolveCwd(root, "")
	if err != nil {
		t.Fatalf("ResolveCwd(empty) error: %v", err)
	}
	if filepath.Clean(got) != filepath.Clean(root) {
		t.Fatalf("ResolveCwd(empty) = %q, want %q", got, root)
	}

	got, err = ResolveCwd(root, "sub")
	if err != nil {
		t.Fatalf("ResolveCwd(rel) error: %v", err)
	}
	want := filepath.Join(root, "sub")
	if filepath.Clean(got) != filepath.Clean(want) {
		t.Fatalf("ResolveCwd(rel) = %q, want %q", got, want)
	}

	got, err = ResolveCwd(root, "/../../..")
	if err != nil {
		t.Fatalf("ResolveCwd(clamp) error: %v", err)
	}
	if filepath.Clean(got) != filepath.Clean(root) {
		t.Fatalf("ResolveCwd(clamp) = %q, want %q", got, root)
	}

	got, err = ResolveCwd(root, `sub\dir`)
	if err != nil {
		t.Fatalf("ResolveCwd(backslash) error: %v", err)
	}
	want = filepath.Join(root, "sub", "dir")
	if filepath.Clean(got) != filepath.Clean(want) {
		t.Fatalf("ResolveCwd(backslash) = %q, want %q", got, want)
	}
}

func TestVirtualPathFromAbs(t *testing.T) {
	root := t.TempDir()

	if got := VirtualPathFromAbs(root, root); got != "/" {
		t.Fatalf("VirtualPathFromAbs(root) = %q, want /", got)
	}

	abs := filepath.Join(root, "a", "b")
	if got := VirtualPathFromAbs(root, abs); got != "/a/b" {
		t.Fatalf("VirtualPathFromAbs(nested) = %q, want /a/b", got)
	}

	if got := VirtualPathFromAbs(root, filepath.Join(root, "..", "escaped")); got != "/" {
		t.Fatalf("VirtualPathFromAbs(escape) = %q, want /", got)
	}
}

func TestOpenSessionReusesRunningForThread(t *testing.T) {
	root := t.TempDir()
	m := NewManager("/bin/sh", 0, nil)
	defer m.Stop()

	s1, reused1, err := m.OpenSession("th_1", root, 80, 24, []string{"/bin/sh", "-c", "sleep 5"})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if reused1 {
		t.Fatalf("expected first OpenSession to spawn a new session")
	}
	s2, reused2, err := m.OpenSession("th_1", root, 80, 24, nil)
	if err != nil {
		t.Fatalf("OpenSession (2nd): %v", err)
	}
	if s1.ID != s2.ID {
		t.Fatalf("expected same session reused, got %q and %q", s1.ID, s2.ID)
	}
	if !reused2 {
		t.Fatalf("expected second OpenSession to report reused=true")
	}
	m.CloseSession(s1.ID, "test done")
}

func TestCloseSessionRemovesFromIndex(t *testing.T) {
	root := t.TempDir()
	m := NewManager("/bin/sh", 0, nil)
	defer m.Stop()

	s, _, err := m.OpenSession("th_1", root, 80, 24, []string{"/bin/sh", "-c", "sleep 5"})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if err := m.CloseSession(s.ID, "done"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if _, err := m.Get(s.ID); err == nil {
		t.Fatalf("expected session to be removed from index")
	}
}
