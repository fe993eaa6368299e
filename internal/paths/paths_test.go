package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStateDirPrecedence(t *testing.T) {
	t.Setenv("OPENCLAW_STATE_DIR", "/explicit/state")
	t.Setenv("OPENCLAW_HOME", "/oc-home")
	t.Setenv("HOME", "/user-home")

	dir, err := StateDir()
	if err != nil {
		t.Fatalf("StateDir: %v", err)
	}
	if dir != "/explicit/state" {
		t.Errorf("dir = %q", dir)
	}

	t.Setenv("OPENCLAW_STATE_DIR", "")
	dir, _ = StateDir()
	if dir != "/oc-home/.openclaw" {
		t.Errorf("dir = %q", dir)
	}

	t.Setenv("OPENCLAW_HOME", "")
	dir, _ = StateDir()
	if dir != "/user-home/.openclaw" {
		t.Errorf("dir = %q", dir)
	}
}

func TestTrustCheckRefusesLooseDirs(t *testing.T) {
	dir := t.TempDir()

	loose := filepath.Join(dir, "loose")
	if err := os.Mkdir(loose, 0777); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	os.Chmod(loose, 0777)
	info, _ := os.Lstat(loose)
	if err := TrustCheck(loose, info); err == nil {
		t.Error("group/other-writable dir must be refused")
	}

	tight := filepath.Join(dir, "tight")
	os.Mkdir(tight, 0700)
	info, _ = os.Lstat(tight)
	if err := TrustCheck(tight, info); err != nil {
		t.Errorf("0700 dir owned by us should pass: %v", err)
	}
}

func TestTrustCheckRefusesSymlink(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	os.Mkdir(real, 0700)
	link := filepath.Join(dir, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlink: %v", err)
	}
	info, _ := os.Lstat(link)
	if err := TrustCheck(link, info); err == nil {
		t.Error("symlinked state dir must be refused")
	}
}

func TestWithinRoot(t *testing.T) {
	root := "/state/tools/skill"
	cases := []struct {
		target string
		want   bool
	}{
		{"bin/tool", true},
		{".", true},
		{"../other-skill/x", false},
		{"a/../../escape", false},
		{"/state/tools/skill/nested", true},
		{"/etc/passwd", false},
	}
	for _, tc := range cases {
		if got := WithinRoot(root, tc.target); got != tc.want {
			t.Errorf("WithinRoot(%q) = %v, want %v", tc.target, got, tc.want)
		}
	}
}
