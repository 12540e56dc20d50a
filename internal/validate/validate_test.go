package validate

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestIdentifier(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"simple name", "myapp", true},
		{"dotted company name", "my_company.my_app", true},
		{"hyphen and underscore", "my-app_2", true},
		{"single char", "a", true},
		{"max length", strings.Repeat("a", 255), true},
		{"over max length", strings.Repeat("a", 256), false},
		{"empty", "", false},
		{"space", "my app", false},
		{"semicolon injection", "app; rm -rf /", false},
		{"pipe", "app|cat", false},
		{"ampersand", "app&", false},
		{"dollar", "app$HOME", false},
		{"backtick", "app`id`", false},
		{"parens", "app(1)", false},
		{"redirect", "app>out", false},
		{"backslash", `app\name`, false},
		{"double quote", `app"name`, false},
		{"single quote", "app'name", false},
		{"path separator", "app/name", false},
		{"traversal", "../app", false},
		{"unicode", "appé", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Identifier(tt.input); got != tt.want {
				t.Errorf("Identifier(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestIdentifierRejectsMetacharacters(t *testing.T) {
	meta := []rune{';', '&', '|', '$', '`', '(', ')', '<', '>', '\\', '"', '\'', ' '}

	rapid.Check(t, func(t *rapid.T) {
		prefix := rapid.StringMatching(`[A-Za-z0-9._-]{0,20}`).Draw(t, "prefix")
		suffix := rapid.StringMatching(`[A-Za-z0-9._-]{0,20}`).Draw(t, "suffix")
		c := rapid.SampledFrom(meta).Draw(t, "meta")

		if Identifier(prefix + string(c) + suffix) {
			t.Fatalf("identifier containing %q accepted", c)
		}
	})
}

func TestIdentifierAcceptsAllowList(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringMatching(`[A-Za-z0-9._-]{1,255}`).Draw(t, "s")
		if !Identifier(s) {
			t.Fatalf("allow-list identifier %q rejected", s)
		}
	})
}

func TestPath(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "proj", "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "proj", "file.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	// Expected values go through the same symlink resolution the validator
	// applies (e.g. /tmp -> /private/tmp on macOS).
	canonRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		candidate string
		want      string
		wantErr   bool
	}{
		{"relative subdir", "proj", filepath.Join(canonRoot, "proj"), false},
		{"nested subdir", "proj/sub", filepath.Join(canonRoot, "proj", "sub"), false},
		{"root itself", ".", canonRoot, false},
		{"traversal escape", "../../../etc", "", true},
		{"dotdot inside then out", "proj/../../other", "", true},
		{"absolute outside root", "/etc", "", true},
		{"nonexistent", "missing", "", true},
		{"file not directory", "proj/file.txt", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Path(root, tt.candidate)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Path(%q, %q) = %q, want error", root, tt.candidate, got)
				}
				var pe *PathError
				if !errors.As(err, &pe) {
					t.Fatalf("Path() error type = %T, want *PathError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Path(%q, %q) unexpected error: %v", root, tt.candidate, err)
			}
			if got != tt.want {
				t.Errorf("Path() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPathRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	link := filepath.Join(root, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("cannot create symlink: %v", err)
	}

	if got, err := Path(root, "escape"); err == nil {
		t.Fatalf("Path() accepted symlink escape, returned %q", got)
	}
}

func TestPathSiblingPrefix(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "projects")
	sibling := filepath.Join(base, "projects2")
	for _, d := range []string{root, sibling} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}

	// "projects2" shares a string prefix with root "projects" but is outside.
	if got, err := Path(root, sibling); err == nil {
		t.Fatalf("Path() accepted sibling-prefix path, returned %q", got)
	}
}
