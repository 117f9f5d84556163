package language

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestResolveBuiltin(t *testing.T) {
	r := Default()

	tests := []struct {
		id      string
		wantID  string
		wantExe string
	}{
		{"javascript", "javascript", "node"},
		{"JavaScript", "javascript", "node"},
		{" js ", "javascript", "node"},
		{"python", "python", "python3"},
		{"py", "python", "python3"},
		{"sh", "sh", "sh"},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			l, err := r.Resolve(tt.id)
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.id, err)
			}
			if l.ID != tt.wantID {
				t.Errorf("id = %q, want %q", l.ID, tt.wantID)
			}
			if l.Executable() != tt.wantExe {
				t.Errorf("executable = %q, want %q", l.Executable(), tt.wantExe)
			}
		})
	}
}

func TestResolveUnsupported(t *testing.T) {
	r := Default()

	for _, id := range []string{"cobol", "", "javascript2", "{code}"} {
		_, err := r.Resolve(id)
		if !errors.Is(err, ErrUnsupportedLanguage) {
			t.Errorf("Resolve(%q) error = %v, want ErrUnsupportedLanguage", id, err)
		}
	}
}

func TestArgvInlinesCode(t *testing.T) {
	l, err := Default().Resolve("javascript")
	if err != nil {
		t.Fatal(err)
	}

	code := `console.log("ok")`
	got := l.Argv(code)
	want := []string{"node", "-e", code}
	if !slices.Equal(got, want) {
		t.Errorf("Argv = %q, want %q", got, want)
	}

	// The template itself must not be modified.
	if l.Command[2] != CodePlaceholder {
		t.Errorf("command template mutated: %q", l.Command)
	}
}

func TestEnabledFilter(t *testing.T) {
	r, err := NewResolver(Builtin(), []string{"python", "SH"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Resolve("javascript"); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Errorf("javascript should be filtered out, got %v", err)
	}
	if _, err := r.Resolve("py"); err != nil {
		t.Errorf("alias of enabled language should resolve: %v", err)
	}

	var ids []string
	for _, l := range r.Languages() {
		ids = append(ids, l.ID)
	}
	if !slices.Equal(ids, []string{"python", "sh"}) {
		t.Errorf("Languages() = %v, want [python sh]", ids)
	}
}

func TestParseRejectsMissingPlaceholder(t *testing.T) {
	_, err := Parse([]byte(`
languages:
  - id: broken
    command: [node, script.js]
`))
	if err == nil {
		t.Fatal("expected error for command without placeholder")
	}
}

func TestNewResolverRejectsDuplicates(t *testing.T) {
	langs := []Language{
		{ID: "sh", Command: []string{"sh", "-c", CodePlaceholder}},
		{ID: "SH", Command: []string{"dash", "-c", CodePlaceholder}},
	}
	if _, err := NewResolver(langs, nil); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestLoadOverridesBuiltin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "languages.yaml")
	data := `
languages:
  - id: python
    name: PyPy
    command: [pypy3, -c, "{code}"]
  - id: lua
    command: [lua, -e, "{code}"]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	py, err := r.Resolve("python")
	if err != nil {
		t.Fatal(err)
	}
	if py.Executable() != "pypy3" {
		t.Errorf("python executable = %q, want pypy3", py.Executable())
	}

	if _, err := r.Resolve("lua"); err != nil {
		t.Errorf("lua should resolve: %v", err)
	}
	if _, err := r.Resolve("javascript"); err != nil {
		t.Errorf("builtin javascript should remain: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}
