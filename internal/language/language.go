package language

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"gopkg.in/yaml.v3"
)

// CodePlaceholder marks the argument that receives the submitted source.
const CodePlaceholder = "{code}"

// ErrUnsupportedLanguage is returned when an id is not in the resolved table.
var ErrUnsupportedLanguage = errors.New("unsupported language")

//go:embed languages.yaml
var builtinTable []byte

// Language describes how to invoke one runtime with inline source.
type Language struct {
	ID      string   `yaml:"id" json:"id"`
	Name    string   `yaml:"name" json:"name"`
	Aliases []string `yaml:"aliases" json:"aliases,omitempty"`
	Command []string `yaml:"command" json:"command"`
}

// Executable returns the program that runs this language.
func (l Language) Executable() string {
	if len(l.Command) == 0 {
		return ""
	}
	return l.Command[0]
}

// Argv expands the command template with the given source code.
func (l Language) Argv(code string) []string {
	argv := make([]string, len(l.Command))
	for i, arg := range l.Command {
		argv[i] = strings.ReplaceAll(arg, CodePlaceholder, code)
	}
	return argv
}

func (l Language) validate() error {
	if strings.TrimSpace(l.ID) == "" {
		return errors.New("language id is required")
	}
	if len(l.Command) == 0 {
		return fmt.Errorf("language %q: command is required", l.ID)
	}
	if !slices.ContainsFunc(l.Command, func(arg string) bool {
		return strings.Contains(arg, CodePlaceholder)
	}) {
		return fmt.Errorf("language %q: command must contain %s", l.ID, CodePlaceholder)
	}
	return nil
}

type table struct {
	Languages []Language `yaml:"languages"`
}

// Parse decodes a YAML language table.
func Parse(data []byte) ([]Language, error) {
	var t table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing language table: %w", err)
	}
	for _, l := range t.Languages {
		if err := l.validate(); err != nil {
			return nil, err
		}
	}
	return t.Languages, nil
}

// Builtin returns the language table compiled into the binary.
func Builtin() []Language {
	langs, err := Parse(builtinTable)
	if err != nil {
		panic(fmt.Sprintf("builtin language table: %v", err))
	}
	return langs
}

// Resolver maps language identifiers to invocation templates.
// It is immutable after construction and safe for concurrent use.
type Resolver struct {
	byKey map[string]Language
	langs []Language
}

// NewResolver builds a resolver from langs. When enabled is non-empty only
// the listed ids are kept.
func NewResolver(langs []Language, enabled []string) (*Resolver, error) {
	allow := mapset.NewThreadUnsafeSet[string]()
	for _, id := range enabled {
		allow.Add(normalize(id))
	}

	r := &Resolver{byKey: make(map[string]Language)}
	for _, l := range langs {
		if err := l.validate(); err != nil {
			return nil, err
		}
		l.ID = normalize(l.ID)
		if allow.Cardinality() > 0 && !allow.Contains(l.ID) {
			continue
		}
		if _, dup := r.byKey[l.ID]; dup {
			return nil, fmt.Errorf("duplicate language id %q", l.ID)
		}
		r.langs = append(r.langs, l)
		r.byKey[l.ID] = l
	}
	for _, l := range r.langs {
		for _, alias := range l.Aliases {
			key := normalize(alias)
			if _, taken := r.byKey[key]; taken {
				continue
			}
			r.byKey[key] = l
		}
	}

	slices.SortFunc(r.langs, func(a, b Language) int { return strings.Compare(a.ID, b.ID) })
	return r, nil
}

// Default returns a resolver over the builtin table.
func Default() *Resolver {
	r, err := NewResolver(Builtin(), nil)
	if err != nil {
		panic(err)
	}
	return r
}

// Load merges the YAML table at path over the builtin one. Entries in the
// file replace builtin entries with the same id. An empty path yields the
// builtin table.
func Load(path string, enabled []string) (*Resolver, error) {
	langs := Builtin()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading language table %s: %w", path, err)
		}
		extra, err := Parse(data)
		if err != nil {
			return nil, err
		}
		langs = merge(langs, extra)
	}
	return NewResolver(langs, enabled)
}

func merge(base, overrides []Language) []Language {
	out := slices.Clone(base)
	for _, o := range overrides {
		i := slices.IndexFunc(out, func(l Language) bool { return normalize(l.ID) == normalize(o.ID) })
		if i >= 0 {
			out[i] = o
		} else {
			out = append(out, o)
		}
	}
	return out
}

// Resolve returns the language for id or ErrUnsupportedLanguage.
func (r *Resolver) Resolve(id string) (Language, error) {
	l, ok := r.byKey[normalize(id)]
	if !ok {
		return Language{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, id)
	}
	return l, nil
}

// Languages returns the resolved table sorted by id.
func (r *Resolver) Languages() []Language {
	return slices.Clone(r.langs)
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
