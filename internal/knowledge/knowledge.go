// Package knowledge provides the static topic lookup the assistant can pull
// into a conversation with a CONTEXT directive.
package knowledge

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// AllTopic is the reserved key that aggregates every entry.
const AllTopic = "all"

//go:embed knowledge.yaml
var defaultTable []byte

// Entry is a single topic and its text block.
type Entry struct {
	Key  string `yaml:"key"`
	Text string `yaml:"text"`
}

// table is the on-disk shape of a knowledge file.
type table struct {
	Entries []Entry           `yaml:"entries"`
	Aliases map[string]string `yaml:"aliases"`
}

// Store is an immutable topic table with alias resolution. It is built once
// at startup and shared by every query.
type Store struct {
	entries []Entry
	index   map[string]int
	aliases map[string]string
}

// New builds a Store from ordered entries and an alias table. Keys and alias
// names are normalized to lowercase. The inputs are copied.
func New(entries []Entry, aliases map[string]string) *Store {
	s := &Store{
		entries: make([]Entry, 0, len(entries)),
		index:   make(map[string]int, len(entries)),
		aliases: make(map[string]string, len(aliases)),
	}
	for _, e := range entries {
		key := normalize(e.Key)
		if _, dup := s.index[key]; dup {
			continue
		}
		s.index[key] = len(s.entries)
		s.entries = append(s.entries, Entry{Key: key, Text: e.Text})
	}
	for alias, target := range aliases {
		s.aliases[normalize(alias)] = normalize(target)
	}
	return s
}

// Default returns the Store built from the embedded Meulify table.
func Default() (*Store, error) {
	return Parse(defaultTable)
}

// Load reads a YAML knowledge file from path.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals a YAML knowledge table.
func Parse(data []byte) (*Store, error) {
	var t table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("knowledge: parse: %w", err)
	}
	if len(t.Entries) == 0 {
		return nil, fmt.Errorf("knowledge: parse: no entries")
	}
	return New(t.Entries, t.Aliases), nil
}

// Resolve returns the text for topic. Unknown topics yield a message listing
// the valid topics rather than an error, since the result is fed back to the
// model as data.
func (s *Store) Resolve(topic string) string {
	name := normalize(topic)
	key := name
	if target, ok := s.aliases[name]; ok {
		key = target
	}

	if key == AllTopic {
		texts := make([]string, len(s.entries))
		for i, e := range s.entries {
			texts[i] = e.Text
		}
		return strings.Join(texts, "\n")
	}
	if i, ok := s.index[key]; ok {
		return s.entries[i].Text
	}

	return fmt.Sprintf("Contexto '%s' no encontrado. Disponibles: %s", name, s.Menu())
}

// Menu returns the comma-joined list of topic keys in table order.
func (s *Store) Menu() string {
	return strings.Join(s.Topics(), ", ")
}

// Topics returns a copy of the topic keys in table order.
func (s *Store) Topics() []string {
	keys := make([]string, len(s.entries))
	for i, e := range s.entries {
		keys[i] = e.Key
	}
	return keys
}

// Aliases returns a copy of the alias table.
func (s *Store) Aliases() map[string]string {
	out := make(map[string]string, len(s.aliases))
	for k, v := range s.aliases {
		out[k] = v
	}
	return out
}

// Validate reports entries with empty text, use of the reserved key, and
// aliases whose target does not exist. A Store that fails validation still
// works; broken lookups degrade to the not-found message.
func (s *Store) Validate() error {
	var errs []string
	for _, e := range s.entries {
		if e.Key == "" {
			errs = append(errs, "entry with empty key")
			continue
		}
		if e.Key == AllTopic {
			errs = append(errs, fmt.Sprintf("entry key %q is reserved", AllTopic))
		}
		if strings.TrimSpace(e.Text) == "" {
			errs = append(errs, fmt.Sprintf("entry %q has no text", e.Key))
		}
	}
	aliases := make([]string, 0, len(s.aliases))
	for alias := range s.aliases {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		target := s.aliases[alias]
		if _, ok := s.index[target]; !ok && target != AllTopic {
			errs = append(errs, fmt.Sprintf("alias %q points to unknown topic %q", alias, target))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("knowledge: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
