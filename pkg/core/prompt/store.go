// Package prompt loads the analysis prompt templates from a YAML document
// and renders them with named variables. Prompt variants are data, not
// types: an analysis type maps straight to a key in the document's prompts
// map, so prompt engineers can change wording without touching code.
package prompt

import (
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	yaml "gopkg.in/yaml.v2"

	"cell_analysis/pkg/core/errs"
)

// Fallback is the minimal prompt a caller may substitute when rendering
// fails and the analysis must still proceed. Using it is a conscious
// decision at the call site, never automatic.
const Fallback = "Analyze N-1 vs N for the provided PEGs."

// Variable describes one named variable a template expects.
type Variable struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// Metadata describes the template document.
type Metadata struct {
	Version     string     `yaml:"version"`
	Description string     `yaml:"description"`
	FormatType  string     `yaml:"format_type"`
	Variables   []Variable `yaml:"variables"`
}

// Document is the on-disk template file shape.
type Document struct {
	Metadata Metadata          `yaml:"metadata"`
	Prompts  map[string]string `yaml:"prompts"`
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Store holds the loaded template document for the process lifetime.
// Reads are lock-free in the common path (RLock only); Reload takes the
// writer lock.
type Store struct {
	path string

	mu  sync.RWMutex
	doc *Document
}

// NewStore loads the template document at path. A load failure with no
// previously loaded document is a TemplateLoad error.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the document from disk. On validation failure the
// previously loaded document is kept.
func (s *Store) Reload() error {
	doc, err := load(s.path)
	if err != nil {
		s.mu.RLock()
		hasPrevious := s.doc != nil
		s.mu.RUnlock()
		if hasPrevious {
			log.Warn().Err(err).Str("path", s.path).Msg("template reload failed, keeping previous document")
			return err
		}
		return err
	}

	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	log.Info().Str("path", s.path).Str("version", doc.Metadata.Version).
		Int("prompts", len(doc.Prompts)).Msg("prompt templates loaded")
	return nil
}

func load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindTemplateLoad, "cannot read template file", err).
			WithDetail("path", path)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errs.Wrap(errs.KindTemplateLoad, "cannot parse template file", err).
			WithDetail("path", path)
	}
	if len(doc.Prompts) == 0 {
		return nil, errs.New(errs.KindTemplateLoad, "template document has no prompts").
			WithDetail("path", path)
	}
	for name, tmpl := range doc.Prompts {
		if strings.TrimSpace(tmpl) == "" {
			return nil, errs.Newf(errs.KindTemplateLoad, "prompt %q is empty", name).
				WithDetail("path", path)
		}
	}
	return &doc, nil
}

// Available returns the sorted set of loaded prompt types.
func (s *Store) Available() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.doc.Prompts))
	for name := range s.doc.Prompts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render substitutes {name} placeholders in the named template from vars.
// A placeholder with no matching variable is a TemplateVarMissing error.
func (s *Store) Render(promptType string, vars map[string]string) (string, error) {
	s.mu.RLock()
	tmpl, ok := s.doc.Prompts[promptType]
	s.mu.RUnlock()
	if !ok {
		return "", errs.Newf(errs.KindTemplateLoad, "unknown prompt type %q", promptType).
			WithDetail("available", s.Available())
	}

	var missing []string
	rendered := placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return value
	})
	if len(missing) > 0 {
		return "", errs.Newf(errs.KindTemplateVarMissing, "missing template variables: %s", strings.Join(missing, ", ")).
			WithDetail("prompt_type", promptType).
			WithDetail("missing", missing)
	}
	return rendered, nil
}

// Version returns the loaded document version, for result metadata.
func (s *Store) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Metadata.Version
}
