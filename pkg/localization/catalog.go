package localization

import (
	"fmt"
	"sync"

	"github.com/benmeehan/pulselink/pkg/file"
)

// DefaultLanguage is the built-in catalog.
const DefaultLanguage = "en"

// catalogFile is the YAML layout of a translation file.
type catalogFile struct {
	Language string            `yaml:"language"`
	Strings  map[string]string `yaml:"strings"`
}

// Catalog looks up human readable text by key. Keys missing from a loaded
// translation fall back to English, then to the key itself.
type Catalog struct {
	mu       sync.RWMutex
	language string
	strings  map[string]string
}

// NewCatalog returns the built-in English catalog.
func NewCatalog() *Catalog {
	return &Catalog{language: DefaultLanguage, strings: map[string]string{}}
}

// Load replaces the active translation with the YAML file at path.
func (c *Catalog) Load(path string, fileOps file.FileOperations) error {
	var parsed catalogFile
	if err := fileOps.ReadYamlFile(path, &parsed); err != nil {
		return fmt.Errorf("failed to load catalog %s: %w", path, err)
	}
	if parsed.Language == "" {
		return fmt.Errorf("catalog %s does not name its language", path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.language = parsed.Language
	c.strings = parsed.Strings
	if c.strings == nil {
		c.strings = map[string]string{}
	}
	return nil
}

// Language returns the active language tag.
func (c *Catalog) Language() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.language
}

// Text returns the text for key, formatted with args when given.
func (c *Catalog) Text(key string, args ...any) string {
	c.mu.RLock()
	text, ok := c.strings[key]
	c.mu.RUnlock()
	if !ok {
		if text, ok = english[key]; !ok {
			return key
		}
	}
	if len(args) == 0 {
		return text
	}
	return fmt.Sprintf(text, args...)
}
