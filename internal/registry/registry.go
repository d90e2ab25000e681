package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/pkg/logger"
)

var (
	// ErrInvalidDescriptor marks a descriptor that fails validation.
	ErrInvalidDescriptor = errors.New("invalid tool descriptor")
	// ErrUnknownTool marks a lookup for a name the registry does not hold.
	ErrUnknownTool = errors.New("unknown tool")
)

// Registry holds the immutable capability descriptors of all available
// extraction tools. It is populated once at startup (built-in defaults or
// a YAML file) and read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	version string
	tools   map[string]models.ToolDescriptor
	logger  logger.Logger
}

// NewRegistry creates a registry pre-loaded with the built-in descriptors.
func NewRegistry(log logger.Logger) *Registry {
	r := &Registry{
		version: defaultVersion,
		tools:   make(map[string]models.ToolDescriptor, len(defaultDescriptors)),
		logger:  log.Named("registry"),
	}
	for _, td := range defaultDescriptors {
		r.tools[td.Name] = td
	}
	r.logger.Info("capability registry initialized",
		logger.String("version", r.version),
		logger.Int("tools", len(r.tools)))
	return r
}

// NewEmptyRegistry creates a registry with no descriptors.
func NewEmptyRegistry(log logger.Logger) *Registry {
	return &Registry{
		version: "empty",
		tools:   make(map[string]models.ToolDescriptor),
		logger:  log.Named("registry"),
	}
}

func validateDescriptor(td models.ToolDescriptor) error {
	if td.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDescriptor)
	}
	if len(td.SupportedContentTypes) == 0 {
		return fmt.Errorf("%w: %s supports no content types", ErrInvalidDescriptor, td.Name)
	}
	for _, ct := range td.SupportedContentTypes {
		if !ct.Valid() {
			return fmt.Errorf("%w: %s lists unknown content type %q", ErrInvalidDescriptor, td.Name, ct)
		}
	}
	if td.AccuracyRating < 0 || td.AccuracyRating > 1 {
		return fmt.Errorf("%w: %s accuracy %.2f out of range", ErrInvalidDescriptor, td.Name, td.AccuracyRating)
	}
	return nil
}

// Register adds or replaces a descriptor.
func (r *Registry) Register(td models.ToolDescriptor) error {
	if err := validateDescriptor(td); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[td.Name] = td
	return nil
}

// Get returns the descriptor for a tool name.
func (r *Registry) Get(name string) (models.ToolDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	td, ok := r.tools[name]
	if !ok {
		return models.ToolDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return td, nil
}

// All returns every descriptor, sorted by name.
func (r *Registry) All() []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDescriptor, 0, len(r.tools))
	for _, td := range r.tools {
		out = append(out, td)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ForContentType returns the descriptors supporting ct, sorted by name.
func (r *Registry) ForContentType(ct models.ContentType) []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDescriptor, 0, len(r.tools))
	for _, td := range r.tools {
		if td.Supports(ct) {
			out = append(out, td)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Version returns the descriptor set version tag.
func (r *Registry) Version() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// registryFile is the YAML override document.
type registryFile struct {
	Version string                  `yaml:"version"`
	Tools   []models.ToolDescriptor `yaml:"tools"`
}

// LoadFile replaces the descriptor set with the contents of a YAML file.
// The file must parse and every descriptor must validate, otherwise the
// current set stays untouched.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read registry file: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse registry file: %w", err)
	}
	if len(file.Tools) == 0 {
		return fmt.Errorf("%w: registry file lists no tools", ErrInvalidDescriptor)
	}

	tools := make(map[string]models.ToolDescriptor, len(file.Tools))
	for _, td := range file.Tools {
		if err := validateDescriptor(td); err != nil {
			return err
		}
		if _, dup := tools[td.Name]; dup {
			return fmt.Errorf("%w: duplicate tool %s", ErrInvalidDescriptor, td.Name)
		}
		tools[td.Name] = td
	}

	r.mu.Lock()
	r.tools = tools
	if file.Version != "" {
		r.version = file.Version
	}
	r.mu.Unlock()

	r.logger.Info("capability registry loaded from file",
		logger.String("path", path),
		logger.String("version", file.Version),
		logger.Int("tools", len(tools)))
	return nil
}
