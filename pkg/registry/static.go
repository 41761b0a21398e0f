package registry

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// ServiceEntry is the registry state of one service.
type ServiceEntry struct {
	// Versions is the registration history, oldest first.
	Versions  []string   `yaml:"versions"`
	Providers []Provider `yaml:"providers"`
}

// File is the on-disk layout of a static registry.
type File struct {
	Services map[string]ServiceEntry `yaml:"services"`
}

// Static is an in-memory Registry. It is safe for concurrent use and can be
// swapped wholesale when the backing file changes.
type Static struct {
	mu       sync.RWMutex
	services map[string]ServiceEntry
}

// NewStatic creates a registry from already parsed entries.
func NewStatic(services map[string]ServiceEntry) (*Static, error) {
	if err := validate(services); err != nil {
		return nil, err
	}
	return &Static{services: copyServices(services)}, nil
}

// Load reads a YAML registry file.
func Load(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}

	return NewStatic(file.Services)
}

// Replace swaps the registry contents for those of other.
func (s *Static) Replace(other *Static) {
	other.mu.RLock()
	services := copyServices(other.services)
	other.mu.RUnlock()

	s.mu.Lock()
	s.services = services
	s.mu.Unlock()
}

func (s *Static) entry(service string) (ServiceEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.services[service]
	if !ok {
		return ServiceEntry{}, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	return entry, nil
}

func (s *Static) GetCurrentVersion(_ context.Context, service string) (string, error) {
	entry, err := s.entry(service)
	if err != nil {
		return "", err
	}
	if len(entry.Versions) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoVersions, service)
	}
	return entry.Versions[len(entry.Versions)-1], nil
}

func (s *Static) GetServiceProviderList(_ context.Context, service string) ([]Provider, error) {
	entry, err := s.entry(service)
	if err != nil {
		return nil, err
	}
	providers := make([]Provider, len(entry.Providers))
	copy(providers, entry.Providers)
	return providers, nil
}

func (s *Static) GetNumberOfVersions(_ context.Context, service string) (int, error) {
	entry, err := s.entry(service)
	if err != nil {
		return 0, err
	}
	return len(entry.Versions), nil
}

func (s *Static) GetVersion(_ context.Context, service string, index int) (string, error) {
	entry, err := s.entry(service)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= len(entry.Versions) {
		return "", fmt.Errorf("%w: %s[%d]", ErrVersionIndexOutOfRange, service, index)
	}
	return entry.Versions[index], nil
}

func (s *Static) HasSameMajorAndMinorVersion(a, b string) bool {
	return SameMajorMinor(a, b)
}

func validate(services map[string]ServiceEntry) error {
	for name, entry := range services {
		for _, v := range entry.Versions {
			if _, err := semver.StrictNewVersion(v); err != nil {
				return fmt.Errorf("%w: %s %q", ErrInvalidVersion, name, v)
			}
		}
	}
	return nil
}

func copyServices(in map[string]ServiceEntry) map[string]ServiceEntry {
	out := make(map[string]ServiceEntry, len(in))
	for name, entry := range in {
		out[name] = ServiceEntry{
			Versions:  append([]string(nil), entry.Versions...),
			Providers: append([]Provider(nil), entry.Providers...),
		}
	}
	return out
}
