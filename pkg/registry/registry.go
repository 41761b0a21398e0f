// Package registry describes where the selector learns which versions of a
// service are valid and which endpoints claim to run it.
package registry

import (
	"context"

	"github.com/Masterminds/semver/v3"
)

// Provider is one registered endpoint of a service.
type Provider struct {
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Owner    string `yaml:"owner,omitempty" json:"owner,omitempty"`
}

// Registry is the version registry the selector consults.
// Version history is indexed oldest first; the last index is the newest registration.
type Registry interface {
	GetCurrentVersion(ctx context.Context, service string) (string, error)
	GetServiceProviderList(ctx context.Context, service string) ([]Provider, error)
	GetNumberOfVersions(ctx context.Context, service string) (int, error)
	GetVersion(ctx context.Context, service string, index int) (string, error)
	HasSameMajorAndMinorVersion(a, b string) bool
}

// SameMajorMinor reports whether a and b parse as semantic versions of the
// same generation. Unparseable input is never the same generation.
func SameMajorMinor(a, b string) bool {
	va, err := semver.NewVersion(a)
	if err != nil {
		return false
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return false
	}
	return va.Major() == vb.Major() && va.Minor() == vb.Minor()
}
