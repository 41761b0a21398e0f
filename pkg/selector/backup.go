package selector

import (
	"context"
	"fmt"
	"sort"

	"nodeselector/pkg/log"
	"nodeselector/pkg/models"

	"github.com/Masterminds/semver/v3"
)

func (s *Selector) currentVersion(ctx context.Context) (*semver.Version, error) {
	raw, err := s.registry.GetCurrentVersion(ctx, s.cfg.Service)
	if err != nil {
		return nil, fmt.Errorf("%w: current version of %s: %w", ErrVersionRegistry, s.cfg.Service, err)
	}
	version, err := parseVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: current version %q of %s: %w", ErrVersionRegistry, raw, s.cfg.Service, err)
	}
	return version, nil
}

// validVersionSet returns the current version followed by up to
// cfg.ValidVersions earlier registrations, newest first. A successful build
// is kept for the life of the selector; a failed one is retried next time.
func (s *Selector) validVersionSet(ctx context.Context) ([]*semver.Version, error) {
	s.versionsMu.Lock()
	defer s.versionsMu.Unlock()

	if s.validVersions != nil {
		return s.validVersions, nil
	}

	current, err := s.currentVersion(ctx)
	if err != nil {
		return nil, err
	}

	count, err := s.registry.GetNumberOfVersions(ctx, s.cfg.Service)
	if err != nil {
		return nil, fmt.Errorf("%w: number of versions of %s: %w", ErrVersionRegistry, s.cfg.Service, err)
	}

	versions := []*semver.Version{current}
	for i := count - 1; i >= 0 && len(versions) <= s.cfg.ValidVersions; i-- {
		raw, err := s.registry.GetVersion(ctx, s.cfg.Service, i)
		if err != nil {
			return nil, fmt.Errorf("%w: version %d of %s: %w", ErrVersionRegistry, i, s.cfg.Service, err)
		}
		version, err := parseVersion(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: version %d of %s is %q: %w", ErrVersionRegistry, i, s.cfg.Service, raw, err)
		}
		if version.Equal(current) {
			continue
		}
		versions = append(versions, version)
	}

	s.validVersions = versions
	return versions, nil
}

// selectFromBackups picks the least bad backup: the newest registered
// version with a node whose block lag is under the threshold, otherwise the
// node with the smallest lag overall. Backups of unregistered generations are
// never chosen. current is this round's expected version; its generation is
// always valid, even when the memoized history predates it.
func (s *Selector) selectFromBackups(ctx context.Context, current *semver.Version, backups []models.BackupRecord) (string, error) {
	if len(backups) == 0 {
		return "", nil
	}

	valid, err := s.validVersionSet(ctx)
	if err != nil {
		return "", err
	}
	if current != nil {
		valid = append([]*semver.Version{current}, valid...)
	}

	filtered := make([]models.BackupRecord, 0, len(backups))
	parsed := make(map[string]*semver.Version, len(backups))
	for _, backup := range backups {
		version, err := parseVersion(backup.Version)
		if err != nil {
			continue
		}
		if !s.inValidGeneration(version, valid) {
			log.Debug().Str("endpoint", backup.Endpoint).Str("version", backup.Version).Msg("Backup generation not registered")
			continue
		}
		filtered = append(filtered, backup)
		parsed[backup.Endpoint] = version
	}
	if len(filtered) == 0 {
		return "", nil
	}

	byVersion := make(map[string][]models.BackupRecord)
	var versions semver.Collection
	for _, backup := range filtered {
		version := parsed[backup.Endpoint]
		key := version.String()
		if _, ok := byVersion[key]; !ok {
			versions = append(versions, version)
		}
		byVersion[key] = append(byVersion[key], backup)
	}
	sort.Sort(sort.Reverse(versions))

	for _, version := range versions {
		for _, backup := range byVersion[version.String()] {
			if backup.BlockDifference < s.cfg.UnhealthyBlockDiff {
				return backup.Endpoint, nil
			}
		}
	}

	best := filtered[0]
	for _, backup := range filtered[1:] {
		if backup.BlockDifference < best.BlockDifference {
			best = backup
		}
	}
	return best.Endpoint, nil
}

func (s *Selector) inValidGeneration(version *semver.Version, valid []*semver.Version) bool {
	for _, v := range valid {
		if s.registry.HasSameMajorAndMinorVersion(version.String(), v.String()) {
			return true
		}
	}
	return false
}
