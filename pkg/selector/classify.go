package selector

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"nodeselector/pkg/log"
	"nodeselector/pkg/models"

	"github.com/Masterminds/semver/v3"
)

// isHealthy classifies one health response. Status, identity and version
// format failures mean the node may not be the same service at all and are
// never kept. A node of a different generation is kept only so the fallback
// can accept it when that generation is still registered. Same-generation
// nodes that are merely behind are kept as backups.
func (rc *roundContext) isHealthy(ctx context.Context, resp *models.HealthResponse, round *Round) Classification {
	s := rc.selector
	endpoint := round.Endpoint(resp.ProbeURL)

	s.emitHealthCheck(ctx, endpoint, resp)

	if resp.Status != http.StatusOK {
		return unhealthy("status %d", resp.Status)
	}

	if resp.Service != s.cfg.Service {
		return unhealthy("service %q, want %q", resp.Service, s.cfg.Service)
	}

	version, err := parseVersion(resp.Version)
	if err != nil {
		return unhealthy("invalid version %q", resp.Version)
	}

	if resp.BlockDifference == nil {
		return unhealthy("missing block_difference")
	}

	current, err := rc.currentVersion(ctx)
	if err != nil {
		return unhealthy("current version unavailable: %v", err)
	}

	backup := &models.BackupRecord{
		Endpoint:        endpoint,
		Version:         version.String(),
		BlockDifference: *resp.BlockDifference,
		Telemetry:       resp.Telemetry,
	}

	if !s.registry.HasSameMajorAndMinorVersion(version.String(), current.String()) {
		return Classification{
			Verdict: models.VerdictUnhealthy,
			Reason:  fmt.Sprintf("generation %d.%d, want %d.%d", version.Major(), version.Minor(), current.Major(), current.Minor()),
			Backup:  backup,
		}
	}

	if version.Patch() < current.Patch() {
		return Classification{
			Verdict: models.VerdictBackup,
			Reason:  fmt.Sprintf("version %s behind %s", version, current),
			Backup:  backup,
		}
	}

	if *resp.BlockDifference > s.cfg.UnhealthyBlockDiff {
		return Classification{
			Verdict: models.VerdictBackup,
			Reason:  fmt.Sprintf("block_difference %d > %d", *resp.BlockDifference, s.cfg.UnhealthyBlockDiff),
			Backup:  backup,
		}
	}

	if s.cfg.UnhealthySlotDiff > 0 && resp.SlotDifference != nil && *resp.SlotDifference > s.cfg.UnhealthySlotDiff {
		return Classification{
			Verdict: models.VerdictBackup,
			Reason:  fmt.Sprintf("slot_difference %d > %d", *resp.SlotDifference, s.cfg.UnhealthySlotDiff),
			Backup:  backup,
		}
	}

	return Classification{Verdict: models.VerdictHealthy}
}

func unhealthy(format string, args ...interface{}) Classification {
	return Classification{Verdict: models.VerdictUnhealthy, Reason: fmt.Sprintf(format, args...)}
}

// emitHealthCheck forwards the response to the monitoring sink. Errors and
// panics stay here.
func (s *Selector) emitHealthCheck(ctx context.Context, endpoint string, resp *models.HealthResponse) {
	if s.monitor == nil {
		return
	}
	metrics := models.HealthCheckMetrics{
		Endpoint:        endpoint,
		ProbeURL:        resp.ProbeURL,
		Status:          resp.Status,
		Service:         resp.Service,
		Version:         resp.Version,
		BlockDifference: resp.BlockDifference,
		SlotDifference:  resp.SlotDifference,
		Telemetry:       resp.Telemetry,
	}
	safeCall("health check monitor", func() {
		if err := s.monitor.HealthCheck(ctx, metrics); err != nil {
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("Monitoring health check hook failed")
		}
	})
}

// parseVersion accepts strict major.minor.patch semver with an optional leading "v".
func parseVersion(raw string) (*semver.Version, error) {
	return semver.StrictNewVersion(strings.TrimPrefix(strings.TrimSpace(raw), "v"))
}
