package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"nodeselector/pkg/models"
	"nodeselector/pkg/node"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startNode(t *testing.T, version string, lag int64) *httptest.Server {
	t.Helper()
	n, err := node.New(node.State{
		Service:         "discovery-node",
		Version:         version,
		BlockDifference: models.Int64(lag),
	}, t.TempDir())
	require.NoError(t, err)

	srv := httptest.NewServer(n.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func writeRegistry(t *testing.T, endpoints ...string) string {
	t.Helper()
	content := "services:\n  discovery-node:\n    versions: [\"1.2.2\", \"1.2.3\"]\n    providers:\n"
	for _, endpoint := range endpoints {
		content += "      - endpoint: " + endpoint + "\n"
	}
	p := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{
		"-service", "discovery-node",
		"-registry", "r.yaml",
		"-endpoints", "https://a.example, https://b.example,",
		"-unhealthy-slot-diff", "100",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.endpoints)
	assert.Equal(t, int64(100), cfg.selection.UnhealthySlotDiff)
	assert.Equal(t, "discovery-node", cfg.selection.Service)

	_, err = parseFlags([]string{"-registry", "r.yaml"})
	assert.Error(t, err)

	_, err = parseFlags([]string{"-service", "discovery-node"})
	assert.Error(t, err)
}

func TestRunPrintsReport(t *testing.T) {
	healthy := startNode(t, "1.2.3", 1)
	stale := startNode(t, "1.2.2", 0)

	cfg, err := parseFlags([]string{"-service", "discovery-node", "-registry", writeRegistry(t, stale.URL, healthy.URL)})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, run(cfg, &out))

	assert.Contains(t, out.String(), "Selected "+healthy.URL+"\n")
	assert.Contains(t, out.String(), "ENDPOINT")
	assert.Contains(t, out.String(), "1.2.3")
}

func TestRunJSONWithBackup(t *testing.T) {
	stale := startNode(t, "1.2.2", 0)

	cfg, err := parseFlags([]string{"-service", "discovery-node", "-registry", writeRegistry(t, stale.URL), "-json"})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, run(cfg, &out))

	var sel models.Selection
	require.NoError(t, json.Unmarshal(out.Bytes(), &sel))
	assert.Equal(t, stale.URL, sel.Endpoint)
	assert.True(t, sel.Backup)
	require.Len(t, sel.Trace, 1)
	assert.Equal(t, models.VerdictBackup, sel.Trace[0].Verdict)
}

func TestRunMissingRegistry(t *testing.T) {
	cfg, err := parseFlags([]string{"-service", "discovery-node", "-registry", filepath.Join(t.TempDir(), "absent.yaml")})
	require.NoError(t, err)
	assert.Error(t, run(cfg, &bytes.Buffer{}))
}
