package node

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nodeselector/pkg/models"
	"nodeselector/pkg/prober"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type NodeTestSuite struct {
	suite.Suite
	node   *Node
	server *httptest.Server
	prober *prober.HTTPProber
}

func (s *NodeTestSuite) SetupTest() {
	n, err := New(State{
		Service:         "discovery-node",
		Version:         "1.2.3",
		BlockDifference: models.Int64(4),
		ChainHead:       5000,
		Git:             "abc123",
	}, s.T().TempDir())
	s.Require().NoError(err)

	s.node = n
	s.server = httptest.NewServer(n.Handler())
	s.prober = prober.New(prober.Options{RetryMax: -1})
}

func (s *NodeTestSuite) TearDownTest() {
	s.server.Close()
}

func (s *NodeTestSuite) probe() *models.HealthResponse {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := s.prober.Probe(ctx, s.prober.HealthCheckURL(s.server.URL))
	s.Require().NoError(err)
	return resp
}

func (s *NodeTestSuite) TestHealthCheckPayload() {
	resp := s.probe()

	s.Equal(http.StatusOK, resp.Status)
	s.Equal("discovery-node", resp.Service)
	s.Equal("1.2.3", resp.Version)
	s.Require().NotNil(resp.BlockDifference)
	s.Equal(int64(4), *resp.BlockDifference)
	s.Nil(resp.SlotDifference)
	s.Equal(int64(5000), resp.Telemetry.WebBlockNumber)
	s.Equal(int64(4996), resp.Telemetry.DBBlockNumber)
	s.Equal("abc123", resp.Telemetry.Git)
	s.NotZero(resp.Telemetry.FilesystemSize)
}

func (s *NodeTestSuite) TestSlotDifferenceReported() {
	state := s.node.State()
	state.SlotDifference = models.Int64(250)
	s.Require().NoError(s.node.SetState(state))

	resp := s.probe()
	s.Require().NotNil(resp.SlotDifference)
	s.Equal(int64(250), *resp.SlotDifference)
}

func (s *NodeTestSuite) TestFailingStatus() {
	state := s.node.State()
	state.Status = http.StatusServiceUnavailable
	s.Require().NoError(s.node.SetState(state))

	resp := s.probe()
	s.Equal(http.StatusServiceUnavailable, resp.Status)
	s.Empty(resp.Service)
}

func (s *NodeTestSuite) TestDelayHonoursDeadline() {
	state := s.node.State()
	state.DelayMs = 2000
	s.Require().NoError(s.node.SetState(state))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.prober.Probe(ctx, s.prober.HealthCheckURL(s.server.URL))
	s.Error(err)
	s.True(prober.IsTimeoutOrConnectionError(err))
}

func (s *NodeTestSuite) TestPutState() {
	body, err := json.Marshal(State{Service: "discovery-node", Version: "1.3.0", BlockDifference: models.Int64(0)})
	s.Require().NoError(err)

	req, err := http.NewRequest(http.MethodPut, s.server.URL+"/state", bytes.NewReader(body))
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)

	s.Equal("1.3.0", s.probe().Version)
	s.Equal(int64(defaultChainHead), s.node.State().ChainHead)
}

func (s *NodeTestSuite) TestPutInvalidState() {
	req, err := http.NewRequest(http.MethodPut, s.server.URL+"/state", strings.NewReader(`{"service":"discovery-node"}`))
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("1.2.3", s.node.State().Version)
}

func (s *NodeTestSuite) TestGetState() {
	resp, err := http.Get(s.server.URL + "/state")
	s.Require().NoError(err)
	defer resp.Body.Close()

	var state State
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&state))
	s.Equal("1.2.3", state.Version)
	s.Equal(int64(5000), state.ChainHead)
}

func TestNodeTestSuite(t *testing.T) {
	suite.Run(t, new(NodeTestSuite))
}

func TestNewRejectsInvalidState(t *testing.T) {
	_, err := New(State{Service: "discovery-node"}, "")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = New(State{Service: "discovery-node", Version: "1.2.3", Status: 42}, "")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = New(State{Service: "discovery-node", Version: "1.2.3", DelayMs: -1}, "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestParseMemInfo(t *testing.T) {
	input := `MemTotal:        1000 kB
MemFree:          100 kB
MemAvailable:     400 kB
Buffers:           50 kB
Cached:           200 kB
garbage
`
	info, err := parseMemInfo(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, uint64(1000*1024), info.Total)
	assert.Equal(t, uint64(400*1024), info.Available)
	assert.Equal(t, uint64(600*1024), info.Used)
}

func TestParseMemInfoWithoutAvailable(t *testing.T) {
	input := `MemTotal:        1000 kB
MemFree:          100 kB
Buffers:           50 kB
Cached:           200 kB
`
	info, err := parseMemInfo(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, uint64(350*1024), info.Available)
	assert.Equal(t, uint64(650*1024), info.Used)
}

func TestGetStorageInfo(t *testing.T) {
	info, err := getStorageInfo(t.TempDir())
	require.NoError(t, err)
	assert.NotZero(t, info.Total)
	assert.Equal(t, info.Total, info.Used+info.Available)

	_, err = getStorageInfo("/definitely/not/here")
	assert.Error(t, err)
}
