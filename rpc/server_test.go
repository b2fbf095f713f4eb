package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/engine"
	"github.com/colorfulnotion/settle/l1"
	"github.com/colorfulnotion/settle/merkle"
	"github.com/colorfulnotion/settle/rollup"
	"github.com/colorfulnotion/settle/statedb"
	"github.com/colorfulnotion/settle/types"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t        *testing.T
	engine   *engine.Engine
	registry *prometheus.Registry
	server   *Server
	http     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	allocs := make([]statedb.GenesisAlloc, 4)
	for i := range allocs {
		addr, _ := common.DevAccount(i)
		allocs[i] = statedb.GenesisAlloc{Address: addr, Token: types.NativeToken, Balance: uint256.NewInt(1_000_000)}
	}
	state, err := statedb.NewManager(statedb.DefaultConfig(), statedb.NewGenesisState(allocs), nil)
	require.NoError(t, err)
	t.Cleanup(state.Close)

	cfg := engine.DefaultConfig()
	cfg.Rollup.Submitter, _ = common.DevAccount(100)
	cfg.OperatorStake = rollup.Tokens(1000)
	registry := prometheus.NewRegistry()
	eng, err := engine.New(cfg, state, l1.NewSimulatedAnchor(), engine.Services{Registry: registry})
	require.NoError(t, err)
	t.Cleanup(eng.Stop)

	f := &fixture{t: t, engine: eng, registry: registry}
	f.server = NewServer(Config{Addr: "127.0.0.1:0"}, eng, registry)
	f.http = httptest.NewServer(f.server.Handler())
	t.Cleanup(f.http.Close)
	return f
}

func (f *fixture) signedTransfer(from, to int, nonce uint64) *types.Transaction {
	f.t.Helper()
	fromAddr, key := common.DevAccount(from)
	toAddr, _ := common.DevAccount(to)
	tx := types.NewTransfer(fromAddr, toAddr, 5, nonce, 100_000, 1)
	require.NoError(f.t, tx.Sign(key))
	return tx
}

func (f *fixture) do(method, path string, body interface{}, out interface{}) int {
	f.t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(f.t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rd)
	require.NoError(f.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(f.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestSubmitAndQueryTransaction(t *testing.T) {
	f := newFixture(t)
	tx := f.signedTransfer(0, 1, 1)

	var sub SubmitResponse
	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/v1/tx", tx, &sub))
	assert.Equal(t, tx.ID(), sub.ID)

	var st types.SettlementStatus
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/tx/"+sub.ID, nil, &st))
	assert.Equal(t, types.StatusPending, st.State)

	var dup ErrorResponse
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/v1/tx", tx, &dup))
	assert.Equal(t, "DuplicateTransaction", dup.Error)
	assert.Equal(t, "A4", dup.Code)

	var missing ErrorResponse
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/tx/0xdead", nil, &missing))
	assert.Equal(t, "UnknownTransaction", missing.Error)
}

func TestMalformedBody(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.http.URL+"/v1/tx", "application/json", strings.NewReader(`{"nonce":`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(f.http.URL + "/v1/tx")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestBatchAndProofEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := f.engine.SubmitTransaction(ctx, f.signedTransfer(i, i+1, 1))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, f.engine.ProduceBatch(ctx))
	require.NoError(t, f.engine.SettlePending(ctx))

	var br BatchResponse
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/batch/"+types.BatchID(1), nil, &br))
	assert.Equal(t, engine.BatchSubmitted, br.State)
	assert.Len(t, br.Batch.Transactions, 3)
	require.NotNil(t, br.Finality)
	assert.Equal(t, types.BatchID(1), br.Finality.BatchID)

	for _, id := range ids {
		var pr ProofResponse
		require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/tx/"+id+"/proof", nil, &pr))
		assert.Equal(t, br.Batch.MerkleRoot, pr.MerkleRoot)
		assert.Equal(t, 3, pr.LeafCount)
		assert.True(t, merkle.Verify(pr.MerkleRoot, pr.TxHash.Bytes(), pr.Index, pr.LeafCount, pr.Path))
	}

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/batch/batch-404", nil, nil))

	// nothing finalized yet
	var er ErrorResponse
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/proof/aggregate", nil, &er))
	assert.Equal(t, "NotFound", er.Error)
}

func TestChallengeEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.SubmitTransaction(ctx, f.signedTransfer(0, 1, 1))
	require.NoError(t, err)
	require.NoError(t, f.engine.ProduceBatch(ctx))
	require.NoError(t, f.engine.SettlePending(ctx))

	challenger, _ := common.DevAccount(7)
	req := ChallengeRequest{
		BatchID:    types.BatchID(1),
		Challenger: challenger.Hex(),
		Stake:      rollup.Tokens(100),
		Type:       "InvalidStateTransition",
	}
	var sub SubmitResponse
	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/v1/challenge", req, &sub))
	require.NotEmpty(t, sub.ID)

	var c map[string]interface{}
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/challenge/"+sub.ID, nil, &c))
	assert.Equal(t, "Open", c["status"])

	// empty evidence cannot prove fraud
	var res rollup.Resolution
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/challenge/"+sub.ID+"/process", nil, &res))
	assert.Equal(t, types.BatchID(1), res.BatchID)
	assert.Empty(t, res.Reverted)

	low := req
	low.Stake = uint256.NewInt(1)
	var lowErr ErrorResponse
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/challenge", low, &lowErr))
	assert.Equal(t, "InsufficientStake", lowErr.Error)

	bad := req
	bad.Type = "Vibes"
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/challenge", bad, nil))
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/challenge/nope", nil, nil))
}

func TestStatsHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SubmitTransaction(context.Background(), f.signedTransfer(0, 1, 1))
	require.NoError(t, err)

	var stats StatsResponse
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/stats", nil, &stats))
	assert.Equal(t, 1, stats.Statistics.Pool.Size)
	assert.Equal(t, uint64(1), stats.Statistics.Admitted)

	// supervisor not started
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/v1/health", nil, nil))

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "settle_pool_admitted_total")
}

func TestWebsocketFeed(t *testing.T) {
	f := newFixture(t)
	srv := NewServer(Config{Addr: "127.0.0.1:0", EnableWS: true}, f.engine, f.registry)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop(context.Background())

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/v1/ws", srv.Addr()), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(SubscriptionRequest{Method: MethodSubscribe, Events: []string{engine.EventBatchCreated}}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack types.WSPayload
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, MethodSubscribe, ack.Method)

	_, err = f.engine.SubmitTransaction(context.Background(), f.signedTransfer(0, 1, 1))
	require.NoError(t, err)
	require.NoError(t, f.engine.ProduceBatch(context.Background()))

	var msg struct {
		Method string       `json:"method"`
		Result engine.Event `json:"result"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, engine.EventBatchCreated, msg.Method, "tx_admitted is filtered out")
	assert.Equal(t, types.BatchID(1), msg.Result.BatchID)
}
