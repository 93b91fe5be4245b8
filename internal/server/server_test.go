package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khanglvm/amas-engine/internal/amas"
	"github.com/khanglvm/amas-engine/internal/engine"
	"github.com/khanglvm/amas-engine/internal/learning"
	"github.com/khanglvm/amas-engine/internal/logger"
	"github.com/khanglvm/amas-engine/internal/reward"
	"github.com/khanglvm/amas-engine/internal/storage"
)

type fixture struct {
	srv   *Server
	store *storage.SQLiteStorage
	queue *reward.Queue
}

func newFixture(t *testing.T, in string, out *bytes.Buffer) *fixture {
	t.Helper()
	log := logger.Nop()

	store := storage.NewStorage(filepath.Join(t.TempDir(), "engine.db"), log)
	require.NoError(t, store.Init())
	t.Cleanup(func() { store.Close() })

	eng, err := engine.New(engine.DefaultConfig(), store, nil, nil, log)
	require.NoError(t, err)
	queue := reward.NewQueue(store, eng, reward.Config{}, log)

	return &fixture{
		srv:   NewServer(eng, queue, nil, "test", strings.NewReader(in), out, log),
		store: store,
		queue: queue,
	}
}

func call(t *testing.T, s *Server, method string, params interface{}) *Response {
	t.Helper()
	req := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return s.Handle(context.Background(), data)
}

// decode round-trips a result into v.
func decode(t *testing.T, resp *Response, v interface{}) {
	t.Helper()
	require.NotNil(t, resp)
	require.Nil(t, resp.Error, "unexpected error: %+v", resp.Error)
	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func event(userID, ownerEventID string) engine.EventInput {
	return engine.EventInput{
		UserID:       userID,
		OwnerEventID: ownerEventID,
		Event: amas.RawEvent{
			WordID:       "w1",
			IsCorrect:    true,
			ResponseTime: 1800,
			Timestamp:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		},
	}
}

func TestInitialize(t *testing.T) {
	f := newFixture(t, "", &bytes.Buffer{})

	var res struct {
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
		Methods []string `json:"methods"`
	}
	decode(t, call(t, f.srv, "initialize", nil), &res)

	assert.Equal(t, "amas-engine", res.ServerInfo.Name)
	assert.Equal(t, "test", res.ServerInfo.Version)
	assert.Contains(t, res.Methods, "engine/processEvent")
	assert.Contains(t, res.Methods, "queue/stats")
}

func TestProcessEventAndDelayedReward(t *testing.T) {
	f := newFixture(t, "", &bytes.Buffer{})

	var res engine.Result
	decode(t, call(t, f.srv, "engine/processEvent", event("u1", "ev-1")), &res)
	assert.NotEmpty(t, res.DecisionID)
	assert.Equal(t, "ev-1", res.OwnerEventID)
	assert.Equal(t, "coldstart", res.Source)
	assert.False(t, res.Degraded)

	var enq struct {
		ID string `json:"id"`
	}
	decode(t, call(t, f.srv, "engine/enqueueReward", reward.EnqueueRequest{
		UserID: "u1", OwnerEventID: "ev-1", Reward: 0.8,
	}), &enq)
	require.NotEmpty(t, enq.ID)

	st, err := f.queue.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Done)

	var stats map[storage.RewardStatus]int
	decode(t, call(t, f.srv, "queue/stats", nil), &stats)
	assert.Equal(t, 1, stats[storage.RewardDone])
}

func TestSnapshotAndResetColdStart(t *testing.T) {
	f := newFixture(t, "", &bytes.Buffer{})

	for i := 0; i < 3; i++ {
		resp := call(t, f.srv, "engine/processEvent", event("u1", ""))
		require.Nil(t, resp.Error)
	}

	var snap engine.Snapshot
	decode(t, call(t, f.srv, "engine/snapshot", map[string]string{"userId": "u1"}), &snap)
	assert.Equal(t, "u1", snap.UserID)
	assert.Greater(t, snap.ColdStart.UpdateCount, 0)

	var ok map[string]bool
	decode(t, call(t, f.srv, "engine/resetColdStart", map[string]string{"userId": "u1"}), &ok)
	assert.True(t, ok["ok"])

	decode(t, call(t, f.srv, "engine/snapshot", map[string]string{"userId": "u1"}), &snap)
	assert.Equal(t, 0, snap.ColdStart.UpdateCount)
	assert.Equal(t, "classify", snap.Phase)
}

func TestErrors(t *testing.T) {
	f := newFixture(t, "", &bytes.Buffer{})

	tests := []struct {
		name   string
		method string
		params interface{}
		code   int
	}{
		{"unknown method", "engine/teleport", nil, CodeMethodNotFound},
		{"missing params", "engine/processEvent", nil, CodeInvalidParams},
		{"missing user", "engine/processEvent", engine.EventInput{}, CodeInvalidParams},
		{"bad enqueue", "engine/enqueueReward", reward.EnqueueRequest{UserID: "u1"}, CodeInvalidParams},
		{"wrong params type", "engine/resetColdStart", []int{1}, CodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, f.srv, tt.method, tt.params)
			require.NotNil(t, resp)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}

	t.Run("parse error", func(t *testing.T) {
		resp := f.srv.Handle(context.Background(), []byte(`{not json`))
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeParseError, resp.Error.Code)
		assert.Nil(t, resp.ID)
	})

	t.Run("wrong version", func(t *testing.T) {
		resp := f.srv.Handle(context.Background(), []byte(`{"jsonrpc":"1.0","id":7,"method":"initialize"}`))
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
	})

	t.Run("notification gets no response", func(t *testing.T) {
		assert.Nil(t, f.srv.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"initialize"}`)))
	})
}

func TestRecorderStatsWithoutRecorder(t *testing.T) {
	f := newFixture(t, "", &bytes.Buffer{})

	var st learning.RecorderStats
	decode(t, call(t, f.srv, "recorder/stats", nil), &st)
	assert.False(t, st.Enabled)
}

func TestRecorderToggle(t *testing.T) {
	f := newFixture(t, "", &bytes.Buffer{})
	rec := learning.NewRecorder(f.store, learning.DefaultRecorderConfig(), logger.Nop())
	defer rec.Stop()
	f.srv.recorder = rec

	var st learning.RecorderStats
	decode(t, call(t, f.srv, "recorder/disable", nil), &st)
	assert.False(t, st.Enabled)
	assert.False(t, rec.IsEnabled())

	decode(t, call(t, f.srv, "recorder/enable", nil), &st)
	assert.True(t, st.Enabled)
	assert.True(t, rec.IsEnabled())

	f.srv.recorder = nil
	resp := call(t, f.srv, "recorder/disable", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternal, resp.Error.Code)
}

func TestRunStdio(t *testing.T) {
	in := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
		``,
		`{"jsonrpc":"2.0","method":"initialize"}`,
		`{"jsonrpc":"2.0","id":2,"method":"engine/processEvent","params":{"userId":"u1","event":{"wordId":"w1","isCorrect":true,"responseTime":1500,"timestamp":"2026-03-02T09:00:00Z"}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"nope"}`,
	}, "\n") + "\n"

	out := &bytes.Buffer{}
	f := newFixture(t, in, out)
	require.NoError(t, f.srv.Run(context.Background()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)

	var r1, r2, r3 Response
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &r1))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &r2))
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &r3))

	assert.EqualValues(t, 1, r1.ID)
	assert.Nil(t, r1.Error)
	assert.EqualValues(t, 2, r2.ID)
	assert.Nil(t, r2.Error)
	require.NotNil(t, r3.Error)
	assert.Equal(t, CodeMethodNotFound, r3.Error.Code)
}

func TestRunStopsOnCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	f := newFixture(t, "", &bytes.Buffer{})
	f.srv.in = pr

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
