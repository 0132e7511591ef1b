package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/weave/internal/ir"
	"github.com/roach88/weave/internal/version"
	"github.com/roach88/weave/internal/wire"
)

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func seedRelay(t *testing.T) *testRelay {
	t.Helper()
	st := newTestStore(t)
	_, err := st.AppendOperations(context.Background(), testDoc, seedOps(t, newClientDoc("alice")))
	require.NoError(t, err)
	return newTestRelay(t, st)
}

func TestHTTP_Health(t *testing.T) {
	r := newTestRelay(t, newTestStore(t))
	var body map[string]any
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, r.http.URL+"/healthz", nil, &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "relay-1", body["node"])
}

func TestHTTP_Documents(t *testing.T) {
	r := seedRelay(t)
	var ids []string
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, r.http.URL+"/docs", nil, &ids))
	assert.Equal(t, []string{testDoc}, ids)
}

func TestHTTP_SaveListAndGet(t *testing.T) {
	r := seedRelay(t)
	base := r.http.URL + "/docs/" + testDoc

	var infos []ir.VersionInfo
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, base+"/versions", nil, &infos))
	assert.Empty(t, infos)

	var saved ir.VersionInfo
	require.Equal(t, http.StatusCreated, doJSON(t, http.MethodPost, base+"/versions",
		saveRequest{Author: "alice", Label: "baseline"}, &saved))
	assert.Equal(t, int64(1), saved.Version)
	assert.Equal(t, "baseline", saved.Label)

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, base+"/versions", nil, &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, saved.ID, infos[0].ID)

	var got versionResponse
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, base+"/versions/1", nil, &got))
	assert.Equal(t, "alice", got.Author)
	assert.Len(t, got.View.Nodes, 2)
	assert.Equal(t, "ok", got.View.Edges["e1"].Label)
}

func TestHTTP_MissingVersion(t *testing.T) {
	r := seedRelay(t)
	base := r.http.URL + "/docs/" + testDoc

	var body map[string]string
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, base+"/versions/7", nil, &body))
	assert.Contains(t, body["error"], "not found")

	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPost, base+"/versions/7/restore", nil, &body))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodGet, base+"/compare?a=zero", nil, &body))
}

func TestHTTP_CompareAndRestore(t *testing.T) {
	r := seedRelay(t)
	base := r.http.URL + "/docs/" + testDoc
	require.Equal(t, http.StatusCreated, doJSON(t, http.MethodPost, base+"/versions", saveRequest{Author: "alice"}, nil))

	// alice resumes from her own replica and moves n1.
	alice := dial(t, r, "alice")
	alice.join(ir.Summary{"alice": 4})
	replica := newClientDoc("alice")
	seedOps(t, replica)
	moved, err := replica.Mutate(docMove("n1", 300, 300))
	require.NoError(t, err)
	alice.send(wire.Frame{Type: wire.FrameOps, Ops: moved})
	alice.expect(wire.FrameAck)

	var diff version.Diff
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, base+"/compare?a=1", nil, &diff))
	require.Len(t, diff.Nodes, 1)
	assert.Equal(t, "n1", diff.Nodes[0].ID)
	assert.Equal(t, version.Changed, diff.Nodes[0].Status)

	var report version.Report
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, base+"/versions/1/restore", nil, &report))
	assert.Equal(t, 1, report.Ops)
	assert.Equal(t, []string{"node:n1/position"}, report.Conflicts)

	restored := alice.expect(wire.FrameOps)
	require.Len(t, restored.Ops, 1)
	assert.Equal(t, "relay-1", restored.Ops[0].Origin)
	notice := alice.expect(wire.FrameNotice)
	assert.Equal(t, string(ir.ErrCodeRestoreConflict), notice.Notice.Code)

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, base+"/compare?a=1", nil, &diff))
	assert.True(t, diff.Empty(), "live state matches v1 again")
}

func TestHTTP_Presence(t *testing.T) {
	r := newTestRelay(t, newTestStore(t))
	var alive []string
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, r.http.URL+"/docs/"+testDoc+"/presence", nil, &alive))
	assert.Empty(t, alive)
}
