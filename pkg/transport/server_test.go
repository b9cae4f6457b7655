package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmap-core/jmapd/pkg/blob"
	"github.com/jmap-core/jmapd/pkg/jmap"
	"github.com/jmap-core/jmapd/pkg/raftlog"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	manager, err := raftlog.NewManager(&raftlog.Config{
		NodeID:        "test-node",
		BindAddr:      "127.0.0.1:0",
		DataDir:       t.TempDir(),
		CommitTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, manager.Bootstrap())
	t.Cleanup(func() { _ = manager.Shutdown() })
	require.Eventually(t, manager.IsLeader, 5*time.Second, 10*time.Millisecond, "single-node cluster never elected itself leader")

	blobs, err := blob.Open(manager.Store(), t.TempDir(), 2, time.Hour)
	require.NoError(t, err)

	coordinator := jmap.NewCoordinator(manager, blobs, 0)
	coordinator.Register(jmap.MailboxKind{})
	coordinator.Register(jmap.MailKind{})

	return NewServer(coordinator, blobs, manager)
}

func postJMAP(t *testing.T, mux http.Handler, env RequestEnvelope) ResponseEnvelope {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/jmap", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out ResponseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestJMAPEndpointCreateThenGetRoundTrips(t *testing.T) {
	mux := newTestServer(t).Routes()

	createArgs, err := json.Marshal(map[string]interface{}{
		"accountId": "1",
		"create": map[string]interface{}{
			"a": map[string]interface{}{"name": "Inbox"},
		},
	})
	require.NoError(t, err)

	resp := postJMAP(t, mux, RequestEnvelope{
		MethodCalls: []MethodCall{{Name: "Mailbox/set", Args: createArgs, CallID: "c1"}},
	})
	require.Len(t, resp.MethodResponses, 1)
	require.Equal(t, "Mailbox/set", resp.MethodResponses[0].Name)

	var setResult struct {
		Created map[string]map[string]interface{} `json:"created"`
	}
	require.NoError(t, json.Unmarshal(resp.MethodResponses[0].Args, &setResult))
	require.Contains(t, setResult.Created, "a")
	id, _ := setResult.Created["a"]["id"].(string)
	require.NotEmpty(t, id)

	getArgs, err := json.Marshal(map[string]interface{}{
		"accountId": "1",
		"ids":       []string{id},
	})
	require.NoError(t, err)

	resp2 := postJMAP(t, mux, RequestEnvelope{
		MethodCalls: []MethodCall{{Name: "Mailbox/get", Args: getArgs, CallID: "c2"}},
	})
	require.Len(t, resp2.MethodResponses, 1)
	require.Equal(t, "Mailbox/get", resp2.MethodResponses[0].Name)

	var getResult struct {
		List []map[string]interface{} `json:"list"`
	}
	require.NoError(t, json.Unmarshal(resp2.MethodResponses[0].Args, &getResult))
	require.Len(t, getResult.List, 1)
	require.Equal(t, "Inbox", getResult.List[0]["name"])
}

func TestJMAPEndpointUnknownMethodReturnsErrorResponse(t *testing.T) {
	mux := newTestServer(t).Routes()

	resp := postJMAP(t, mux, RequestEnvelope{
		MethodCalls: []MethodCall{{Name: "Bogus/verb", Args: json.RawMessage(`{}`), CallID: "c1"}},
	})
	require.Len(t, resp.MethodResponses, 1)
	require.Equal(t, "error", resp.MethodResponses[0].Name)

	var errBody struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(resp.MethodResponses[0].Args, &errBody))
	require.Equal(t, "unknownMethod", errBody.Type)
}

func TestJMAPEndpointStateMismatchReturnsErrorResponse(t *testing.T) {
	mux := newTestServer(t).Routes()

	args, err := json.Marshal(map[string]interface{}{
		"accountId": "1",
		"ifInState": "i999",
		"create": map[string]interface{}{
			"a": map[string]interface{}{"name": "Inbox"},
		},
	})
	require.NoError(t, err)

	resp := postJMAP(t, mux, RequestEnvelope{
		MethodCalls: []MethodCall{{Name: "Mailbox/set", Args: args, CallID: "c1"}},
	})
	require.Len(t, resp.MethodResponses, 1)
	require.Equal(t, "error", resp.MethodResponses[0].Name)

	var errBody struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(resp.MethodResponses[0].Args, &errBody))
	require.Equal(t, "stateMismatch", errBody.Type)
}

func TestUploadThenDownloadRoundTrips(t *testing.T) {
	mux := newTestServer(t).Routes()

	payload := []byte("hello from a test attachment")
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var uploadResp struct {
		BlobID string `json:"blobId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uploadResp))
	require.NotEmpty(t, uploadResp.BlobID)

	dlReq := httptest.NewRequest(http.MethodGet, "/download/"+uploadResp.BlobID, nil)
	dlRec := httptest.NewRecorder()
	mux.ServeHTTP(dlRec, dlReq)
	require.Equal(t, http.StatusOK, dlRec.Code)
	require.Equal(t, payload, dlRec.Body.Bytes())
}

func TestDownloadUnknownBlobReturnsNotFound(t *testing.T) {
	mux := newTestServer(t).Routes()

	// A well-formed id that was never Put, so the KV store has no
	// metadata entry for it: GetRange surfaces blob.ErrNotFound.
	id := blob.Of([]byte("never stored"))

	dlReq := httptest.NewRequest(http.MethodGet, "/download/"+id.Hex(), nil)
	dlRec := httptest.NewRecorder()
	mux.ServeHTTP(dlRec, dlReq)
	require.Equal(t, http.StatusNotFound, dlRec.Code)
}

func TestDownloadMalformedBlobIDReturnsBadRequest(t *testing.T) {
	mux := newTestServer(t).Routes()

	dlReq := httptest.NewRequest(http.MethodGet, "/download/not-hex", nil)
	dlRec := httptest.NewRecorder()
	mux.ServeHTTP(dlRec, dlReq)
	require.Equal(t, http.StatusBadRequest, dlRec.Code)
}
