package transport

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/jmap-core/jmapd/pkg/blob"
	"github.com/jmap-core/jmapd/pkg/jmap"
	"github.com/jmap-core/jmapd/pkg/log"
	"github.com/jmap-core/jmapd/pkg/raftlog"
)

// defaultJoinTokenTTL is used when a join-token request omits ttlSeconds.
const defaultJoinTokenTTL = 10 * time.Minute

// Server is the thin JMAP-over-HTTP-JSON front end: one handler that
// decodes a request envelope, dispatches each method call through
// coordinator, and writes back the matching response envelope, plus the
// blob upload/download endpoints and a small cluster-admin surface.
type Server struct {
	coordinator *jmap.Coordinator
	blobs       *blob.Store
	manager     *raftlog.Manager
}

// NewServer wires a Server to the coordinator, blob store and Raft
// manager a serve command already constructed.
func NewServer(coordinator *jmap.Coordinator, blobs *blob.Store, manager *raftlog.Manager) *Server {
	return &Server{coordinator: coordinator, blobs: blobs, manager: manager}
}

// Routes returns the mux a serve command should hand to
// http.ListenAndServe, following the teacher's plain-net/http idiom
// (default ServeMux, no router library).
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/jmap", s.handleJMAP)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/download/", s.handleDownload)
	mux.HandleFunc("/admin/join-token", s.handleJoinToken)
	mux.HandleFunc("/admin/join", s.handleAdminJoin)
	return mux
}

func (s *Server) handleJMAP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RequestEnvelope
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(jmap.ErrInvalidArgs), err.Error())
		return
	}

	logger := log.WithComponent("transport")
	responses := make([]MethodCall, 0, len(req.MethodCalls))
	for _, call := range req.MethodCalls {
		resp := s.dispatch(r.Context(), call)
		if resp.Name == "error" {
			logger.Warn().Str("method", call.Name).Str("call_id", call.CallID).Msg("method call failed")
		}
		responses = append(responses, resp)
	}

	writeJSON(w, http.StatusOK, ResponseEnvelope{MethodResponses: responses})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, string(jmap.ErrInvalidArgs), err.Error())
		return
	}

	id, _, err := s.blobs.Put(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(jmap.ErrInternal), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"blobId": id.Hex(),
		"size":   len(payload),
		"type":   r.Header.Get("Content-Type"),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	blobID := r.URL.Path[len("/download/"):]
	raw, err := hex.DecodeString(blobID)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(jmap.ErrInvalidArgs), "malformed blob id")
		return
	}
	id, err := blob.ParseID(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(jmap.ErrInvalidArgs), "malformed blob id")
		return
	}

	data, err := s.blobs.GetRange(id, 0, blob.MaxEnd)
	if errors.Is(err, blob.ErrNotFound) {
		writeError(w, http.StatusNotFound, string(jmap.ErrBlobNotFound), "blob not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(jmap.ErrInternal), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

// handleJoinToken lets an operator mint a join token for a new node,
// replacing the out-of-band token distribution the teacher's admin gRPC
// surface assumed.
func (s *Server) handleJoinToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Role       string `json:"role"`
		TTLSeconds int    `json:"ttlSeconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, string(jmap.ErrInvalidArgs), err.Error())
		return
	}
	ttl := defaultJoinTokenTTL
	if body.TTLSeconds > 0 {
		ttl = time.Duration(body.TTLSeconds) * time.Second
	}

	token, err := s.manager.GenerateJoinToken(body.Role, ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(jmap.ErrInternal), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":     token.Token,
		"role":      token.Role,
		"expiresAt": token.ExpiresAt,
	})
}

// handleAdminJoin validates a join token presented by a new node and,
// if this node is the leader, adds it as a Raft voter. This is the
// "leader's admin transport" referenced by raftlog.Manager.Join's
// docstring.
func (s *Server) handleAdminJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Token   string `json:"token"`
		NodeID  string `json:"nodeId"`
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, string(jmap.ErrInvalidArgs), err.Error())
		return
	}

	if !s.manager.IsLeader() {
		writeError(w, http.StatusConflict, string(jmap.ErrNotLeader), s.manager.LeaderAddr())
		return
	}
	if _, err := s.manager.ValidateJoinToken(body.Token); err != nil {
		writeError(w, http.StatusForbidden, string(jmap.ErrForbidden), err.Error())
		return
	}
	if err := s.manager.AddVoter(body.NodeID, body.Address); err != nil {
		writeError(w, http.StatusInternalServerError, string(jmap.ErrInternal), err.Error())
		return
	}
	s.manager.RevokeJoinToken(body.Token)

	writeJSON(w, http.StatusOK, map[string]interface{}{"joined": body.NodeID})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, description string) {
	writeJSON(w, status, map[string]interface{}{"type": kind, "description": description})
}
