package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/roach88/weave/internal/doc"
	"github.com/roach88/weave/internal/ir"
	"github.com/roach88/weave/internal/store"
	"github.com/roach88/weave/internal/version"
)

// Handler returns the relay's HTTP surface:
//
//	GET  /healthz
//	GET  /docs
//	GET  /docs/{doc}/ws?codec=json|binary
//	GET  /docs/{doc}/presence
//	GET  /docs/{doc}/versions
//	POST /docs/{doc}/versions              {"author":..., "label":...}
//	GET  /docs/{doc}/versions/{n}
//	POST /docs/{doc}/versions/{n}/restore
//	GET  /docs/{doc}/compare?a=N[&b=M]     b defaults to the live state
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/docs", s.handleDocuments).Methods(http.MethodGet)

	d := r.PathPrefix("/docs/{doc}").Subrouter()
	d.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.handleWS(w, r, mux.Vars(r)["doc"])
	}).Methods(http.MethodGet)
	d.HandleFunc("/presence", s.handlePresence).Methods(http.MethodGet)
	d.HandleFunc("/versions", s.handleListVersions).Methods(http.MethodGet)
	d.HandleFunc("/versions", s.handleSave).Methods(http.MethodPost)
	d.HandleFunc("/versions/{n:[0-9]+}", s.handleGetVersion).Methods(http.MethodGet)
	d.HandleFunc("/versions/{n:[0-9]+}/restore", s.handleRestore).Methods(http.MethodPost)
	d.HandleFunc("/compare", s.handleCompare).Methods(http.MethodGet)
	return r
}

type versionResponse struct {
	ir.VersionInfo
	View ir.View `json:"view"`
}

type saveRequest struct {
	Author string `json:"author"`
	Label  string `json:"label"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "node": s.nodeID, "rooms": len(s.Rooms())})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.ListDocuments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	clients, err := s.liveness.Alive(r.Context(), mux.Vars(r)["doc"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.store.ListSnapshots(r.Context(), mux.Vars(r)["doc"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if infos == nil {
		infos = []ir.VersionInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode save request: %w", err))
			return
		}
	}
	snap, err := s.Save(r.Context(), mux.Vars(r)["doc"], req.Author, req.Label)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, snap.Info())
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshotParam(w, r, mux.Vars(r)["n"])
	if !ok {
		return
	}
	view, err := doc.ViewOf(snap.State)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, versionResponse{VersionInfo: snap.Info(), View: view})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	v, err := strconv.ParseInt(mux.Vars(r)["n"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	report, err := s.Restore(r.Context(), mux.Vars(r)["doc"], v)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	a, ok := s.snapshotParam(w, r, q.Get("a"))
	if !ok {
		return
	}
	var bState []byte
	if q.Get("b") == "" {
		state, err := s.State(r.Context(), mux.Vars(r)["doc"])
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		bState = state
	} else {
		b, ok := s.snapshotParam(w, r, q.Get("b"))
		if !ok {
			return
		}
		bState = b.State
	}
	av, err := doc.ViewOf(a.State)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	bv, err := doc.ViewOf(bState)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, version.Compare(av, bv))
}

// snapshotParam loads the version named by raw, writing the error response
// itself when it cannot.
func (s *Server) snapshotParam(w http.ResponseWriter, r *http.Request, raw string) (ir.VersionSnapshot, bool) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 1 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid version %q", raw))
		return ir.VersionSnapshot{}, false
	}
	snap, err := s.store.GetSnapshot(r.Context(), mux.Vars(r)["doc"], v)
	if err != nil {
		writeError(w, statusOf(err), err)
		return ir.VersionSnapshot{}, false
	}
	return snap, true
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable
	case ir.IsMalformed(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := map[string]string{"error": err.Error()}
	var e *ir.Error
	if errors.As(err, &e) {
		body["code"] = string(e.Code)
	}
	writeJSON(w, status, body)
}
