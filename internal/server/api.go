package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"collabtext/internal/versions"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.V(1).Infof("[server] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Code: code, Message: message})
}

// writeVersionError maps version errors onto status codes. Integrity
// violations are client-visible validation errors.
func writeVersionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, versions.ErrCrossDocument):
		writeError(w, http.StatusUnprocessableEntity, "cross_document", err.Error())
	case errors.Is(err, versions.ErrDeleteForbidden):
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "delete_forbidden", err.Error())
	case errors.Is(err, versions.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, versions.ErrNoDocument):
		writeError(w, http.StatusBadRequest, "invalid_document", err.Error())
	default:
		glog.Warningf("[server] version request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.Clients(),
	})
}

func (s *Server) listRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.rooms.Snapshot())
}

func (s *Server) versionRoutes(r *mux.Router) {
	r.HandleFunc("/versions", s.listVersions).Methods(http.MethodGet)
	r.HandleFunc("/versions", s.saveVersion).Methods(http.MethodPost)
	r.HandleFunc("/versions/{seq:[0-9]+}", s.getVersion).Methods(http.MethodGet)
	r.HandleFunc("/versions/{seq:[0-9]+}", s.deleteVersion).Methods(http.MethodDelete)
	r.HandleFunc("/versions/{seq:[0-9]+}/restore", s.restoreVersion).Methods(http.MethodPost)
	r.HandleFunc("/compare", s.compareVersions).Methods(http.MethodGet)
}

type saveRequest struct {
	Content string `json:"content"`
	Author  string `json:"author"`
}

type restoreRequest struct {
	Author string `json:"author"`
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	list, err := s.versions.List(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeVersionError(w, err)
		return
	}
	if list == nil {
		list = []versions.Version{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) saveVersion(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	v, err := s.versions.Save(r.Context(), mux.Vars(r)["id"], req.Content, req.Author)
	if err != nil {
		writeVersionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	seq, _ := strconv.Atoi(mux.Vars(r)["seq"])
	v, err := s.versions.Get(r.Context(), mux.Vars(r)["id"], seq)
	if err != nil {
		writeVersionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) deleteVersion(w http.ResponseWriter, r *http.Request) {
	seq, _ := strconv.Atoi(mux.Vars(r)["seq"])
	writeVersionError(w, s.versions.Delete(r.Context(), mux.Vars(r)["id"], seq))
}

func (s *Server) restoreVersion(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
			return
		}
	}
	seq, _ := strconv.Atoi(mux.Vars(r)["seq"])
	v, err := s.versions.Restore(r.Context(), mux.Vars(r)["id"], seq, req.Author)
	if err != nil {
		writeVersionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// compareVersions diffs ?from= of this document against ?to= of ?other=,
// which defaults to this document.
func (s *Server) compareVersions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	q := r.URL.Query()
	from, err1 := strconv.Atoi(q.Get("from"))
	to, err2 := strconv.Atoi(q.Get("to"))
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", "from and to must be version numbers")
		return
	}
	other := q.Get("other")
	if other == "" {
		other = id
	}
	cmp, err := s.versions.Compare(r.Context(),
		versions.Ref{DocumentID: id, Sequence: from},
		versions.Ref{DocumentID: other, Sequence: to})
	if err != nil {
		writeVersionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}
