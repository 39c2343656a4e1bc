// Package api serves document metadata over HTTP and mounts the websocket
// endpoint next to it.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"collabtext/syncd/internal/collab"
	"collabtext/syncd/internal/document"
)

type Server struct {
	store     document.Store
	engine    *collab.Engine
	listLimit int
}

func NewServer(store document.Store, engine *collab.Engine, listLimit int) *Server {
	return &Server{
		store:     store,
		engine:    engine,
		listLimit: document.NormalizeLimit(listLimit),
	}
}

// Router wires the REST routes and, when ws is not nil, the websocket
// endpoint at /ws.
func (s *Server) Router(ws http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(accessLog, cors)

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.health)
	r.Methods(http.MethodGet).Path("/api/stats").HandlerFunc(s.stats)
	r.Methods(http.MethodPost).Path("/api/documents").HandlerFunc(s.createDocument)
	r.Methods(http.MethodGet).Path("/api/documents").HandlerFunc(s.listDocuments)
	r.Methods(http.MethodGet).Path("/api/documents/{id}").HandlerFunc(s.getDocument)
	r.Methods(http.MethodOptions).PathPrefix("/api/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if ws != nil {
		r.Path("/ws").Handler(ws)
	}
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) createDocument(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
	}
	doc, err := s.store.Create(r.Context(), "", body.Title)
	if err != nil {
		glog.Errorf("[api]failed to create document = %s\n", err)
		writeError(w, http.StatusInternalServerError, "Failed to create document")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, document.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Document not found")
		return
	}
	if err != nil {
		glog.Errorf("[api]failed to get document = %s\n", err)
		writeError(w, http.StatusInternalServerError, "Failed to load document")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	limit := s.listLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = min(n, s.listLimit)
	}
	docs, err := s.store.List(r.Context(), limit)
	if err != nil {
		glog.Errorf("[api]failed to list documents = %s\n", err)
		writeError(w, http.StatusInternalServerError, "Failed to list documents")
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		glog.V(1).Infof("[http]%s %s %d (%s)\n", r.Method, r.URL, m.Code, m.Duration)
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Warningf("[api]failed to write response = %s\n", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
