// Package server exposes the state of a database connection over HTTP.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinyovsdb/ovs/api"
	"github.com/pingcap-incubator/tinyovsdb/ovs/commands"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/lookup"
	"github.com/pingcap-incubator/tinyovsdb/ovs/txn"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"
	"github.com/urfave/negroni"
	"go.uber.org/zap"
)

const apiPrefix = "/api/v1"

// Status is the body of GET /api/v1/status.
type Status struct {
	Schema  string   `json:"schema"`
	Version string   `json:"version,omitempty"`
	Running bool     `json:"running"`
	Seqno   uint64   `json:"seqno"`
	Tables  []string `json:"tables"`
}

type handler struct {
	backend *api.Backend
	rd      *render.Render
}

// NewHandler returns the HTTP API of a backend, wrapped in panic recovery
// and request logging.
func NewHandler(b *api.Backend) http.Handler {
	h := &handler{
		backend: b,
		rd:      render.New(render.Options{IndentJSON: true}),
	}
	router := mux.NewRouter()
	sub := router.PathPrefix(apiPrefix).Subrouter()
	sub.HandleFunc("/status", h.status).Methods("GET")
	sub.HandleFunc("/tables/{table}", h.list).Methods("GET")
	sub.HandleFunc("/tables/{table}/{record}", h.get).Methods("GET")
	router.Handle("/metrics", promhttp.Handler())

	n := negroni.New(negroni.NewRecovery(), negroni.HandlerFunc(logRequest))
	n.UseHandler(router)
	return n
}

func logRequest(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	start := time.Now()
	next(w, r)
	status := 0
	if rw, ok := w.(negroni.ResponseWriter); ok {
		status = rw.Status()
	}
	log.Debug("http request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Duration("cost", time.Since(start)))
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	c := h.backend.Connection()
	s := c.Schema()
	st := Status{
		Schema:  s.Name,
		Running: c.Running(),
		Tables:  s.TableNames(),
	}
	if s.Version != nil {
		st.Version = s.Version.String()
	}
	err := c.Call(r.Context(), func(cache idl.Cache) error {
		st.Seqno = cache.ChangeSeqno()
		return nil
	})
	if err != nil {
		h.rd.JSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, st)
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	if !h.backend.HasTable(table) {
		h.rd.JSON(w, http.StatusNotFound, fmt.Sprintf("no table named %s", table))
		return
	}
	res, err := h.backend.Execute(r.Context(), h.backend.DbList(table, nil, nil, false), txn.Options{CheckError: true})
	if err != nil {
		h.rd.JSON(w, errorStatus(err), err.Error())
		return
	}
	rows := res.([]commands.Values)
	out := make([]map[string]interface{}, len(rows))
	for i, row := range rows {
		out[i] = presentValues(row)
	}
	h.rd.JSON(w, http.StatusOK, out)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	table := vars["table"]
	if !h.backend.HasTable(table) {
		h.rd.JSON(w, http.StatusNotFound, fmt.Sprintf("no table named %s", table))
		return
	}
	row, err := h.backend.Lookup(r.Context(), table, vars["record"])
	if err != nil {
		h.rd.JSON(w, errorStatus(err), err.Error())
		return
	}
	vals := make(map[string]interface{})
	for _, c := range append(row.TableSchema().ColumnNames(), idl.UUIDColumn) {
		vals[c] = presentValue(row.Value(c))
	}
	h.rd.JSON(w, http.StatusOK, vals)
}

func errorStatus(err error) int {
	switch {
	case lookup.IsNotFound(err):
		return http.StatusNotFound
	case errors.Cause(err) == lookup.ErrEmptyRecord:
		return http.StatusBadRequest
	}
	if _, ok := errors.Cause(err).(*txn.TimeoutExceeded); ok {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func presentValues(vals commands.Values) map[string]interface{} {
	out := make(map[string]interface{}, len(vals))
	for k, v := range vals {
		out[k] = presentValue(v)
	}
	return out
}

// presentValue turns a column value into something encoding/json accepts:
// maps are keyed by the formatted key.
func presentValue(v interface{}) interface{} {
	switch x := v.(type) {
	case idl.Set:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = presentValue(e)
		}
		return out
	case idl.Map:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			key, ok := k.(string)
			if !ok {
				key = fmt.Sprint(k)
			}
			out[key] = presentValue(e)
		}
		return out
	}
	return v
}

// Server serves the HTTP API on an address.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Start listens on addr and serves in the background.
func Start(addr string, b *api.Backend) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "listen on %s", addr)
	}
	s := &Server{srv: &http.Server{Handler: NewHandler(b)}, ln: ln}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("status server stopped", zap.Error(err))
		}
	}()
	log.Info("status server started", zap.String("addr", ln.Addr().String()))
	return s, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Close shuts the server down gracefully.
func (s *Server) Close(ctx context.Context) error {
	return errors.Trace(s.srv.Shutdown(ctx))
}
