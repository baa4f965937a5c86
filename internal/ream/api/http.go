// Package api exposes REAM's observability/control surface over HTTP,
// WebSocket, GraphQL, and a local IPC endpoint, following the
// usual node API layering (an httprouter-based REST mux with
// a websocket upgrade path alongside it).
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/reamlang/ream/internal/log"
	"github.com/reamlang/ream/internal/ream/pid"
	"github.com/reamlang/ream/internal/ream/runtime"
)

// Server is REAM's HTTP control-plane server: stats, process
// inspection, and administrative actions (terminate, tracer attach,
// deep memory scan) over REST. There is no spawn route.
type Server struct {
	rt     *runtime.Runtime
	router *httprouter.Router
	log    *log.Logger
}

func NewServer(rt *runtime.Runtime) *Server {
	s := &Server{rt: rt, router: httprouter.New(), log: log.Root.New("component", "api.http")}
	s.routes()
	return s
}

// Handler returns the CORS-wrapped http.Handler to pass to http.Serve.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
	})
	return c.Handler(s.router)
}

func (s *Server) routes() {
	s.router.GET("/v1/stats", s.handleStats)
	s.router.GET("/v1/balance", s.handleBalance)
	s.router.POST("/v1/processes/:pid/terminate", s.handleTerminate)
	s.router.POST("/v1/processes/:pid/trace", s.handleTrace)
	s.router.GET("/v1/processes/:pid/memory", s.handleMemory)

	s.router.Handler("GET", "/v1/stats/stream", StatsStream(s.rt, time.Second))

	if gql, err := GraphQLHandler(s.rt); err != nil {
		s.log.Error("graphql schema failed to parse", "err", err)
	} else {
		s.router.Handler("POST", "/graphql", gql)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Root.Error("api: encode response", "err", err)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, s.rt.Stats())
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, s.rt.BalanceLoad())
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := strconv.ParseUint(ps.ByName("pid"), 10, 64)
	if err != nil {
		http.Error(w, "bad pid", http.StatusBadRequest)
		return
	}
	s.rt.Terminate(pid.PID(id), "terminated via api")
	w.WriteHeader(http.StatusNoContent)
}

// handleMemory runs an on-demand deep memory scan of one process.
func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := strconv.ParseUint(ps.ByName("pid"), 10, 64)
	if err != nil {
		http.Error(w, "bad pid", http.StatusBadRequest)
		return
	}
	mem, err := s.rt.DeepMemoryUsage(pid.PID(id))
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, map[string]int64{"bytes": mem})
}

// handleTrace attaches a JS instruction tracer to a process; the
// request body is the script, which must define step(event).
func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := strconv.ParseUint(ps.ByName("pid"), 10, 64)
	if err != nil {
		http.Error(w, "bad pid", http.StatusBadRequest)
		return
	}
	script, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	session, err := s.rt.AttachTracer(pid.PID(id), string(script))
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, map[string]string{"session": session.String()})
}
