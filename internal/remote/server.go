package remote

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dreamware/shardops/internal/cluster"
)

// RoleSetter is implemented by handles that can force a replica group member
// into a role. The sandbox memcluster does; real deployments do not.
type RoleSetter interface {
	SetRole(addr string, role cluster.Role) error
}

// Server exposes a cluster.Handle over HTTP.
type Server struct {
	handle cluster.Handle
	log    *slog.Logger
}

// NewServer wraps h. A nil logger means slog.Default().
func NewServer(h cluster.Handle, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{handle: h, log: logger.With("component", "remote-server")}
}

// Router builds the chi router. The role injection endpoint is only mounted
// when the handle implements RoleSetter.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		cluster.WriteJSON(w, map[string]string{"status": "ok"})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/drop", s.handleDrop)
		r.Post("/enable-partitioning", s.handleEnablePartitioning)
		r.Post("/shard-collection", s.handleShardCollection)
		r.Post("/split", s.handleSplit)
		r.Post("/move", s.handleMove)
		r.Get("/shards", s.handleShards)
		r.Get("/chunks", s.handleChunks)
	})

	r.Route("/data", func(r chi.Router) {
		r.Post("/insert", s.handleInsert)
		r.Post("/find", s.handleFind)
	})

	r.Route("/replset", func(r chi.Router) {
		r.Get("/status", s.handleGroupStatus)
		r.Post("/initiate", s.handleInitiate)
		r.Get("/hello", s.handleHello)
		if setter, ok := s.handle.(RoleSetter); ok {
			r.Post("/members/{addr}/role", s.handleSetRole(setter))
		}
	})

	return r
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		cluster.WriteError(w, fmt.Errorf("%w: bad json: %v", cluster.ErrInvalidConfig, err))
		return false
	}
	return true
}

// reply answers 204 on success. Failures carry the error kind so the client
// can rebuild the sentinel.
func (s *Server) reply(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.log.Debug("request failed", "path", r.URL.Path, "error", err, "kind", cluster.KindOf(err))
		cluster.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	var req namespaceRequest
	if !decode(w, r, &req) {
		return
	}
	s.reply(w, r, s.handle.DropCollection(r.Context(), req.Namespace))
}

func (s *Server) handleEnablePartitioning(w http.ResponseWriter, r *http.Request) {
	var req databaseRequest
	if !decode(w, r, &req) {
		return
	}
	s.reply(w, r, s.handle.EnablePartitioning(r.Context(), req.Database))
}

func (s *Server) handleShardCollection(w http.ResponseWriter, r *http.Request) {
	var req shardCollectionRequest
	if !decode(w, r, &req) {
		return
	}
	s.reply(w, r, s.handle.ShardCollection(r.Context(), req.Namespace, req.KeyField))
}

func (s *Server) handleSplit(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !decode(w, r, &req) {
		return
	}
	s.reply(w, r, s.handle.SplitAt(r.Context(), req.Namespace, req.Key))
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !decode(w, r, &req) {
		return
	}
	s.reply(w, r, s.handle.MoveRange(r.Context(), req.Namespace, req.Key, req.Shard))
}

func (s *Server) handleShards(w http.ResponseWriter, r *http.Request) {
	shards, err := s.handle.Shards(r.Context())
	if err != nil {
		s.reply(w, r, err)
		return
	}
	cluster.WriteJSON(w, shardsResponse{Shards: shards})
}

func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	ns, err := cluster.ParseNamespace(r.URL.Query().Get("ns"))
	if err != nil {
		s.reply(w, r, fmt.Errorf("%w: %v", cluster.ErrInvalidConfig, err))
		return
	}
	chunks, err := s.handle.Chunks(r.Context(), ns)
	if err != nil {
		s.reply(w, r, err)
		return
	}
	cluster.WriteJSON(w, chunksResponse{Chunks: chunks})
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req insertRequest
	if !decode(w, r, &req) {
		return
	}
	s.reply(w, r, s.handle.InsertOne(r.Context(), req.Namespace, req.Document, req.Write))
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	var req findRequest
	if !decode(w, r, &req) {
		return
	}
	cur, err := s.handle.Find(r.Context(), req.Namespace, req.Filter, req.Sort, req.Read)
	if err != nil {
		s.reply(w, r, err)
		return
	}
	docs, err := cluster.Collect(r.Context(), cur)
	if err != nil {
		s.reply(w, r, err)
		return
	}
	if docs == nil {
		docs = []cluster.Document{}
	}
	cluster.WriteJSON(w, findResponse{Documents: docs})
}

func (s *Server) handleGroupStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.handle.GroupStatus(r.Context())
	if err != nil {
		s.reply(w, r, err)
		return
	}
	cluster.WriteJSON(w, snap)
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var cfg cluster.GroupConfig
	if !decode(w, r, &cfg) {
		return
	}
	s.reply(w, r, s.handle.InitiateGroup(r.Context(), cfg))
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	hello, err := s.handle.CurrentRole(r.Context())
	if err != nil {
		s.reply(w, r, err)
		return
	}
	cluster.WriteJSON(w, hello)
}

func (s *Server) handleSetRole(setter RoleSetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req roleRequest
		if !decode(w, r, &req) {
			return
		}
		addr := chi.URLParam(r, "addr")
		role := cluster.ParseRole(string(req.Role))
		if role == cluster.RoleUnknown {
			s.reply(w, r, fmt.Errorf("%w: unknown role %q", cluster.ErrInvalidConfig, req.Role))
			return
		}
		s.log.Info("member role injected", "member", addr, "role", role)
		s.reply(w, r, setter.SetRole(addr, role))
	}
}
