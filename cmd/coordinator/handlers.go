package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dreamware/shardops/internal/cluster"
	"github.com/dreamware/shardops/internal/consistency"
	"github.com/dreamware/shardops/internal/coordinator"
)

// router builds the admin API.
func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", a.handleHealth)
	r.Post("/bootstrap", a.handleBootstrap)
	r.Get("/bootstrap", a.handleBootstrapStatus)
	r.Get("/placements", a.handlePlacements)
	r.Get("/topology", a.handleTopology)
	r.Get("/events", a.handleEvents)
	r.Post("/replset/initiate", a.handleInitiate)
	r.Get("/replset/role", a.handleRole)
	r.Post("/documents", a.handleInsert)
	r.Get("/documents", a.handleFind)
	return r
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", cluster.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		State       string `json:"state"`
		QuorumLost  bool   `json:"quorum_lost"`
		WatcherPoll uint64 `json:"watcher_polls,omitempty"`
	}{Status: "ok", State: a.orchestrator.State().String()}
	_, resp.QuorumLost = a.policy.QuorumLost()
	if a.watcher != nil {
		resp.WatcherPoll = a.watcher.Stats().Polls
	}
	cluster.WriteJSON(w, resp)
}

// handleBootstrap runs the orchestrator to completion within the request.
// Failures report the last state reached.
func (a *app) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	report, err := a.orchestrator.Run(r.Context())
	if err != nil {
		a.log.Error("bootstrap failed", "error", err, "kind", cluster.KindOf(err))
		cluster.WriteErrorState(w, err, a.orchestrator.State().String())
		return
	}
	cluster.WriteJSON(w, report)
}

func (a *app) handleBootstrapStatus(w http.ResponseWriter, r *http.Request) {
	cluster.WriteJSON(w, a.orchestrator.Status())
}

func (a *app) handlePlacements(w http.ResponseWriter, r *http.Request) {
	reg := a.orchestrator.Registry()
	cluster.WriteJSON(w, struct {
		Fingerprint string                 `json:"fingerprint"`
		Placements  []cluster.Placement    `json:"placements"`
		Observed    []cluster.Chunk        `json:"observed"`
		Mismatches  []coordinator.Mismatch `json:"mismatches,omitempty"`
	}{
		Fingerprint: reg.Fingerprint(),
		Placements:  reg.Placements(),
		Observed:    reg.Observed(),
		Mismatches:  reg.Mismatches(),
	})
}

func (a *app) handleTopology(w http.ResponseWriter, r *http.Request) {
	if a.watcher == nil {
		cluster.WriteJSON(w, map[string]bool{"enabled": false})
		return
	}
	snap, observed := a.watcher.Latest()
	cluster.WriteJSON(w, struct {
		Enabled  bool                     `json:"enabled"`
		Observed bool                     `json:"observed"`
		Snapshot cluster.TopologySnapshot `json:"snapshot"`
		Stats    coordinator.WatcherStats `json:"stats"`
	}{Enabled: true, Observed: observed, Snapshot: snap, Stats: a.watcher.Stats()})
}

// handleEvents serves recent topology events, oldest first. With
// source=redis the shared Redis list is read instead, newest first.
func (a *app) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			cluster.WriteError(w, badRequest("limit %q", v))
			return
		}
		limit = n
	}

	events := a.recorder.Events(limit)
	if r.URL.Query().Get("source") == "redis" {
		if a.redis == nil {
			cluster.WriteError(w, badRequest("redis alerts are not configured"))
			return
		}
		var err error
		if events, err = a.redis.Recent(r.Context(), int64(limit)); err != nil {
			cluster.WriteError(w, fmt.Errorf("%w: %v", cluster.ErrTransientUnavailable, err))
			return
		}
	}
	if events == nil {
		events = []cluster.TopologyEvent{}
	}
	cluster.WriteJSON(w, struct {
		Total  uint64                  `json:"total"`
		Events []cluster.TopologyEvent `json:"events"`
	}{Total: a.recorder.Total(), Events: events})
}

// handleInitiate initiates the configured replica group. A request body, if
// present, replaces the configured member list.
func (a *app) handleInitiate(w http.ResponseWriter, r *http.Request) {
	cfg := cluster.NewGroupConfig(a.cfg.ReplicaGroup.Name, a.cfg.ReplicaGroup.Members)
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			cluster.WriteError(w, badRequest("bad json: %v", err))
			return
		}
	}
	err := cluster.Retry(r.Context(), a.cfg.RetryPolicy(), func(ctx context.Context) error {
		return a.handle.InitiateGroup(ctx, cfg)
	})
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	a.log.Info("replica group initiated", "set", cfg.Name, "members", len(cfg.Members))
	cluster.WriteJSON(w, cfg)
}

func (a *app) handleRole(w http.ResponseWriter, r *http.Request) {
	hello, err := a.handle.CurrentRole(r.Context())
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, hello)
}

type documentResponse struct {
	Directive consistency.Directive `json:"directive"`
	Documents []cluster.Document    `json:"documents,omitempty"`
}

// handleInsert writes one document with the configured write requirement,
// or the one named by ?w=.
func (a *app) handleInsert(w http.ResponseWriter, r *http.Request) {
	var doc cluster.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		cluster.WriteError(w, badRequest("bad json: %v", err))
		return
	}
	if _, err := doc.Int64(a.cfg.Collection.PartitionKey); err != nil {
		cluster.WriteError(w, badRequest("%v", err))
		return
	}

	level := a.policy.Defaults().Write
	if v := r.URL.Query().Get("w"); v != "" {
		var err error
		if level, err = cluster.ParseWriteLevel(v); err != nil {
			cluster.WriteError(w, err)
			return
		}
	}
	d, err := a.policy.Write(level)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	if err := a.handle.InsertOne(r.Context(), a.cfg.Namespace(), doc, d.WriteOptions()); err != nil {
		cluster.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(documentResponse{Directive: d})
}

// handleFind reads the collection in partition key order through the read
// directive for ?read= (configured default otherwise). ?key= restricts the
// read to one partition key value and routes it.
func (a *app) handleFind(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := a.policy.Defaults().Read
	if v := q.Get("read"); v != "" {
		var err error
		if target, err = cluster.ParseReadTarget(v); err != nil {
			cluster.WriteError(w, err)
			return
		}
	}

	var filter cluster.Filter
	routingKey := ""
	if v := q.Get("key"); v != "" {
		k, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			cluster.WriteError(w, badRequest("key %q", v))
			return
		}
		filter = cluster.Filter{a.cfg.Collection.PartitionKey: k}
		routingKey = v
	}

	d, err := a.policy.Read(target, routingKey)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	cur, err := a.handle.Find(r.Context(), a.cfg.Namespace(), filter, a.cfg.Collection.PartitionKey, d.ReadOptions())
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	docs, err := cluster.Collect(r.Context(), cur)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	if docs == nil {
		docs = []cluster.Document{}
	}
	cluster.WriteJSON(w, documentResponse{Directive: d, Documents: docs})
}
