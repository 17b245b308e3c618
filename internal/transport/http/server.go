package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"threat-assembler/internal/codec"
	"threat-assembler/internal/domain"
	"threat-assembler/internal/schedule"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

// CacheReader returns the verified published bytes of a resolver.
type CacheReader interface {
	Read(resolverID int) ([]byte, error)
}

// Kicker starts an out of band generator run.
type Kicker interface {
	Kick() error
}

type Deps struct {
	Caches     CacheReader       // nil when caches are only uploaded
	Generators map[string]Kicker // keyed by run mode
	Ready      func() bool
	Metrics    http.Handler
}

type cacheSummary struct {
	ResolverID  int `json:"resolver_id"`
	Threats     int `json:"threats"`
	IPRanges    int `json:"ip_ranges"`
	Policies    int `json:"policies"`
	CustomLists int `json:"custom_lists"`
}

type domainLookup struct {
	ResolverID int      `json:"resolver_id"`
	Domain     string   `json:"domain"`
	Found      bool     `json:"found"`
	Matched    string   `json:"matched,omitempty"`
	Accuracy   int      `json:"accuracy,omitempty"`
	Flags      []string `json:"flags,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

// NewGatewayMux registers the API routes on a grpc-gateway mux.
func NewGatewayMux(d Deps) (*runtime.ServeMux, error) {
	gwMux := runtime.NewServeMux()

	if err := gwMux.HandlePath(http.MethodGet, "/v1/resolvers/{resolver_id}/cache", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		inspectCache(w, r, d.Caches, params["resolver_id"])
	}); err != nil {
		return nil, err
	}

	if err := gwMux.HandlePath(http.MethodPost, "/v1/runs", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		triggerRun(w, r, d.Generators)
	}); err != nil {
		return nil, err
	}

	return gwMux, nil
}

func inspectCache(w http.ResponseWriter, r *http.Request, caches CacheReader, rawID string) {
	id, err := strconv.Atoi(rawID)
	if err != nil || id < 0 {
		writeError(w, http.StatusBadRequest, "invalid resolver id")
		return
	}
	if caches == nil {
		writeError(w, http.StatusNotImplemented, "caches are not published to the file system")
		return
	}

	data, err := caches.Read(id)
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, "no cache published for resolver")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rec, err := codec.Decode(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	raw := r.URL.Query().Get("domain")
	if raw == "" {
		writeJSON(w, http.StatusOK, cacheSummary{
			ResolverID:  id,
			Threats:     len(rec.Threats),
			IPRanges:    len(rec.IPRanges),
			Policies:    len(rec.Policies),
			CustomLists: len(rec.CustomLists),
		})
		return
	}

	host, err := domain.NormalizeHost(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid domain: "+err.Error())
		return
	}

	out := domainLookup{ResolverID: id, Domain: host}
	if matched, t, ok := domain.FindThreat(rec.Threats, host); ok {
		out.Found = true
		out.Matched = matched
		out.Accuracy = t.Accuracy
		out.Flags = make([]string, len(t.Slots))
		for i, f := range t.Slots {
			out.Flags[i] = f.String()
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func triggerRun(w http.ResponseWriter, r *http.Request, gens map[string]Kicker) {
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = "full"
	}
	g, ok := gens[mode]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown mode "+strconv.Quote(mode))
		return
	}
	if err := g.Kick(); err != nil {
		if errors.Is(err, schedule.ErrBusy) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"mode": mode, "status": "scheduled"})
}

// NewHandler wraps the gateway mux with the probe and metrics endpoints.
func NewHandler(d Deps) (http.Handler, error) {
	gwMux, err := NewGatewayMux(d)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/", gwMux)

	// /healthz: the process is up
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// /readyz: snapshot loaded and last run succeeded
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready == nil || !d.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	if d.Metrics != nil {
		mux.Handle("/metrics", d.Metrics)
	}
	return mux, nil
}

func RunHTTPServer(ctx context.Context, httpAddr string, d Deps) error {
	handler, err := NewHandler(d)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         httpAddr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown of the HTTP server when the parent context is canceled
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("http: graceful shutdown error: %v", err)
		}
	}()

	log.Printf("HTTP server listening on %s", httpAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
