package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dispatchd/internal/dispatcher"
	"dispatchd/internal/probe"
	"dispatchd/internal/proxy"
	"dispatchd/internal/store"
	"dispatchd/pkg/types"
)

// NewMux builds the admin HTTP surface.
func NewMux(svc Service) http.Handler {
	started := time.Now()
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(RequestLogger)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: orDefault(corsAllowedOrigins, []string{"*"}),
			AllowedMethods: orDefault(corsAllowedMethods, []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}),
			AllowedHeaders: orDefault(corsAllowedHeaders, []string{"Authorization", "Content-Type"}),
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready(r.Context()) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unavailable"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	r.Group(func(r chi.Router) {
		r.Use(requireAdmin)

		r.Get("/status", inflight("/status", func(w http.ResponseWriter, r *http.Request) {
			rep, err := svc.Status(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			out := types.StatusResponse{
				Counts:         statusCounts(rep.Counts),
				MaxActive:      rep.MaxActive,
				LastError:      rep.LastError,
				ServerTimeUnix: time.Now().Unix(),
				UptimeSeconds:  int64(time.Since(started).Seconds()),
			}
			if rep.LastCycle != nil {
				c := toCycle(*rep.LastCycle)
				out.LastCycle = &c
			}
			writeJSON(w, http.StatusOK, out)
		}))

		r.Get("/models", inflight("/models", func(w http.ResponseWriter, r *http.Request) {
			var statuses []store.Status
			for _, raw := range r.URL.Query()["status"] {
				for _, s := range strings.Split(raw, ",") {
					st := store.Status(strings.TrimSpace(s))
					if !st.Valid() {
						writeJSONError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(s))
						return
					}
					statuses = append(statuses, st)
				}
			}
			ms, err := svc.ListModels(r.Context(), statuses...)
			if err != nil {
				writeError(w, err)
				return
			}
			out := types.ModelsResponse{Models: make([]types.Model, 0, len(ms))}
			for _, m := range ms {
				out.Models = append(out.Models, toModel(m))
			}
			writeJSON(w, http.StatusOK, out)
		}))

		r.Post("/models", inflight("/models", func(w http.ResponseWriter, r *http.Request) {
			var req types.CreateModelRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			m, err := svc.CreateModel(r.Context(), fromCreate(req))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, toModel(m))
		}))

		r.Post("/models/test", inflight("/models/test", func(w http.ResponseWriter, r *http.Request) {
			var req types.TestRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			res, err := svc.TestConnectivity(r.Context(), probe.Request{
				Credential: req.APIKey,
				ProxyURL:   req.ProxyURL,
				APIBase:    req.APIBase,
				Model:      req.Model,
			})
			if err != nil {
				writeError(w, err)
				return
			}
			status := http.StatusOK
			if !res.Success {
				status = http.StatusBadGateway
			}
			writeJSON(w, status, types.TestResponse{Success: res.Success, Message: res.Message})
		}))

		r.Get("/models/{id}", inflight("/models/{id}", withID(func(w http.ResponseWriter, r *http.Request, id int64) {
			m, err := svc.GetModel(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, toModel(m))
		})))

		r.Patch("/models/{id}", inflight("/models/{id}", withID(func(w http.ResponseWriter, r *http.Request, id int64) {
			var req types.PatchModelRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			m, err := svc.SetStatus(r.Context(), id, store.Status(strings.TrimSpace(req.Status)))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, toModel(m))
		})))

		r.Delete("/models/{id}", inflight("/models/{id}", withID(func(w http.ResponseWriter, r *http.Request, id int64) {
			if err := svc.DeleteModel(r.Context(), id); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})))

		r.Post("/models/{id}/activate", inflight("/models/{id}/activate", withID(func(w http.ResponseWriter, r *http.Request, id int64) {
			res, err := svc.Activate(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, types.ActivateResponse{
				ModelID:       res.ModelID,
				Registered:    res.Registered,
				Failed:        res.Failed,
				RoutingIDs:    nonNil(res.RouteIDs),
				ProxyBaseURL:  res.ProxyBaseURL,
				ProxyDegraded: res.ProxyDegraded,
				Errors:        res.Errors,
			})
		})))

		runCycle := inflight("/dispatch/run", func(w http.ResponseWriter, r *http.Request) {
			if async := r.URL.Query().Get("async"); async == "1" || async == "true" {
				queued := svc.TriggerCycle()
				if !queued {
					IncrementRejection("cycle_pending")
				}
				writeJSON(w, http.StatusAccepted, types.AcceptedResponse{Queued: queued})
				return
			}
			// Shutdown cancels a running cycle as well as a client disconnect.
			ctx, cancel := joinContexts(serverBaseCtx, r.Context())
			defer cancel()
			rep, err := svc.RunCycle(ctx)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, toCycle(rep))
		})
		r.Get("/dispatch/run", runCycle)
		r.Post("/dispatch/run", runCycle)
	})

	return r
}

// requireAdmin enforces the bearer admin token when one is configured.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if adminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(adminToken)) != 1 {
			IncrementRejection("unauthorized")
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withID(h func(http.ResponseWriter, *http.Request, int64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid model id")
			return
		}
		h(w, r, id)
	}
}

// decodeJSON reads a JSON body into v, writing the error response itself.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func fromCreate(req types.CreateModelRequest) store.NewModel {
	defs := make([]store.Definition, 0, len(req.Definitions))
	for _, d := range req.Definitions {
		defs = append(defs, store.Definition{
			UpstreamModel:      strings.TrimSpace(d.UpstreamModel),
			Credential:         strings.TrimSpace(d.Credential),
			APIBase:            strings.TrimSpace(d.APIBase),
			Provider:           strings.TrimSpace(d.Provider),
			InputCostPerToken:  d.InputCostPerToken,
			OutputCostPerToken: d.OutputCostPerToken,
		})
	}
	return store.NewModel{
		GroupName:         strings.TrimSpace(req.Group),
		Definitions:       defs,
		ProxyTarget:       strings.TrimSpace(req.Proxy),
		DailyRequestLimit: req.DailyRequestLimit,
	}
}

func toModel(m store.ManagedModel) types.Model {
	defs := make([]types.Definition, 0, len(m.Definitions))
	for _, d := range m.Definitions {
		defs = append(defs, types.Definition{
			UpstreamModel:      d.UpstreamModel,
			Credential:         types.MaskSecret(d.Credential),
			APIBase:            d.APIBase,
			Provider:           d.Provider,
			InputCostPerToken:  d.InputCostPerToken,
			OutputCostPerToken: d.OutputCostPerToken,
		})
	}
	return types.Model{
		ID:                m.ID,
		Group:             m.GroupName,
		Definitions:       defs,
		Proxy:             redactProxy(m.ProxyTarget),
		ProxyHandle:       m.ProxyHandle,
		ProxyPort:         m.ProxyPort,
		DailyRequestLimit: m.DailyRequestLimit,
		RequestsToday:     m.RequestsToday,
		Status:            string(m.Status),
		RoutingIDs:        nonNil(m.RoutingIDs),
		LastError:         m.LastError,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func redactProxy(raw string) string {
	if raw == "" {
		return ""
	}
	n, err := proxy.NormalizeURL(raw)
	if err != nil {
		return "***"
	}
	return proxy.RedactURL(n)
}

func toCycle(rep dispatcher.CycleReport) types.CycleResponse {
	out := types.CycleResponse{
		StartedAt:  rep.StartedAt,
		DurationMS: rep.Duration.Milliseconds(),
		Usage:      make(map[string]int64, len(rep.Usage)),
		Exhausted:  nonNilIDs(rep.Exhausted),
		Promoted:   nonNilIDs(rep.Promoted),
		Counts:     statusCounts(rep.Counts),
		Alerted:    rep.Alerted,
	}
	for id, n := range rep.Usage {
		out.Usage[strconv.FormatInt(id, 10)] = n
	}
	if len(rep.Failures) > 0 {
		out.Failures = make(map[string]string, len(rep.Failures))
		for id, msg := range rep.Failures {
			out.Failures[strconv.FormatInt(id, 10)] = msg
		}
	}
	return out
}

func statusCounts(c map[store.Status]int) map[string]int {
	out := map[string]int{
		string(store.StatusQueued):    0,
		string(store.StatusActive):    0,
		string(store.StatusExhausted): 0,
		string(store.StatusArchived):  0,
	}
	for st, n := range c {
		out[string(st)] = n
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilIDs(s []int64) []int64 {
	if s == nil {
		return []int64{}
	}
	return s
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
