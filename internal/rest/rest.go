// Package rest implements the REST Request Pipeline: validate, select a
// provider, run the request through the Smart Cache Orchestrator, transform,
// persist (fire-and-forget), and respond.
//
// Routes are attached to a chi.Router. Lifecycle cleanup is handled by
// constructor wiring plus a sync.Once-guarded acquire/release pair rather
// than a DI container with "finally" blocks.
package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aoxiansheng/stock-api-sub013/internal/cache"
	"github.com/aoxiansheng/stock-api-sub013/internal/dto"
	"github.com/aoxiansheng/stock-api-sub013/internal/errs"
	"github.com/aoxiansheng/stock-api-sub013/internal/mapping"
	"github.com/aoxiansheng/stock-api-sub013/internal/provider"
	"github.com/aoxiansheng/stock-api-sub013/internal/stats"
	"github.com/aoxiansheng/stock-api-sub013/internal/store"
	"github.com/aoxiansheng/stock-api-sub013/internal/symbol"
)

const (
	defaultFetchTimeout    = 5 * time.Second
	defaultStorageTTL      = 60
	longBatchStorageTTL    = 120
	longBatchSymbolCount   = 20
)

// Handler is the REST Request Pipeline.
type Handler struct {
	providers   provider.Registry
	transformer *symbol.Transformer
	orchestrator *cache.Orchestrator
	rules       mapping.Registry
	persistence store.Store
	bus         *stats.Bus
	log         zerolog.Logger

	active int64
}

// New builds a Handler from its collaborators.
func New(providers provider.Registry, transformer *symbol.Transformer, orchestrator *cache.Orchestrator, rules mapping.Registry, persistence store.Store, bus *stats.Bus, log zerolog.Logger) *Handler {
	return &Handler{
		providers:    providers,
		transformer:  transformer,
		orchestrator: orchestrator,
		rules:        rules,
		persistence:  persistence,
		bus:          bus,
		log:          log,
	}
}

// Router builds a chi.Router exposing POST /data with CORS middleware.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))
	r.Post("/data", h.handleData)
	r.Get("/stats", h.handleStats)
	return r
}

// ActiveConnections returns the current in-flight request gauge, used by
// tests and health reporting.
func (h *Handler) ActiveConnections() int64 {
	return atomic.LoadInt64(&h.active)
}

// acquire bumps the active-connection gauge and returns a release function
// guaranteed to run exactly once, even if called from multiple defer sites.
func (h *Handler) acquire() func() {
	atomic.AddInt64(&h.active, 1)
	var once sync.Once
	return func() {
		once.Do(func() { atomic.AddInt64(&h.active, -1) })
	}
}

func (h *Handler) handleData(w http.ResponseWriter, r *http.Request) {
	var req dto.DataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errs.Validation, "malformed request body")
		return
	}

	result := h.Handle(r.Context(), req)
	if result.err != nil {
		writeErrorFromKind(w, result.err)
		return
	}
	writeJSON(w, http.StatusOK, dto.DataResponse{Data: result.data, Metadata: result.metadata})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"activeConnections": h.ActiveConnections()})
}

type handleResult struct {
	data     []map[string]any
	metadata dto.ResponseMetadata
	err      error
}

// Handle runs the full request pipeline independent of any particular HTTP
// framework — handleData is a thin adapter around it. It owns the
// active-connection gauge for the call's duration, releasing it on every
// exit path including a fault-injected fetch.
func (h *Handler) Handle(ctx context.Context, req dto.DataRequest) handleResult {
	release := h.acquire()
	defer release()

	start := time.Now()
	requestID := newRequestID()

	validation := dto.ValidateDataRequest(&req)
	for _, w := range validation.Warnings {
		h.log.Warn().Str("requestId", requestID).Msg(w)
	}
	if !validation.Valid {
		return handleResult{err: errs.Newf(errs.Validation, "invalid request: %s", strings.Join(validation.Errors, "; "))}
	}

	market := symbol.InferMarket(req.Symbols)

	providerName := req.Options.PreferredProvider
	if providerName != "" {
		if !h.providers.Supports(providerName, req.ReceiverType) {
			return handleResult{err: errs.Newf(errs.NotFound, "provider %q does not support capability %q", providerName, req.ReceiverType)}
		}
	} else {
		selected, ok := h.providers.Select(req.ReceiverType, market)
		if !ok {
			return handleResult{err: errs.Newf(errs.NotFound, "no provider available for capability %q", req.ReceiverType)}
		}
		providerName = selected
	}

	client, ok := h.providers.Client(providerName)
	if !ok {
		return handleResult{err: errs.Newf(errs.NotFound, "provider %q is not registered", providerName)}
	}

	cacheKey := store.Key(req.ReceiverType, providerName, req.Symbols)
	strategy := cache.StrongTimeliness
	if !req.Options.UseSmartCache {
		strategy = cache.NoCache
	}

	var hasPartialFailures bool
	fetch := func(ctx context.Context) (any, error) {
		return h.fetchAndTransform(ctx, req, providerName, client, requestID, &hasPartialFailures)
	}

	timeout := defaultFetchTimeout
	if req.Options.TimeoutMs > 0 {
		timeout = time.Duration(req.Options.TimeoutMs) * time.Millisecond
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cacheResult := h.orchestrator.GetWithSmartCache(fetchCtx, cache.Request{
		CacheKey: cacheKey,
		Strategy: strategy,
		Market:   market,
		FetchFn:  fetch,
	})

	if cacheResult.Error != nil {
		if kind, ok := errs.KindOf(cacheResult.Error); !ok || kind != errs.StorageFailure {
			return handleResult{err: cacheResult.Error}
		}
	}

	records, _ := cacheResult.Data.([]map[string]any)

	h.persistAsync(req, providerName, records)

	metadata := dto.ResponseMetadata{
		Provider:           providerName,
		Capability:         req.ReceiverType,
		RequestID:          requestID,
		ProcessingTimeMs:   time.Since(start).Milliseconds(),
		HasPartialFailures: hasPartialFailures,
	}

	if h.bus != nil {
		h.bus.Emit("rest", "request_handled", float64(time.Since(start).Milliseconds()), map[string]any{
			"capability": req.ReceiverType,
			"provider":   providerName,
		})
	}

	return handleResult{data: records, metadata: metadata}
}

func (h *Handler) fetchAndTransform(ctx context.Context, req dto.DataRequest, providerName string, client provider.Client, requestID string, hasPartialFailures *bool) ([]map[string]any, error) {
	mapped, err := h.transformer.TransformForProvider(providerName, req.Symbols)
	if err != nil {
		return nil, err
	}

	fetchResult, err := client.Fetch(ctx, provider.FetchRequest{
		Provider:   providerName,
		Capability: req.ReceiverType,
		Symbols:    mapped.Symbols,
		APIType:    "rest",
		RequestID:  requestID,
		Options: map[string]any{
			"fields":   req.Options.Fields,
			"realtime": req.Options.Realtime,
		},
	})
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamFailure, "provider fetch failed", err)
	}
	*hasPartialFailures = fetchResult.HasPartialFailures

	ruleType := mapping.RuleListTypeForCapability(req.ReceiverType)
	var rule mapping.Rule
	haveRule := false
	if h.rules != nil {
		rule, haveRule = h.rules.Lookup(mapping.Key{Provider: providerName, APIType: "rest", RuleListType: ruleType})
	}

	out := make([]map[string]any, 0, len(fetchResult.Raw))
	for _, raw := range fetchResult.Raw {
		if !haveRule {
			out = append(out, raw)
			continue
		}
		transformed, err := mapping.ApplyRule(raw, rule)
		if err != nil {
			return nil, err
		}
		out = append(out, transformed)
	}
	return out, nil
}

// persistAsync fires the cold-storage persist off the hot path; failures are
// logged, never surfaced to the caller.
func (h *Handler) persistAsync(req dto.DataRequest, providerName string, records []map[string]any) {
	if h.persistence == nil {
		return
	}
	classification := mapping.StorageClassification(req.ReceiverType)
	key := store.Key(req.ReceiverType, providerName, req.Symbols)
	ttl := calculateStorageCacheTTL(req.Symbols)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultFetchTimeout)
		defer cancel()

		merged := mergeRecords(records)
		err := h.persistence.Upsert(ctx, store.Record{
			Key:            key,
			Classification: classification,
			Provider:       providerName,
			Capability:     req.ReceiverType,
			Symbols:        req.Symbols,
			Data:           merged,
			ExpiresAt:      time.Now().Add(time.Duration(ttl) * time.Second),
		})
		if err != nil {
			h.log.Warn().Err(err).Str("key", key).Msg("persist failed, continuing with fresh data")
		}
	}()
}

func mergeRecords(records []map[string]any) map[string]any {
	out := make(map[string]any, len(records))
	out["records"] = records
	return out
}

// calculateStorageCacheTTL gives batches of more than longBatchSymbolCount
// symbols the longer longBatchStorageTTL instead of defaultStorageTTL.
func calculateStorageCacheTTL(symbols []string) int {
	if len(symbols) > longBatchSymbolCount {
		return longBatchStorageTTL
	}
	return defaultStorageTTL
}

func newRequestID() string {
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind errs.Kind, msg string) {
	writeJSON(w, status, dto.ErrorResponse{Error: msg, Kind: string(kind), Message: msg})
}

func writeErrorFromKind(w http.ResponseWriter, err error) {
	kind, _ := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.Validation:
		status = http.StatusBadRequest
	case errs.NotFound:
		status = http.StatusNotFound
	case errs.UpstreamTimeout, errs.UpstreamFailure:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, dto.ErrorResponse{Error: err.Error(), Kind: string(kind), Message: err.Error()})
}
