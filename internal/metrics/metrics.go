package metrics

import "sync/atomic"

// Metrics holds atomic counters for observability.
type Metrics struct {
	RequestsIntercepted atomic.Int64
	NetworkFailures     atomic.Int64
	MutationsQueued     atomic.Int64
	EnqueueFailures     atomic.Int64
	LookupCacheWrites   atomic.Int64
	LookupCacheHits     atomic.Int64
	LookupUnavailable   atomic.Int64
	PageCacheWrites     atomic.Int64
	PageCacheHits       atomic.Int64
	PageCacheMisses     atomic.Int64

	SyncRunsTotal     atomic.Int64
	SyncRunsAborted   atomic.Int64
	SyncDelivered     atomic.Int64
	SyncRejected      atomic.Int64
	SyncRetained      atomic.Int64
	SyncRemoveFailure atomic.Int64

	AssetsPrecached atomic.Int64
	InstallFailures atomic.Int64
	CachesDeleted   atomic.Int64
	Activations     atomic.Int64
}

// Snapshot returns all metrics as a string-keyed map.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"requests_intercepted_total": m.RequestsIntercepted.Load(),
		"network_failures_total":     m.NetworkFailures.Load(),
		"mutations_queued_total":     m.MutationsQueued.Load(),
		"enqueue_failures_total":     m.EnqueueFailures.Load(),
		"lookup_cache_writes_total":  m.LookupCacheWrites.Load(),
		"lookup_cache_hits_total":    m.LookupCacheHits.Load(),
		"lookup_unavailable_total":   m.LookupUnavailable.Load(),
		"page_cache_writes_total":    m.PageCacheWrites.Load(),
		"page_cache_hits_total":      m.PageCacheHits.Load(),
		"page_cache_misses_total":    m.PageCacheMisses.Load(),
		"sync_runs_total":            m.SyncRunsTotal.Load(),
		"sync_runs_aborted_total":    m.SyncRunsAborted.Load(),
		"sync_delivered_total":       m.SyncDelivered.Load(),
		"sync_rejected_total":        m.SyncRejected.Load(),
		"sync_retained_total":        m.SyncRetained.Load(),
		"sync_remove_failures_total": m.SyncRemoveFailure.Load(),
		"assets_precached_total":     m.AssetsPrecached.Load(),
		"install_failures_total":     m.InstallFailures.Load(),
		"caches_deleted_total":       m.CachesDeleted.Load(),
		"activations_total":          m.Activations.Load(),
	}
}
