// Package metrics holds the engine's operational counters. Plain atomic
// counters exposed as JSON on the metrics endpoint; no metrics library, no
// global registry.
package metrics

import "sync/atomic"

// Metrics is the set of counters the engine maintains. All methods are
// safe for concurrent use.
type Metrics struct {
	messagesProcessed atomic.Int64
	cacheHits         atomic.Int64
	cacheMisses       atomic.Int64
	toolCalls         atomic.Int64
	toolErrors        atomic.Int64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) MessageProcessed() { m.messagesProcessed.Add(1) }
func (m *Metrics) CacheHit()         { m.cacheHits.Add(1) }
func (m *Metrics) CacheMiss()        { m.cacheMisses.Add(1) }
func (m *Metrics) ToolCall()         { m.toolCalls.Add(1) }
func (m *Metrics) ToolError()        { m.toolErrors.Add(1) }

// Snapshot is a point-in-time copy of the counters with derived rates.
type Snapshot struct {
	MessagesProcessed int64   `json:"messages_processed"`
	CacheHits         int64   `json:"cache_hits"`
	CacheMisses       int64   `json:"cache_misses"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
	ToolCalls         int64   `json:"tool_calls"`
	ToolErrors        int64   `json:"tool_errors"`
	ToolErrorRate     float64 `json:"tool_error_rate"`
}

func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		MessagesProcessed: m.messagesProcessed.Load(),
		CacheHits:         m.cacheHits.Load(),
		CacheMisses:       m.cacheMisses.Load(),
		ToolCalls:         m.toolCalls.Load(),
		ToolErrors:        m.toolErrors.Load(),
	}
	if lookups := s.CacheHits + s.CacheMisses; lookups > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(lookups)
	}
	if s.ToolCalls > 0 {
		s.ToolErrorRate = float64(s.ToolErrors) / float64(s.ToolCalls)
	}
	return s
}
