package service

import (
	"sync"
	"time"

	"github.com/edirooss/portbroker/internal/broker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// LogSource exposes captured backend output per port.
type LogSource interface {
	GetLogs(port int, lines int) ([]string, bool)
}

type SummaryOptions struct {
	// TTL controls how long the in-memory snapshot is served.
	// Dashboards poll this; the cache keeps them off the engine lock. Default 250ms.
	TTL time.Duration
}

func (o *SummaryOptions) setDefaults() {
	if o.TTL <= 0 {
		o.TTL = 250 * time.Millisecond
	}
}

// SlotSummary is one row of GET /api/slots.
type SlotSummary struct {
	broker.SlotStatus
	LastLog string `json:"last_log,omitempty"`
}

// SummaryResult lets the handler set headers.
type SummaryResult struct {
	Data        []SlotSummary
	Stats       broker.Stats
	CacheHit    bool
	GeneratedAt time.Time
}

// SlotSummaryService serves a cached view of the pool.
type SlotSummaryService struct {
	log    *zap.Logger
	engine *broker.Engine
	logs   LogSource // optional

	mu      sync.RWMutex
	cache   *SummaryResult
	expires time.Time

	opts SummaryOptions
	now  func() time.Time

	sg singleflight.Group
}

// NewSlotSummaryService wires the engine and an optional log source.
func NewSlotSummaryService(log *zap.Logger, engine *broker.Engine, logs LogSource, opts SummaryOptions) *SlotSummaryService {
	opts.setDefaults()
	return &SlotSummaryService{
		log:    log.Named("slot_summary"),
		engine: engine,
		logs:   logs,
		opts:   opts,
		now:    time.Now,
	}
}

// Get returns the cached snapshot or refreshes it when expired.
// Concurrent refreshes are coalesced.
func (s *SlotSummaryService) Get() SummaryResult {
	if res, ok := s.fresh(); ok {
		return res
	}

	v, _, _ := s.sg.Do("slots-refresh", func() (any, error) {
		// Double-check freshness after we won the flight
		if res, ok := s.fresh(); ok {
			return res, nil
		}

		res := s.refresh()

		cached := res
		s.mu.Lock()
		s.cache = &cached
		s.expires = s.now().Add(s.opts.TTL)
		s.mu.Unlock()

		res.Data = cloneSummaries(res.Data)
		return res, nil
	})
	return v.(SummaryResult)
}

// Invalidate drops the cached snapshot.
func (s *SlotSummaryService) Invalidate() {
	s.mu.Lock()
	s.cache = nil
	s.expires = time.Time{}
	s.mu.Unlock()
}

func (s *SlotSummaryService) fresh() (SummaryResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cache == nil || !s.now().Before(s.expires) {
		return SummaryResult{}, false
	}
	out := *s.cache
	out.Data = cloneSummaries(s.cache.Data)
	out.CacheHit = true
	return out, true
}

func (s *SlotSummaryService) refresh() SummaryResult {
	genAt := s.now()
	snap := s.engine.Snapshot()

	out := make([]SlotSummary, len(snap))
	inUse := 0
	for i, st := range snap {
		out[i] = SlotSummary{SlotStatus: st}
		if !st.Available {
			inUse++
		}
		if s.logs == nil {
			continue
		}
		if lines, ok := s.logs.GetLogs(st.Port, 1); ok && len(lines) > 0 {
			out[i].LastLog = lines[0]
		}
	}

	return SummaryResult{
		Data:        out,
		Stats:       broker.Stats{Size: len(snap), InUse: inUse},
		GeneratedAt: genAt,
	}
}

func cloneSummaries(in []SlotSummary) []SlotSummary {
	if len(in) == 0 {
		return nil
	}
	out := make([]SlotSummary, len(in))
	copy(out, in)
	return out
}
