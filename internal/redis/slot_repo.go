package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/edirooss/portbroker/internal/broker"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SlotKeyPrefix namespaces the status keys: portbroker:slot:<port>.
const SlotKeyPrefix = "portbroker:slot:"

func slotKey(port int) string { return SlotKeyPrefix + strconv.Itoa(port) }

// SlotState mirrors the JSON stored at portbroker:slot:<port>.
// It never contains the session token.
//
//	{
//	  "port": 3500,
//	  "state": "allocated" | "free",
//	  "reason": "" | "explicit" | "expired" | "shutdown",
//	  "since": 1700000000,
//	  "expires_at": 1700014400
//	}
type SlotState struct {
	Port      int    `json:"port"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	Since     int64  `json:"since"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

const (
	StateAllocated = "allocated"
	StateFree      = "free"
)

// SlotSource reports the live state of a slot.
type SlotSource interface {
	Slot(port int) (broker.SlotStatus, bool)
}

// SlotRepository publishes slot occupancy for external dashboards.
// The broker never reads these keys back.
type SlotRepository struct {
	client  *Client
	log     *zap.Logger
	timeout time.Duration
	updates chan SlotState // drained in order by Run
	source  SlotSource     // optional; set by Watch before Run
}

func NewSlotRepository(log *zap.Logger, client *Client) *SlotRepository {
	return &SlotRepository{
		client:  client,
		log:     log.Named("slot_repo"),
		timeout: time.Second,
		updates: make(chan SlotState, 256),
	}
}

// Watch checks every queued update against src before writing it. Hooks of
// two sessions that used the same port can arrive out of order; an update
// that no longer matches the slot is dropped, since the update for the
// current state is queued as well. Must be called before Run.
func (r *SlotRepository) Watch(src SlotSource) {
	r.source = src
}

// Run writes queued updates until ctx is cancelled.
func (r *SlotRepository) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-r.updates:
			if r.stale(st) {
				r.log.Debug("stale slot update skipped", zap.Int("port", st.Port), zap.String("state", st.State))
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, r.timeout)
			if err := r.Put(wctx, st); err != nil {
				r.log.Warn("slot status mirror write failed", zap.Int("port", st.Port), zap.Error(err))
			}
			cancel()
		}
	}
}

// stale reports whether st contradicts the current state of its slot.
func (r *SlotRepository) stale(st SlotState) bool {
	if r.source == nil {
		return false
	}
	cur, ok := r.source.Slot(st.Port)
	if !ok {
		return true
	}
	return cur.Available != (st.State == StateFree)
}

// Reset marks every port free in one pipeline. Called at startup to drop
// state left by a previous process.
func (r *SlotRepository) Reset(ctx context.Context, ports []int) error {
	now := time.Now().Unix()
	_, err := r.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for _, port := range ports {
			b, err := json.Marshal(SlotState{Port: port, State: StateFree, Since: now})
			if err != nil {
				return err
			}
			p.Set(ctx, slotKey(port), b, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset slot keys: %w", err)
	}
	return nil
}

// Put stores one slot state.
func (r *SlotRepository) Put(ctx context.Context, st SlotState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal slot state: %w", err)
	}
	if err := r.client.Set(ctx, slotKey(st.Port), b, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", slotKey(st.Port), err)
	}
	return nil
}

// Hooks returns engine hooks that mirror every acquire and release.
// Writes are best-effort and asynchronous: failures are logged, never propagated.
func (r *SlotRepository) Hooks() broker.Hooks {
	return broker.Hooks{
		OnAcquire: func(s broker.Session) {
			r.enqueue(allocatedState(s))
		},
		OnRelease: func(s broker.Session, reason broker.ReleaseReason) {
			r.enqueue(freeState(s, reason, time.Now()))
		},
	}
}

// enqueue never blocks the engine; a full queue drops the update.
func (r *SlotRepository) enqueue(st SlotState) {
	select {
	case r.updates <- st:
	default:
		r.log.Warn("slot status queue full, update dropped", zap.Int("port", st.Port), zap.String("state", st.State))
	}
}

func allocatedState(s broker.Session) SlotState {
	st := SlotState{Port: s.Port, State: StateAllocated, Since: s.CreatedAt.Unix()}
	if !s.ExpiresAt.IsZero() {
		st.ExpiresAt = s.ExpiresAt.Unix()
	}
	return st
}

func freeState(s broker.Session, reason broker.ReleaseReason, now time.Time) SlotState {
	return SlotState{Port: s.Port, State: StateFree, Reason: string(reason), Since: now.Unix()}
}
