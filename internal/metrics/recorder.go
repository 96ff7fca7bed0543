// Package metrics keeps redis counters of scheduler and execution events.
//
// Keys (prefix defaults to "metrics:triggerd"):
//
//	<prefix>:events            hash  event type -> count
//	<prefix>:workflow:<wf_id>  hash  success|failed|skipped -> count
//	<prefix>:last              hash  last execution (time, run_id, wf_id, success, remark, elapsed_ms)
package metrics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"triggerd/internal/eventbus"
	"triggerd/internal/scheduler"
	logx "triggerd/pkg/logx"
)

type Config struct {
	Enabled bool
	URL     string
	Prefix  string
}

const defaultPrefix = "metrics:triggerd"

// Connect parses the URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

type Recorder struct {
	rdb    *redis.Client
	bus    eventbus.Bus
	log    logx.Logger
	prefix string

	processed atomic.Uint64
}

func NewRecorder(rdb *redis.Client, bus eventbus.Bus, prefix string, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultPrefix
	}
	return &Recorder{rdb: rdb, bus: bus, log: log.With(logx.String("comp", "metrics")), prefix: prefix}
}

// Start subscribes before returning, so every event published afterwards is
// recorded. The returned channel is closed once ctx is done and the
// recorder has exited.
func (r *Recorder) Start(ctx context.Context) <-chan struct{} {
	ch, unsub := r.bus.Subscribe(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer unsub()
		r.consume(ctx, ch)
	}()
	return done
}

// Processed is the number of events handled so far.
func (r *Recorder) Processed() uint64 { return r.processed.Load() }

func (r *Recorder) consume(ctx context.Context, ch <-chan eventbus.Event) {
	r.log.Info("metrics recorder started", logx.String("prefix", r.prefix))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.record(ctx, ev)
			r.processed.Add(1)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev eventbus.Event) {
	ups := updatesFor(r.prefix, ev)
	if len(ups) == 0 {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	pipe := r.rdb.Pipeline()
	for _, u := range ups {
		if u.set != nil {
			pipe.HSet(wctx, u.key, u.set)
			continue
		}
		pipe.HIncrBy(wctx, u.key, u.field, 1)
	}
	if _, err := pipe.Exec(wctx); err != nil {
		r.log.Warn("metrics write failed", logx.String("event", ev.Type), logx.Err(err))
	}
}

type update struct {
	key   string
	field string
	set   map[string]any
}

// updatesFor maps an event to redis writes.
func updatesFor(prefix string, ev eventbus.Event) []update {
	ups := []update{{key: prefix + ":events", field: ev.Type}}
	switch d := ev.Data.(type) {
	case scheduler.ExecutionEvent:
		if ev.Type != eventbus.ExecutionFinished {
			break
		}
		field := "failed"
		if d.Success {
			field = "success"
		}
		ups = append(ups,
			update{key: workflowKey(prefix, d.WorkflowID), field: field},
			update{key: prefix + ":last", set: map[string]any{
				"time":       ev.Time.UTC().Format(time.RFC3339),
				"run_id":     d.RunID,
				"wf_id":      d.WorkflowID,
				"ts_id":      d.TriggerID,
				"success":    strconv.FormatBool(d.Success),
				"remark":     d.Remark,
				"elapsed_ms": d.Elapsed.Milliseconds(),
			}},
		)
	case scheduler.TriggerEvent:
		if ev.Type == eventbus.TriggerSkipped && d.WorkflowID > 0 {
			ups = append(ups, update{key: workflowKey(prefix, d.WorkflowID), field: "skipped"})
		}
	}
	return ups
}

func workflowKey(prefix string, wfID int64) string {
	return fmt.Sprintf("%s:workflow:%d", prefix, wfID)
}

// Snapshot is what the admin API reports.
type Snapshot struct {
	Events map[string]int64  `json:"events"`
	Last   map[string]string `json:"last"`
}

func (r *Recorder) Snapshot(ctx context.Context) (Snapshot, error) {
	raw, err := r.rdb.HGetAll(ctx, r.prefix+":events").Result()
	if err != nil {
		return Snapshot{}, err
	}
	last, err := r.rdb.HGetAll(ctx, r.prefix+":last").Result()
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Events: make(map[string]int64, len(raw)), Last: last}
	for k, v := range raw {
		n, _ := strconv.ParseInt(v, 10, 64)
		snap.Events[k] = n
	}
	return snap, nil
}

// WorkflowCounters returns success/failed/skipped counts for one workflow.
func (r *Recorder) WorkflowCounters(ctx context.Context, wfID int64) (map[string]int64, error) {
	raw, err := r.rdb.HGetAll(ctx, workflowKey(r.prefix, wfID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, _ := strconv.ParseInt(v, 10, 64)
		out[k] = n
	}
	return out, nil
}

func (r *Recorder) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func (r *Recorder) Close() error { return r.rdb.Close() }
