package server

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomsync_connections",
		Help: "Number of registered connections",
	})

	usersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomsync_users",
		Help: "Number of live users owned by the engine",
	})

	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomsync_ticks_total",
		Help: "Number of completed ticks",
	})

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "roomsync_tick_duration_seconds",
		Help:    "Time spent in the synchronous part of a tick",
		Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1},
	})

	framesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomsync_frames_sent_total",
		Help: "Outbound envelope frames handed to transports",
	})

	eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomsync_events_received_total",
		Help: "Accepted inbound events by type",
	}, []string{"type"})

	framesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomsync_frames_rejected_total",
		Help: "Inbound frames rejected by reason",
	}, []string{"reason"})

	heartbeatPings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomsync_heartbeat_pings_total",
		Help: "Identity provider keepalive pings by result",
	}, []string{"result"})

	writeBacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomsync_writebacks_total",
		Help: "Persistence jobs by operation and result",
	}, []string{"op", "result"})
)

// TickStats 引擎运行期的 Tick 统计，用于管理接口输出
type TickStats struct {
	TickCount    int64 // 完成的 Tick 次数
	FramesSent   int64 // Tick 批量发送的帧数
	TotalTickNs  int64 // Tick 累计耗时（纳秒）
	LastTickUnix int64 // 最近一次 Tick 结束时间（毫秒）
}

func (s *TickStats) AddTick(elapsed time.Duration, frames int, at time.Time) {
	atomic.AddInt64(&s.TickCount, 1)
	atomic.AddInt64(&s.TotalTickNs, elapsed.Nanoseconds())
	atomic.AddInt64(&s.FramesSent, int64(frames))
	atomic.StoreInt64(&s.LastTickUnix, at.UnixMilli())
	ticksTotal.Inc()
	tickDuration.Observe(elapsed.Seconds())
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (s *TickStats) Snapshot() map[string]any {
	ticks := atomic.LoadInt64(&s.TickCount)
	total := atomic.LoadInt64(&s.TotalTickNs)
	var avgMs float64
	if ticks > 0 {
		avgMs = float64(total) / float64(ticks) / 1e6
	}
	return map[string]any{
		"tick_count":     ticks,
		"frames_sent":    atomic.LoadInt64(&s.FramesSent),
		"avg_tick_ms":    avgMs,
		"last_tick_unix": atomic.LoadInt64(&s.LastTickUnix),
	}
}
