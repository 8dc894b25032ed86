package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const writeQueueDepth = 64

type writeJob struct {
	op  string
	run func(ctx context.Context, s Store) error
}

// WriteBack 单协程顺序执行持久化任务；Tick 只负责投递，从不等待磁盘
type WriteBack struct {
	store   Store
	jobs    chan writeJob
	timeout time.Duration
	log     *zap.SugaredLogger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewWriteBack timeout 为单个任务的超时
func NewWriteBack(store Store, timeout time.Duration, log *zap.SugaredLogger) *WriteBack {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WriteBack{
		store:   store,
		jobs:    make(chan writeJob, writeQueueDepth),
		timeout: timeout,
		log:     log,
	}
}

// Start 启动工作协程，Close 后队列排空才退出
func (w *WriteBack) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for job := range w.jobs {
			w.run(job)
		}
	}()
}

// Close 停止接收新任务并等待已投递任务完成
func (w *WriteBack) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.jobs)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// Submit 非阻塞投递；队列已满或已关闭时丢弃并返回 false
func (w *WriteBack) Submit(op string, fn func(ctx context.Context, s Store) error) bool {
	if w == nil {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.log.Warnw("write-back closed, job dropped", "op", op)
		return false
	}
	select {
	case w.jobs <- writeJob{op: op, run: fn}:
		return true
	default:
		writeBacks.WithLabelValues(op, "dropped").Inc()
		w.log.Errorw("write-back queue full, job dropped", "op", op)
		return false
	}
}

// Barrier 等待此前投递的任务全部执行完毕；未启用或已关闭时直接返回
func (w *WriteBack) Barrier(ctx context.Context) error {
	if w == nil {
		return nil
	}
	done := make(chan struct{})
	job := writeJob{op: "barrier", run: func(context.Context, Store) error {
		close(done)
		return nil
	}}

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return nil
	}
	select {
	case w.jobs <- job:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WriteBack) SubmitUsers(defs []PlayerDefinition) bool {
	return w.Submit("update_users", func(ctx context.Context, s Store) error {
		return s.UpdateUsers(ctx, defs)
	})
}

func (w *WriteBack) SubmitOnlineTime(username string, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	return w.Submit("online_time", func(ctx context.Context, s Store) error {
		return s.AddOnlineTime(ctx, username, d)
	})
}

func (w *WriteBack) SubmitEvents(events []CustomEvent) bool {
	return w.Submit("add_events", func(ctx context.Context, s Store) error {
		return s.AddEvents(ctx, events)
	})
}

func (w *WriteBack) SubmitBackup() bool {
	return w.Submit("backup", func(ctx context.Context, s Store) error {
		path, err := s.Backup(ctx)
		if err == nil {
			w.log.Infow("created backup of database", "path", path)
		}
		return err
	})
}

func (w *WriteBack) run(job writeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := job.run(ctx, w.store); err != nil {
		writeBacks.WithLabelValues(job.op, "error").Inc()
		w.log.Errorw("write-back failed", "op", job.op, "err", err)
		return
	}
	writeBacks.WithLabelValues(job.op, "ok").Inc()
}
