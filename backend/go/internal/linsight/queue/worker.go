package queue

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"linsight/backend/go/internal/models"
	"linsight/backend/go/pkg/logger"
)

// Runner 执行一个会话版本。
type Runner interface {
	Run(ctx context.Context, versionID string) error
	// Resume 接管一个被中断的执行。
	Resume(ctx context.Context, versionID string) error
}

// Pool 在单个进程内并发消费队列。
type Pool struct {
	queue           *Queue
	runner          Runner
	concurrency     int
	janitorInterval time.Duration
	log             *logger.Logger
}

// NewPool 创建 worker 池。
func NewPool(q *Queue, runner Runner, concurrency int, janitorInterval time.Duration, log *logger.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if janitorInterval <= 0 {
		janitorInterval = time.Minute
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Pool{queue: q, runner: runner, concurrency: concurrency, janitorInterval: janitorInterval, log: log}
}

// Run 启动清理协程和 worker, 阻塞到 ctx 取消且所有进行中的执行退出。
// 因 ctx 取消而中断的执行不会被确认, 租约过期后由清理协程放回队列。
func (p *Pool) Run(ctx context.Context) error {
	p.log.WithPayload(map[string]interface{}{"concurrency": p.concurrency}).Info("worker 池启动")
	outer, ctx := errgroup.WithContext(ctx)
	outer.Go(func() error {
		p.janitor(ctx)
		return nil
	})
	outer.Go(func() error {
		var workers errgroup.Group
		workers.SetLimit(p.concurrency)
		for ctx.Err() == nil {
			workers.Go(func() error {
				p.work(ctx)
				return nil
			})
		}
		return workers.Wait()
	})
	err := outer.Wait()
	p.log.Info("worker 池已停止")
	return err
}

func (p *Pool) janitor(ctx context.Context) {
	ticker := time.NewTicker(p.janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.Requeue(ctx)
			if err != nil && ctx.Err() == nil {
				p.log.WithError(models.ErrorInfoFrom(err)).Error("队列清理失败")
				continue
			}
			if n > 0 {
				p.log.WithPayload(map[string]interface{}{"requeued": n}).Info("队列清理完成")
			}
		}
	}
}

// work 取出一个请求并执行。
func (p *Pool) work(ctx context.Context) {
	job, err := p.queue.Pop(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.WithError(models.ErrorInfoFrom(err)).Error("出队失败")
			sleep(ctx, time.Second)
		}
		return
	}
	if job == nil {
		return
	}
	p.handle(ctx, job)
}

func (p *Pool) handle(ctx context.Context, job *Job) {
	log := p.log.WithTrace(job.VersionID, "").WithPayload(map[string]interface{}{"redelivered": job.Redelivered})
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.keepAlive(jobCtx, job.VersionID, log)

	log.Info("开始执行会话版本")
	var err error
	if job.Redelivered {
		err = p.runner.Resume(jobCtx, job.VersionID)
	} else {
		err = p.runner.Run(jobCtx, job.VersionID)
	}
	if ctx.Err() != nil {
		log.Warn("worker 停止, 执行未确认")
		return
	}
	switch {
	case err == nil:
		log.Info("会话版本执行结束")
	case errors.Is(err, models.ErrAlreadyInProgress):
		log.Warn("会话版本已在执行中, 丢弃重复请求")
	case errors.Is(err, models.ErrNotFound):
		log.Warn("会话版本不存在, 丢弃请求")
	default:
		log.WithError(models.ErrorInfoFrom(err)).Error("会话版本执行失败")
	}
	if err := p.queue.Ack(ctx, job.VersionID); err != nil {
		log.WithError(models.ErrorInfoFrom(err)).Error("确认队列请求失败")
	}
}

// keepAlive 在执行期间定期续期租约。
func (p *Pool) keepAlive(ctx context.Context, versionID string, log *logger.Logger) {
	interval := p.queue.Visibility() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Extend(ctx, versionID); err != nil && ctx.Err() == nil {
				log.WithError(models.ErrorInfoFrom(err)).Warn("续期租约失败")
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
