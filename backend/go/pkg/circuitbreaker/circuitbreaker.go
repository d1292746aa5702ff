// Package circuitbreaker 实现三态熔断器, 用于保护对外部工具服务的调用。
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State 表示熔断器的状态。
type State int

const (
	// Closed 正常放行。
	Closed State = iota
	// Open 熔断中, 直接拒绝调用。
	Open
	// HalfOpen 放行试探调用, 连续成功后恢复。
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen 在熔断器处于 Open 状态时返回。
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker 是熔断器接口。
type CircuitBreaker interface {
	// Execute 在熔断器允许时执行 req, req 返回错误计为一次失败。
	Execute(req func() (interface{}, error)) (interface{}, error)
	State() State
}

type breaker struct {
	mu sync.Mutex

	failureThreshold uint32
	successThreshold uint32
	openTimeout      time.Duration

	state     State
	failures  uint32
	successes uint32
	openedAt  time.Time
	now       func() time.Time
}

// New 创建熔断器: 连续 failureThreshold 次失败后熔断, 熔断 openTimeout 后进入半开,
// 半开状态下连续 successThreshold 次成功后恢复。阈值为 0 时按 1 处理。
func New(failureThreshold, successThreshold uint32, openTimeout time.Duration) CircuitBreaker {
	if failureThreshold == 0 {
		failureThreshold = 1
	}
	if successThreshold == 0 {
		successThreshold = 1
	}
	return &breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
		now:              time.Now,
	}
}

func (b *breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

func (b *breaker) Execute(req func() (interface{}, error)) (interface{}, error) {
	b.mu.Lock()
	b.advance()
	if b.state == Open {
		b.mu.Unlock()
		return nil, ErrCircuitOpen
	}
	b.mu.Unlock()

	res, err := req()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure()
		return nil, err
	}
	b.onSuccess()
	return res, nil
}

// advance 在熔断超时后把 Open 切换为 HalfOpen。调用方持有锁。
func (b *breaker) advance() {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.openTimeout {
		b.state = HalfOpen
		b.successes = 0
	}
}

func (b *breaker) onSuccess() {
	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = Closed
			b.failures, b.successes = 0, 0
		}
	case Closed:
		b.failures = 0
	}
}

func (b *breaker) onFailure() {
	switch b.state {
	case HalfOpen:
		b.trip()
	case Closed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	}
}

func (b *breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.failures, b.successes = 0, 0
}
