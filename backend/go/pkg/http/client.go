package http

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"linsight/backend/go/pkg/circuitbreaker"
)

// Doer 发送 HTTP 请求。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

var errServerStatus = errors.New("server error status")

// Client 在 http.Client 外包一层熔断器, 5xx 响应与传输错误都计为失败。
type Client struct {
	httpClient *http.Client
	breaker    circuitbreaker.CircuitBreaker
}

// NewClient 创建客户端, breaker 为 nil 时不熔断。
func NewClient(timeout time.Duration, breaker circuitbreaker.CircuitBreaker) *Client {
	return &Client{httpClient: &http.Client{Timeout: timeout}, breaker: breaker}
}

// Do 发送请求。5xx 响应照常返回给调用方, 熔断时返回 circuitbreaker.ErrCircuitOpen。
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.httpClient.Do(req)
	}
	var resp *http.Response
	_, err := c.breaker.Execute(func() (interface{}, error) {
		r, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		resp = r
		if r.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("%w: %d", errServerStatus, r.StatusCode)
		}
		return r, nil
	})
	if errors.Is(err, errServerStatus) {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}
