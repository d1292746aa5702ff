// Package http 封装服务端的监听与优雅关闭, 以及带熔断的出站客户端。
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"linsight/backend/go/pkg/logger"
)

// Server 包装标准库 http.Server, 负责监听与优雅关闭。
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	log             *logger.Logger
}

// ServerOption 配置 Server。
type ServerOption func(*Server)

// WithAddress 设置监听地址。
func WithAddress(addr string) ServerOption {
	return func(s *Server) {
		s.httpServer.Addr = addr
	}
}

// WithShutdownTimeout 设置 Run 在 ctx 结束后等待连接关闭的时间。
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// NewServer 创建服务。事件流是长连接, 因此不设置写超时。
func NewServer(handler http.Handler, log *logger.Logger, opts ...ServerOption) *Server {
	if log == nil {
		log = logger.Discard()
	}
	srv := &Server{
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownTimeout: 5 * time.Second,
		log:             log,
	}
	for _, opt := range opts {
		opt(srv)
	}
	if srv.httpServer.Addr == "" {
		srv.httpServer.Addr = ":8080"
	}
	return srv
}

// Addr 返回监听地址。
func (s *Server) Addr() string { return s.httpServer.Addr }

// ListenAndServe 启动服务, 正常关闭时返回 nil。
func (s *Server) ListenAndServe() error {
	s.log.WithPayload(map[string]interface{}{"address": s.httpServer.Addr}).Info("HTTP 服务启动")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP 服务异常退出: %w", err)
	}
	return nil
}

// Shutdown 优雅关闭服务。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Run 启动服务并在 ctx 结束时优雅关闭。
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	s.log.Info("HTTP 服务正在关闭")
	if err := s.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("关闭 HTTP 服务失败: %w", err)
	}
	return <-errCh
}
