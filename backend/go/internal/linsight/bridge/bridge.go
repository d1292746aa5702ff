// Package bridge 把会话版本的事件流通过 WebSocket 转发给客户端。
package bridge

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"linsight/backend/go/internal/linsight/auth"
	"linsight/backend/go/internal/linsight/bus"
	"linsight/backend/go/internal/models"
	"linsight/backend/go/pkg/logger"
)

const (
	defaultPingInterval = 30 * time.Second
	writeWait           = 10 * time.Second
)

// VersionSource 读取会话版本以校验归属。
type VersionSource interface {
	GetVersion(ctx context.Context, id string) (*models.SessionVersion, error)
}

// Subscriber 订阅会话版本的事件分区。
type Subscriber interface {
	Subscribe(ctx context.Context, versionID string, from int64) *bus.Subscription
}

// closedFrame 是分区结束后发送的最后一帧。
type closedFrame struct {
	Event            models.EventKind `json:"event"`
	SessionVersionID string           `json:"session_version_id"`
}

// Bridge 是 task-message-stream 的处理器。
type Bridge struct {
	versions     VersionSource
	events       Subscriber
	verifier     *auth.Verifier
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	log          *logger.Logger
}

// Option 配置 Bridge。
type Option func(*Bridge)

// WithPingInterval 设置心跳间隔。
func WithPingInterval(d time.Duration) Option { return func(b *Bridge) { b.pingInterval = d } }

// WithCheckOrigin 设置 WebSocket 的来源检查。
func WithCheckOrigin(f func(r *http.Request) bool) Option {
	return func(b *Bridge) { b.upgrader.CheckOrigin = f }
}

// New 创建 Bridge。
func New(versions VersionSource, events Subscriber, verifier *auth.Verifier, log *logger.Logger, opts ...Option) *Bridge {
	if log == nil {
		log = logger.Discard()
	}
	b := &Bridge{
		versions:     versions,
		events:       events,
		verifier:     verifier,
		pingInterval: defaultPingInterval,
		log:          log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Handle 处理 GET task-message-stream?session_version_id=...&from_offset=0。
// 认证或归属校验失败时以 policy violation 关闭连接。
func (b *Bridge) Handle(c *gin.Context) {
	versionID := c.Query("session_version_id")
	if versionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 session_version_id"})
		return
	}
	from, err := strconv.ParseInt(c.DefaultQuery("from_offset", "0"), 10, 64)
	if err != nil || from < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from_offset 非法"})
		return
	}

	conn, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		b.log.WithError(models.ErrorInfoFrom(err)).Error("WebSocket 升级失败")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	userID, err := b.authorize(ctx, c.Request, versionID)
	if err != nil {
		b.log.WithTrace(versionID, userID).WithError(models.ErrorInfoFrom(err)).Warn("拒绝事件流订阅")
		closeWith(conn, websocket.ClosePolicyViolation, models.ErrorKind(err))
		return
	}
	log := b.log.WithTrace(versionID, userID).WithPayload(map[string]interface{}{"from_offset": from})
	log.Info("事件流订阅开始")

	go b.readPump(conn, cancel)
	b.writePump(ctx, conn, versionID, from, log)
}

func (b *Bridge) authorize(ctx context.Context, r *http.Request, versionID string) (string, error) {
	userID, err := b.verifier.Authenticate(r)
	if err != nil {
		return "", err
	}
	v, err := b.versions.GetVersion(ctx, versionID)
	if err != nil {
		return userID, err
	}
	if v.UserID != userID {
		return userID, models.ErrUnauthorized
	}
	return userID, nil
}

// readPump 丢弃客户端消息, 连接断开时取消订阅。
func (b *Bridge) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	pongWait := 2 * b.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (b *Bridge) writePump(ctx context.Context, conn *websocket.Conn, versionID string, from int64, log *logger.Logger) {
	sub := b.events.Subscribe(ctx, versionID, from)
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				b.finish(conn, versionID, sub.Err(), sent, log)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				log.WithError(models.ErrorInfoFrom(err)).Warn("写入事件失败, 关闭订阅")
				return
			}
			sent++
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.WithError(models.ErrorInfoFrom(err)).Warn("心跳失败, 关闭订阅")
				return
			}
		}
	}
}

// finish 在订阅结束后发送结束帧并关闭连接。客户端已断开时直接返回。
func (b *Bridge) finish(conn *websocket.Conn, versionID string, err error, sent int, log *logger.Logger) {
	log = log.WithPayload(map[string]interface{}{"events": sent})
	if errors.Is(err, models.ErrStreamClosed) {
		log.Info("客户端断开, 事件流订阅结束")
		return
	}
	code := websocket.CloseNormalClosure
	if err != nil {
		code = websocket.CloseInternalServerErr
		log.WithError(models.ErrorInfoFrom(err)).Error("读取事件流失败")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if werr := conn.WriteJSON(closedFrame{Event: models.EventStreamClosed, SessionVersionID: versionID}); werr != nil {
		return
	}
	closeWith(conn, code, "")
	log.Info("事件流订阅结束")
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
