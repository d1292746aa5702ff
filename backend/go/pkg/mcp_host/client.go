package mcp_host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// ErrToolNotFound 表示没有任何已连接的服务端提供该工具。
var ErrToolNotFound = errors.New("mcp tool not found")

// Host 是一个 MCP 客户端主机
// 它可以连接并管理多个 MCP 服务端，聚合所有工具，并提供统一的调用入口。
type Host struct {
	servers map[string]*client.Client
	// owners 记录工具名到服务端名的映射, 在 ListTools 时刷新
	owners map[string]string
	mu     sync.RWMutex
}

// ConnectOptions 定义了连接到 MCP 服务端的配置项
type ConnectOptions struct {
	ServerName    string
	TransportType string // "stdio" or "http-sse"
	Command       string
	Args          []string
	URL           string
	Env           []string
}

// NewHost 创建一个新的 Host 实例
func NewHost() *Host {
	return &Host{
		servers: make(map[string]*client.Client),
		owners:  make(map[string]string),
	}
}

// Connect 根据提供的选项，连接到一个新的 MCP 服务端
func (h *Host) Connect(ctx context.Context, opts ConnectOptions) error {
	var (
		c   *client.Client
		err error
	)
	switch opts.TransportType {
	case "stdio":
		// stdio 客户端创建时即启动子进程
		c, err = client.NewStdioMCPClient(opts.Command, opts.Env, opts.Args...)
		if err != nil {
			return fmt.Errorf("failed to create stdio client: %w", err)
		}
	case "http-sse", "sse":
		c, err = client.NewSSEMCPClient(opts.URL)
		if err != nil {
			return fmt.Errorf("failed to create sse client: %w", err)
		}
		if err = c.Start(ctx); err != nil {
			c.Close()
			return fmt.Errorf("failed to start sse client: %w", err)
		}
	default:
		return fmt.Errorf("unsupported transport type: '%s'", opts.TransportType)
	}
	return h.attach(ctx, opts.ServerName, c)
}

// Attach 接入一个已经创建的客户端 (例如进程内客户端), 负责启动与初始化。
func (h *Host) Attach(ctx context.Context, serverName string, c *client.Client) error {
	if err := c.Start(ctx); err != nil {
		c.Close()
		return fmt.Errorf("failed to start client: %w", err)
	}
	return h.attach(ctx, serverName, c)
}

func (h *Host) attach(ctx context.Context, serverName string, c *client.Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.servers[serverName]; exists {
		c.Close()
		return fmt.Errorf("server with name '%s' already connected", serverName)
	}

	initRequest := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "linsight-mcp-host",
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}
	if _, err := c.Initialize(ctx, initRequest); err != nil {
		c.Close()
		return fmt.Errorf("failed to initialize client: %w", err)
	}

	h.servers[serverName] = c
	return nil
}

// ServerTool 是某个服务端提供的工具。
type ServerTool struct {
	Server string
	Tool   mcp.Tool
}

// GetAllTools 聚合所有已连接服务端的工具, 单个服务端失败不影响其他服务端。
// 网络调用在锁外进行, 结束后再统一刷新工具归属。
func (h *Host) GetAllTools(ctx context.Context) ([]ServerTool, map[string]error) {
	h.mu.RLock()
	servers := make(map[string]*client.Client, len(h.servers))
	for name, c := range h.servers {
		servers[name] = c
	}
	h.mu.RUnlock()

	var all []ServerTool
	failures := make(map[string]error)
	for serverName, c := range servers {
		res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			failures[serverName] = err
			continue
		}
		for _, t := range res.Tools {
			all = append(all, ServerTool{Server: serverName, Tool: t})
		}
	}

	h.mu.Lock()
	for _, st := range all {
		if _, live := h.servers[st.Server]; live {
			h.owners[st.Tool.Name] = st.Server
		}
	}
	h.mu.Unlock()
	return all, failures
}

// InvokeTool 调用指定工具。优先使用缓存的服务端映射, 未命中时刷新一次工具列表。
func (h *Host) InvokeTool(ctx context.Context, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	h.mu.RLock()
	serverName, ok := h.owners[toolName]
	h.mu.RUnlock()
	if !ok {
		h.GetAllTools(ctx)
		h.mu.RLock()
		serverName, ok = h.owners[toolName]
		h.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
		}
	}

	h.mu.RLock()
	c, ok := h.servers[serverName]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: server %s for tool %s is gone", ErrToolNotFound, serverName, toolName)
	}

	res, err := c.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call tool %s on %s: %w", toolName, serverName, err)
	}
	return res, nil
}

// CloseAll 关闭所有到服务端的连接并清理资源
func (h *Host) CloseAll() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for _, c := range h.servers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.servers = make(map[string]*client.Client)
	h.owners = make(map[string]string)
	return errors.Join(errs...)
}
