package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"linsight/backend/go/internal/models"
	"linsight/backend/go/pkg/cache"
	"linsight/backend/go/pkg/circuitbreaker"
	linsighthttp "linsight/backend/go/pkg/http"
	"linsight/backend/go/pkg/logger"
	"linsight/backend/go/pkg/mcp_host"
)

// SpecSource 读取已注册的外部工具定义。
type SpecSource interface {
	GetToolSpecs(ctx context.Context, ids []string) ([]models.ToolSpec, error)
}

// Registry 为每个会话版本组装工具集。
type Registry struct {
	specs       SpecSource
	sops        SOPSearcher
	personal    KnowledgeSearcher
	org         KnowledgeSearcher
	toolTimeout time.Duration
	log         *logger.Logger

	// newBreaker 非空时, 每个 OpenAPI 工具定义共用一个带熔断的客户端。
	newBreaker func() circuitbreaker.CircuitBreaker
	clients    *cache.LRU[string, *linsighthttp.Client]
}

// RegistryOption 配置 Registry。
type RegistryOption func(*Registry)

// WithPersonalKnowledge 设置个人知识库检索后端。
func WithPersonalKnowledge(k KnowledgeSearcher) RegistryOption {
	return func(r *Registry) { r.personal = k }
}

// WithOrgKnowledge 设置组织知识库检索后端。
func WithOrgKnowledge(k KnowledgeSearcher) RegistryOption {
	return func(r *Registry) { r.org = k }
}

// breakerClients 是最多保留熔断状态的工具定义数。
const breakerClients = 256

// WithToolBreaker 为 OpenAPI 工具启用熔断: 同一工具定义连续 failures 次失败后熔断 openFor。
func WithToolBreaker(failures, successes uint32, openFor time.Duration) RegistryOption {
	return func(r *Registry) {
		r.newBreaker = func() circuitbreaker.CircuitBreaker {
			return circuitbreaker.New(failures, successes, openFor)
		}
		r.clients, _ = cache.New[string, *linsighthttp.Client](cache.Config{Capacity: breakerClients})
	}
}

// NewRegistry 创建工具注册表。specs 与 sops 可以为 nil。
func NewRegistry(specs SpecSource, sops SOPSearcher, toolTimeout time.Duration, log *logger.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{specs: specs, sops: sops, toolTimeout: toolTimeout, log: log}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InitLocalFileTools 在 root 上创建内置文件工具。
func (r *Registry) InitLocalFileTools(root string) ([]Tool, error) {
	return NewFileTools(root)
}

// InitLinsightTools 根据版本选择的工具创建知识检索工具与外部工具。
// 返回的 Host 持有 MCP 连接, 调用方负责关闭; 没有 MCP 工具时为 nil。
func (r *Registry) InitLinsightTools(ctx context.Context, v *models.SessionVersion) ([]Tool, *mcp_host.Host, error) {
	var (
		out      []Tool
		specIDs  []string
		mcpNames = map[string][]string{}
	)
	for _, ref := range v.Tools {
		switch ref.Kind {
		case models.ToolKindKnowledge:
			var backends []KnowledgeSearcher
			if v.PersonalKBEnabled && r.personal != nil {
				backends = append(backends, r.personal)
			}
			if v.OrgKBEnabled && r.org != nil {
				backends = append(backends, r.org)
			}
			out = append(out, NewKnowledgeTool(v.UserID, r.sops, backends...))
		case models.ToolKindOpenAPI, models.ToolKindMCP:
			if ref.SpecID == "" {
				return nil, nil, fmt.Errorf("tool %q has no spec id: %w", ref.Name, models.ErrConfigMissing)
			}
			specIDs = append(specIDs, ref.SpecID)
			if ref.Kind == models.ToolKindMCP && ref.Name != "" {
				mcpNames[ref.SpecID] = append(mcpNames[ref.SpecID], ref.Name)
			}
		}
	}
	if len(specIDs) == 0 {
		return out, nil, nil
	}
	if r.specs == nil {
		return nil, nil, fmt.Errorf("external tools requested without a tool spec source: %w", models.ErrConfigMissing)
	}

	specs, err := r.specs.GetToolSpecs(ctx, specIDs)
	if err != nil {
		return nil, nil, err
	}
	found := make(map[string]bool, len(specs))
	var mcpSpecs []models.ToolSpec
	for _, spec := range specs {
		found[spec.ID] = true
		switch spec.Kind {
		case models.ToolKindOpenAPI:
			out = append(out, r.openAPITool(spec))
		case models.ToolKindMCP:
			mcpSpecs = append(mcpSpecs, spec)
		default:
			return nil, nil, fmt.Errorf("tool spec %s has unsupported kind %q", spec.ID, spec.Kind)
		}
	}
	for _, id := range specIDs {
		if !found[id] {
			return nil, nil, fmt.Errorf("tool spec %s: %w", id, models.ErrNotFound)
		}
	}
	if len(mcpSpecs) == 0 {
		return out, nil, nil
	}

	host := mcp_host.NewHost()
	mcpTools, err := r.connectMCP(ctx, host, mcpSpecs, mcpNames)
	if err != nil {
		host.CloseAll()
		return nil, nil, err
	}
	return append(out, mcpTools...), host, nil
}

func (r *Registry) openAPITool(spec models.ToolSpec) Tool {
	if r.newBreaker == nil {
		return NewOpenAPITool(spec, r.toolTimeout)
	}
	client := r.clients.GetOrCreate(spec.ID, func() *linsighthttp.Client {
		timeout := r.toolTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		return linsighthttp.NewClient(timeout, r.newBreaker())
	})
	return newOpenAPITool(spec, client)
}

// connectMCP 每个服务端只连接一次, 然后按引用的工具名过滤; 未指定工具名时暴露该服务端的全部工具。
func (r *Registry) connectMCP(ctx context.Context, host *mcp_host.Host, specs []models.ToolSpec, names map[string][]string) ([]Tool, error) {
	wanted := map[string]map[string]bool{}
	for _, spec := range specs {
		server := spec.ServerName
		if server == "" {
			server = spec.ID
		}
		if _, connected := wanted[server]; !connected {
			err := host.Connect(ctx, mcp_host.ConnectOptions{
				ServerName:    server,
				TransportType: spec.Transport,
				Command:       spec.Command,
				Args:          spec.Args,
				URL:           spec.URL,
				Env:           spec.Env,
			})
			if err != nil {
				return nil, fmt.Errorf("%w: connect mcp server %s: %v", models.ErrToolInvocation, server, err)
			}
			wanted[server] = map[string]bool{}
		}
		filter := wanted[server]
		if filter == nil {
			continue
		}
		if ns := names[spec.ID]; len(ns) > 0 {
			for _, n := range ns {
				filter[n] = true
			}
		} else {
			// nil 表示不过滤
			wanted[server] = nil
		}
	}
	return r.collectMCP(ctx, host, wanted)
}

func (r *Registry) collectMCP(ctx context.Context, host *mcp_host.Host, wanted map[string]map[string]bool) ([]Tool, error) {
	all, failures := host.GetAllTools(ctx)
	for server, err := range failures {
		return nil, fmt.Errorf("%w: list tools of mcp server %s: %v", models.ErrToolInvocation, server, err)
	}
	var out []Tool
	for _, st := range all {
		filter, ok := wanted[st.Server]
		if !ok {
			continue
		}
		if filter != nil && !filter[st.Tool.Name] {
			continue
		}
		out = append(out, newMCPTool(host, st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// ListForSession 返回版本可用的全部工具: scratch 目录上的文件工具、知识检索工具与外部工具。
func (r *Registry) ListForSession(ctx context.Context, v *models.SessionVersion, scratch string) (*Toolset, error) {
	files, err := r.InitLocalFileTools(scratch)
	if err != nil {
		return nil, err
	}
	extra, host, err := r.InitLinsightTools(ctx, v)
	if err != nil {
		return nil, err
	}
	ts := NewToolset(r.toolTimeout, r.log, append(files, extra...)...)
	ts.host = host
	return ts, nil
}

// Toolset 是一个会话版本的工具集合, 负责按名字分发调用并持有外部连接。
type Toolset struct {
	tools   []Tool
	byName  map[string]Tool
	timeout time.Duration
	host    *mcp_host.Host
	log     *logger.Logger
}

// NewToolset 创建工具集, 同名工具只保留第一个。
func NewToolset(timeout time.Duration, log *logger.Logger, tools ...Tool) *Toolset {
	if log == nil {
		log = logger.Discard()
	}
	ts := &Toolset{byName: make(map[string]Tool, len(tools)), timeout: timeout, log: log}
	for _, t := range tools {
		if _, dup := ts.byName[t.Name()]; dup {
			log.WithPayload(map[string]interface{}{"tool": t.Name(), "kind": t.Kind()}).Warn("工具名称重复, 已忽略")
			continue
		}
		ts.byName[t.Name()] = t
		ts.tools = append(ts.tools, t)
	}
	return ts
}

// Tools 返回工具列表。
func (ts *Toolset) Tools() []Tool { return ts.tools }

// Definitions 返回暴露给模型的工具目录。
func (ts *Toolset) Definitions() []models.ToolDefinition { return Definitions(ts.tools) }

// Has 判断工具集中是否存在指定工具。
func (ts *Toolset) Has(name string) bool {
	_, ok := ts.byName[name]
	return ok
}

// Invoke 调用指定工具, 每次调用受 timeout 限制。未知工具与超时都以错误结果返回。
func (ts *Toolset) Invoke(ctx context.Context, name string, args map[string]any) ToolResult {
	t, ok := ts.byName[name]
	if !ok {
		return Errorf("unknown tool %q", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	callCtx := ctx
	if ts.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, ts.timeout)
		defer cancel()
	}

	start := time.Now()
	res := t.Invoke(callCtx, args)
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res = Errorf("tool %s timed out after %s", name, ts.timeout)
	}
	entry := ts.log.WithPayload(map[string]interface{}{
		"tool":     name,
		"kind":     t.Kind(),
		"is_error": res.IsError,
		"elapsed":  time.Since(start).String(),
	})
	if res.IsError {
		entry.Warn("工具调用返回错误")
	} else {
		entry.Debug("工具调用完成")
	}
	return res
}

// Close 关闭外部工具连接。
func (ts *Toolset) Close() error {
	if ts.host == nil {
		return nil
	}
	return ts.host.CloseAll()
}
