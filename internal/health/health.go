package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

const (
	StateConnected     = "connected"
	StateDisconnected  = "disconnected"
	StateNotConfigured = "not configured"
)

// Status 健康状态
type Status struct {
	Service      string            `json:"service"`
	Node         string            `json:"node"`
	Dependencies map[string]string `json:"dependencies"`
	Sessions     int               `json:"sessions"`
}

// Probe 依赖检查，返回 nil 表示可用
type Probe func(ctx context.Context) error

// SessionCounter 会话计数器接口
type SessionCounter interface {
	Count() int
}

type dependency struct {
	name     string
	probe    Probe
	required bool
}

// Checker 健康检查器
type Checker struct {
	node    string
	deps    []dependency
	counter SessionCounter
	timeout time.Duration
}

// NewChecker 创建健康检查器
func NewChecker(node string, counter SessionCounter) *Checker {
	return &Checker{
		node:    node,
		counter: counter,
		timeout: 2 * time.Second,
	}
}

// Require 注册必需依赖，不可用时 /ready 返回 503
func (h *Checker) Require(name string, probe Probe) *Checker {
	h.deps = append(h.deps, dependency{name: name, probe: probe, required: true})
	return h
}

// Optional 注册可选依赖，probe 为 nil 表示未配置
func (h *Checker) Optional(name string, probe Probe) *Checker {
	h.deps = append(h.deps, dependency{name: name, probe: probe})
	return h
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) (*Status, bool) {
	status := &Status{
		Service:      "presence",
		Node:         h.node,
		Dependencies: make(map[string]string, len(h.deps)),
	}
	healthy := true

	for _, dep := range h.deps {
		if dep.probe == nil {
			status.Dependencies[dep.name] = StateNotConfigured
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
		err := dep.probe(probeCtx)
		cancel()

		if err == nil {
			status.Dependencies[dep.name] = StateConnected
			continue
		}
		status.Dependencies[dep.name] = StateDisconnected
		if dep.required {
			healthy = false
		}
	}

	if h.counter != nil {
		status.Sessions = h.counter.Count()
	}
	return status, healthy
}

// IsHealthy 检查是否健康
func (h *Checker) IsHealthy(ctx context.Context) bool {
	_, ok := h.Check(ctx)
	return ok
}

// Names 已注册依赖名称
func (h *Checker) Names() []string {
	names := make([]string, 0, len(h.deps))
	for _, dep := range h.deps {
		names = append(names, dep.name)
	}
	sort.Strings(names)
	return names
}

// ServeHTTP HTTP 健康检查端点
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status, ok := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}
