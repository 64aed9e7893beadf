// Package transport 传输层公共逻辑
package transport

import (
	"net/http"
	"strings"
)

// CheckOrigin 返回 Origin 校验函数
// allowed 为空或包含 "*" 时放行所有来源，没有 Origin 头的非浏览器客户端总是放行
func CheckOrigin(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}
