package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	affinityKeyKey contextKey = "affinity_key"
)

// WithRequestID 设置本次调度请求的 ID（spec.md §4.12 的 requestID，
// 贯穿 candidate/failover/executor 整条调用链）。
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID 获取请求 ID
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithAffinityKey 设置本次请求的缓存亲和键（C6 使用的调用方标识）。
func WithAffinityKey(ctx context.Context, affinityKey string) context.Context {
	return context.WithValue(ctx, affinityKeyKey, affinityKey)
}

// AffinityKey 获取缓存亲和键
func AffinityKey(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(affinityKeyKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
