package activation

import "context"

type originKey struct{}

// WithOrigin 标记发起激活的一方（例如 "api:ops"），写入记录的 Trigger 前缀，
// 使历史与状态镜像能追溯到调用者。
func WithOrigin(ctx context.Context, origin string) context.Context {
	if origin == "" {
		return ctx
	}
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFrom 返回 ctx 上的发起方，未设置时为空。
func OriginFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	origin, _ := ctx.Value(originKey{}).(string)
	return origin
}

func triggerFor(ctx context.Context, trigger string) string {
	if origin := OriginFrom(ctx); origin != "" {
		return origin + ":" + trigger
	}
	return trigger
}
