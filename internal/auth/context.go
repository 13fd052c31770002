package auth

import "context"

type callerKey struct{}

// anonymous 是认证关闭时附加到请求上的主体，拥有全部权限。
var anonymous = Subject{Name: "anonymous", Permissions: []string{PermissionAll}}

// WithSubject 把已认证的调用者放入 ctx。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, callerKey{}, subject)
}

// SubjectFromContext 返回 ctx 中的调用者，没有时返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(callerKey{}).(*Subject)
	return subject
}

// CallerName 返回调用者名称，用于激活记录的发起方；未经过中间件时为 anonymous。
func CallerName(ctx context.Context) string {
	if subject := SubjectFromContext(ctx); subject != nil && subject.Name != "" {
		return subject.Name
	}
	return anonymous.Name
}
