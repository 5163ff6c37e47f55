package llm

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/llm/retry"
)

// ResilientProvider 为 Provider 增加单次调用超时与有界重试。
// 装饰器模式：不修改底层 Provider。
type ResilientProvider struct {
	provider       Provider
	retryer        retry.Retryer
	attemptTimeout time.Duration
	logger         *zap.Logger
}

// ResilientProviderConfig 弹性 Provider 配置
type ResilientProviderConfig struct {
	// AttemptTimeout 每次尝试的超时，0 表示只受调用方 ctx 约束
	AttemptTimeout time.Duration
	// RetryPolicy 重试策略，RetryIf 为空时使用 IsRetryableError
	RetryPolicy *retry.RetryPolicy
}

// NewResilientProvider 创建具有超时与重试能力的 Provider
func NewResilientProvider(provider Provider, cfg ResilientProviderConfig, logger *zap.Logger) *ResilientProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := cfg.RetryPolicy
	if policy == nil {
		policy = retry.SingleRetryPolicy(500 * time.Millisecond)
	}
	if policy.RetryIf == nil {
		p := *policy
		p.RetryIf = IsRetryableError
		policy = &p
	}
	logger = logger.With(zap.String("component", "resilient_provider"), zap.String("provider", provider.Name()))
	return &ResilientProvider{
		provider:       provider,
		retryer:        retry.NewBackoffRetryer(policy, logger),
		attemptTimeout: cfg.AttemptTimeout,
		logger:         logger,
	}
}

// Completion 带超时与重试地调用底层 Provider
func (p *ResilientProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return retry.DoWithResultTyped(p.retryer, ctx, func() (*ChatResponse, error) {
		attemptCtx := ctx
		timeout := p.attemptTimeout
		if req.Timeout > 0 {
			timeout = req.Timeout
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		resp, err := p.provider.Completion(attemptCtx, req)
		if err != nil {
			// 调用方 ctx 已取消时不再重试
			if ctx.Err() != nil {
				return nil, &Error{Code: ErrUpstreamTimeout, Message: ctx.Err().Error(), Provider: p.provider.Name()}
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, &Error{Code: ErrUpstreamTimeout, Message: err.Error(), Retryable: true, Provider: p.provider.Name()}
			}
			return nil, err
		}
		return resp, nil
	})
}

// HealthCheck delegates to the wrapped provider.
func (p *ResilientProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	return p.provider.HealthCheck(ctx)
}

// Name returns the wrapped provider name.
func (p *ResilientProvider) Name() string { return p.provider.Name() }

// IsRetryableError 判断 Provider 错误是否值得重试。
// 非 *Error 的错误（网络层、解析层）一律视为可重试。
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	return true
}
