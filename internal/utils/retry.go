package utils

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryWithBackoff 执行operation，失败后按1.5倍指数退避最多重试maxRetries次。
// 退避时间从initialBackoff开始，不超过maxBackoff。ctx结束时立即返回ctx.Err()。
func RetryWithBackoff(ctx context.Context, operationName string, maxRetries int, initialBackoff, maxBackoff time.Duration, operation func() error) error {
	err := operation()
	if err == nil {
		return nil
	}
	if maxRetries <= 0 {
		return fmt.Errorf("%s failed (no retries): %w", operationName, err)
	}
	slog.Debug("initial attempt failed, will retry", "operation", operationName, "error", err)

	backoff := initialBackoff
	for attempt := 1; attempt <= maxRetries; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err = operation(); err == nil {
			slog.Debug("operation successful after retry", "operation", operationName, "attempt", attempt)
			return nil
		}
		slog.Debug("retry attempt failed", "operation", operationName, "attempt", attempt, "error", err)

		backoff = time.Duration(float64(backoff) * 1.5)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	slog.Error("operation failed after all retries", "operation", operationName, "retries", maxRetries)
	return fmt.Errorf("%s failed after %d retries: %w", operationName, maxRetries, err)
}
