package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"superpost/pkg/errkind"
)

// IsRetryableError determines if an infrastructure error is retryable
// Returns: (isRetryable, errorType)
func IsRetryableError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	// 已分类的错误直接按 Kind 判断
	var classified *errkind.Error
	if errors.As(err, &classified) {
		return classified.Kind == errkind.KindTransient, strings.ToLower(classified.Kind.String())
	}

	errStr := err.Error()

	// JSON decode errors - 不可重试（数据格式错误）
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return false, "json_decode_error"
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return false, "json_decode_error"
	}

	// Missing rows / keys / files - 不可重试
	if errors.Is(err, pgx.ErrNoRows) {
		return false, "row_not_found"
	}
	if errors.Is(err, redis.Nil) {
		return false, "key_not_found"
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, "file_not_found"
	}

	if strings.Contains(errStr, "duplicate key") || strings.Contains(errStr, "UNIQUE constraint") {
		return false, "duplicate_key"
	}

	// Context timeout - 可重试
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}

	// Broker errors
	if errors.Is(err, amqp.ErrClosed) {
		return true, "mq_connection_closed"
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Recover, "mq_error"
	}

	// Network errors - 可重试
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}

	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "timeout") {
		return true, "connection_error"
	}

	// 默认：未知错误，保守处理 - 不重试
	return false, "unknown_error"
}

// Classify wraps a raw infrastructure error into the workflow taxonomy.
// Missing rows, keys and files become NotFoundError, decode failures become
// ValidationError, and anything retryable becomes TransientIOError.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *errkind.Error
	if errors.As(err, &classified) {
		return err
	}

	retryable, errType := IsRetryableError(err)
	switch {
	case retryable:
		return errkind.Transient(op, err)
	case errType == "row_not_found" || errType == "key_not_found" || errType == "file_not_found":
		return errkind.NotFound(op, err)
	case errType == "json_decode_error":
		return errkind.Validation(op, err)
	case errType == "context_canceled":
		return err
	default:
		return &errkind.Error{Kind: errkind.KindUnknown, Op: op, Err: err}
	}
}

// ShouldRetry checks if an error should be retried based on retry count
func ShouldRetry(retryCount int64, maxRetries int64, isRetryable bool) bool {
	if !isRetryable {
		return false
	}
	return retryCount <= maxRetries
}
