package middleware

import (
	"time"

	"go.uber.org/zap"

	"mini-ops/ops"
	"mini-ops/pending"
)

// Logging logs every invoke with its operation name, completion path, and
// dispatch latency. For deferred calls the latency covers the submission
// only, not the later completion.
func Logging(logger *zap.Logger, names *ops.Registry) Middleware {
	return func(next Invoker) Invoker {
		return func(op ops.Code, arg int, payload []byte) (int32, *pending.Call, error) {
			start := time.Now()
			result, call, err := next(op, arg, payload)

			fields := []zap.Field{
				zap.String("op", opName(names, op)),
				zap.String("path", pathOf(call)),
				zap.Duration("duration", time.Since(start)),
			}
			switch {
			case err != nil:
				logger.Error("invoke failed", append(fields, zap.Error(err))...)
			case call != nil:
				logger.Info("invoke deferred", fields...)
			default:
				logger.Info("invoke answered", append(fields, zap.Int32("result", result))...)
			}
			return result, call, err
		}
	}
}
