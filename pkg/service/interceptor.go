package service

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// LoggingInterceptor puts a per-call logger in the context and logs each call's outcome.
func LoggingInterceptor(log logr.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		log := log.WithValues("method", info.FullMethod)
		ctx = klog.NewContext(ctx, log)

		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			log.Error(err, "call failed", "code", status.Code(err), "duration", time.Since(start))
		} else {
			log.V(2).Info("call complete", "duration", time.Since(start))
		}
		return resp, err
	}
}
