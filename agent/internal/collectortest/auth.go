package collectortest

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// APIKeyHeader is the metadata key carrying the api key.
const APIKeyHeader = "api_key"

func checkKey(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get(APIKeyHeader)
	if len(vals) == 0 || vals[0] != key {
		return status.Error(codes.Unauthenticated, "invalid api key")
	}
	return nil
}

// APIKeyUnary rejects unary calls whose api_key header does not match key.
// An empty key allows everything.
func APIKeyUnary(key string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := checkKey(ctx, key); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// APIKeyStream is the streaming counterpart of APIKeyUnary.
func APIKeyStream(key string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := checkKey(ss.Context(), key); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}
