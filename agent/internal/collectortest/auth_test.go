package collectortest

import (
	"context"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// passHandler is a grpc.UnaryHandler that returns ("ok", nil).
func passHandler(ctx context.Context, req any) (any, error) {
	return "ok", nil
}

func TestAPIKeyUnary(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		md       metadata.MD
		wantCode codes.Code
	}{
		{"no key configured", "", nil, codes.OK},
		{"correct key", "secret", metadata.Pairs(APIKeyHeader, "secret"), codes.OK},
		{"wrong key", "secret", metadata.Pairs(APIKeyHeader, "nope"), codes.Unauthenticated},
		{"missing header", "secret", metadata.MD{}, codes.Unauthenticated},
		{"no metadata", "secret", nil, codes.Unauthenticated},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			if tc.md != nil {
				ctx = metadata.NewIncomingContext(ctx, tc.md)
			}
			res, err := APIKeyUnary(tc.key)(ctx, nil, &grpc.UnaryServerInfo{}, passHandler)
			if code := status.Code(err); code != tc.wantCode {
				t.Fatalf("code: got %v, want %v", code, tc.wantCode)
			}
			if tc.wantCode == codes.OK && res != "ok" {
				t.Errorf("result: got %v, want ok", res)
			}
		})
	}
}
