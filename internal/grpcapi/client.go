package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/types"
)

// VerifierClient calls soteria.v1.Verifier on an existing connection.
type VerifierClient struct {
	cc grpc.ClientConnInterface
}

func NewVerifierClient(cc grpc.ClientConnInterface) *VerifierClient {
	return &VerifierClient{cc: cc}
}

// VerifyAccess sends req and returns the raw Struct response.
func (c *VerifierClient) VerifyAccess(ctx context.Context, req types.VerifyRequest, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, VerifyAccessMethod, req.ToStruct(), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
