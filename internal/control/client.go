package control

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/predictive-relay/core"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls LinkControl over any gRPC connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial opens a plaintext connection to target. The caller closes the
// returned connection.
func Dial(target string, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(RequestIDUnaryClientInterceptor()),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("dial control %s: %w", target, err)
	}
	return NewClient(conn), conn, nil
}

// GetPolicy returns the active policy and its epoch.
func (c *Client) GetPolicy(ctx context.Context, opts ...grpc.CallOption) (core.DelayPolicy, uint64, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "GetPolicy", &emptypb.Empty{}, out, opts...); err != nil {
		return core.DelayPolicy{}, 0, err
	}
	return PolicyFromStruct(out)
}

// Configure sends a partial update and returns the effective policy.
func (c *Client) Configure(ctx context.Context, patch PolicyPatch, opts ...grpc.CallOption) (core.DelayPolicy, uint64, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Configure", patch.Struct(), out, opts...); err != nil {
		return core.DelayPolicy{}, 0, err
	}
	return PolicyFromStruct(out)
}

// GetStats returns the raw statistics message.
func (c *Client) GetStats(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "GetStats", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ResetStats zeroes the relay's counters.
func (c *Client) ResetStats(ctx context.Context, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "ResetStats", &emptypb.Empty{}, &emptypb.Empty{}, opts...)
}

// GetPublicKeys fetches the relay's published verification keys.
func (c *Client) GetPublicKeys(ctx context.Context, opts ...grpc.CallOption) (PublicKeys, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "GetPublicKeys", &emptypb.Empty{}, out, opts...); err != nil {
		return PublicKeys{}, err
	}
	return PublicKeysFromStruct(out)
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, fullMethod(method), in, out, opts...)
}
