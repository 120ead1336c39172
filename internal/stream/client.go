package stream

import (
	"context"
	"errors"
	"io"

	"github.com/banshee-data/worldmodel/internal/worldmodel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client talks to a WorldModel gRPC service.
type Client struct {
	conn  *grpc.ClientConn
	owned bool
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMsgSize)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, owned: true}, nil
}

// NewClient wraps an existing connection. Close leaves it open.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection if Dial created it.
func (c *Client) Close() error {
	if !c.owned {
		return nil
	}
	return c.conn.Close()
}

// GetObjectModel fetches the current snapshot.
func (c *Client) GetObjectModel(ctx context.Context) ([]worldmodel.Object, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, getObjectModelMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	u, err := fromStruct(out)
	if err != nil {
		return nil, err
	}
	return u.Objects, nil
}

// GetObject fetches one object. A missing object yields an error wrapping
// worldmodel.ErrUnknownObject.
func (c *Client) GetObject(ctx context.Context, objectID string) (worldmodel.Object, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, getObjectMethod, wrapperspb.String(objectID), out); err != nil {
		if status.Code(err) == codes.NotFound {
			return worldmodel.Object{}, errors.Join(worldmodel.ErrUnknownObject, err)
		}
		return worldmodel.Object{}, err
	}
	u, err := fromStruct(out)
	if err != nil {
		return worldmodel.Object{}, err
	}
	if u.Object == nil {
		return worldmodel.Object{}, errors.New("response carries no object")
	}
	return *u.Object, nil
}

// StreamUpdates calls fn for every update until ctx ends, the server closes
// the stream or fn returns an error.
func (c *Client) StreamUpdates(ctx context.Context, fn func(Update) error) error {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], streamUpdatesMethod)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		u, err := fromStruct(msg)
		if err != nil {
			return err
		}
		if err := fn(u); err != nil {
			return err
		}
	}
}
