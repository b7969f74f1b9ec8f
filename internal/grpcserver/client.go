package grpcserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"skyplate/internal/astro"
	"skyplate/internal/errors"
)

// SolveOptions carries per-frame overrides sent with a request.
type SolveOptions struct {
	Hints   astro.HeaderHints
	Profile string
	Timeout string
}

// Client calls a remote skyplate.v1.Solver.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security unless opts say otherwise.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", addr)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Solve asks the server to solve a frame at path on the server's filesystem.
func (c *Client) Solve(ctx context.Context, path string, opts SolveOptions) (*structpb.Struct, error) {
	fields := map[string]any{"path": path}
	if h := opts.Hints; h.RA != nil {
		fields["ra"] = *h.RA
	}
	if h := opts.Hints; h.Dec != nil {
		fields["dec"] = *h.Dec
	}
	if h := opts.Hints; h.Scale != nil {
		fields["scale"] = *h.Scale
	}
	if opts.Profile != "" {
		fields["profile"] = opts.Profile
	}
	if opts.Timeout != "" {
		fields["timeout"] = opts.Timeout
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, solveMethod, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Upload streams the local file at path to the server and waits for its solve.
func (c *Client) Upload(ctx context.Context, path string, opts SolveOptions) (*structpb.Struct, error) {
	sum, err := fileSHA256(path)
	if err != nil {
		return nil, err
	}

	md := metadata.Pairs(MetaFilename, filepath.Base(path), MetaSHA256, sum)
	if h := opts.Hints; h.RA != nil {
		md.Set(MetaRA, strconv.FormatFloat(*h.RA, 'f', -1, 64))
	}
	if h := opts.Hints; h.Dec != nil {
		md.Set(MetaDec, strconv.FormatFloat(*h.Dec, 'f', -1, 64))
	}
	if h := opts.Hints; h.Scale != nil {
		md.Set(MetaScale, strconv.FormatFloat(*h.Scale, 'f', -1, 64))
	}
	if opts.Profile != "" {
		md.Set(MetaProfile, opts.Profile)
	}
	if opts.Timeout != "" {
		md.Set(MetaTimeout, opts.Timeout)
	}
	ctx = metadata.NewOutgoingContext(ctx, md)

	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], uploadMethod)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, uploadChunkLen)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if err := stream.SendMsg(wrapperspb.Bytes(buf[:n])); err != nil {
				if err == io.EOF {
					// The server ended the call; RecvMsg below reports why.
					break
				}
				return nil, err
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	out := new(structpb.Struct)
	if err := stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
