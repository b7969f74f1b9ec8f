package grpcserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"skyplate/internal/config"
	"skyplate/internal/errors"
	"skyplate/internal/fsutil"
	"skyplate/internal/pipeline"
	"skyplate/internal/source"
)

const maxUploadBytes = 1 << 30

// Server solves frames submitted by remote agents through the local pipeline.
type Server struct {
	cfg       *config.Config
	pipeline  pipeline.Client
	log       *slog.Logger
	uploadDir string
	newID     func() string
}

// NewServer creates a Server storing uploads under cfg.Server.UploadDir.
func NewServer(cfg *config.Config, pipe pipeline.Client, log *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		pipeline:  pipe,
		log:       log,
		uploadDir: cfg.Server.UploadDir,
		newID:     uuid.NewString,
	}
}

// Serve serves on lis until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	g := grpc.NewServer()
	RegisterSolverServer(g, s)

	go func() {
		<-ctx.Done()
		g.GracefulStop()
	}()

	s.log.Info("grpc server starting", "addr", lis.Addr().String())
	if err := g.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// ListenAndServe listens on cfg.Server.GRPCAddr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Server.GRPCAddr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.Server.GRPCAddr)
	}
	return s.Serve(ctx, lis)
}

// Solve implements SolverServer.
func (s *Server) Solve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	path, _ := fields["path"].(string)
	if path == "" {
		return nil, status.Error(codes.InvalidArgument, "path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, status.Errorf(codes.NotFound, "frame %s: %v", path, err)
	}

	options := map[string]any{}
	for _, key := range []string{"ra", "dec", "scale"} {
		if v, ok := fields[key].(float64); ok {
			options[key] = v
		}
	}
	for _, key := range []string{"profile", "timeout"} {
		if v, ok := fields[key].(string); ok && v != "" {
			options[key] = v
		}
	}
	output, _ := fields["output"].(string)
	if output == "" {
		output = fsutil.SolutionPath(path)
	}

	return s.run(ctx, pipeline.Job{
		ID:        s.newID(),
		Type:      pipeline.JobSolve,
		InputPath: path,
		Output:    output,
		Options:   options,
	})
}

// Upload implements SolverServer.
func (s *Server) Upload(stream UploadStream) error {
	ctx := stream.Context()
	md, _ := metadata.FromIncomingContext(ctx)

	name := filepath.Base(first(md, MetaFilename))
	if name == "." || name == "/" || name == "" {
		return status.Error(codes.InvalidArgument, "filename metadata is required")
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !supported(ext) {
		return status.Errorf(codes.InvalidArgument, "unsupported image format %q", ext)
	}
	options, err := metadataOptions(md)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return status.Errorf(codes.Internal, "create upload dir: %v", err)
	}
	id := s.newID()
	path := filepath.Join(s.uploadDir, id+"_"+name)

	start := time.Now()
	received, sum, err := receive(stream, path)
	if err != nil {
		os.Remove(path)
		return err
	}
	if want := first(md, MetaSHA256); want != "" && !strings.EqualFold(want, sum) {
		os.Remove(path)
		return status.Error(codes.DataLoss, "checksum verification failed")
	}
	s.log.Info("upload completed", "file", name, "bytes", received, "duration", time.Since(start))

	res, err := s.run(ctx, pipeline.Job{
		ID:        id,
		Type:      pipeline.JobSolve,
		InputPath: path,
		Output:    fsutil.SolutionPath(path),
		Options:   options,
	})
	if err != nil {
		return err
	}
	return stream.SendAndClose(res)
}

func receive(stream UploadStream, path string) (int64, string, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, "", status.Errorf(codes.Internal, "create upload file: %v", err)
	}
	defer file.Close()

	hash := sha256.New()
	var received int64
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, "", status.Errorf(codes.Internal, "receive upload data: %v", err)
		}
		received += int64(len(chunk.GetValue()))
		if received > maxUploadBytes {
			return 0, "", status.Error(codes.ResourceExhausted, "upload too large")
		}
		if _, err := file.Write(chunk.GetValue()); err != nil {
			return 0, "", status.Errorf(codes.Internal, "write chunk: %v", err)
		}
		hash.Write(chunk.GetValue())
	}
	if received == 0 {
		return 0, "", status.Error(codes.InvalidArgument, "empty upload")
	}
	if err := file.Close(); err != nil {
		return 0, "", status.Errorf(codes.Internal, "close upload file: %v", err)
	}
	return received, hex.EncodeToString(hash.Sum(nil)), nil
}

// run submits job, waits for it and converts the result. Unsolved frames are
// reported in the response, not as RPC errors.
func (s *Server) run(ctx context.Context, job pipeline.Job) (*structpb.Struct, error) {
	res, err := pipeline.SubmitAndWait(ctx, s.pipeline, job)
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrQueueFull):
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return nil, status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return nil, status.Error(codes.Canceled, err.Error())
	default:
		return nil, status.Error(codes.Internal, err.Error())
	}

	m, err := res.View().Map()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return out, nil
}

func metadataOptions(md metadata.MD) (map[string]any, error) {
	options := map[string]any{}
	for key, meta := range map[string]string{"ra": MetaRA, "dec": MetaDec, "scale": MetaScale} {
		raw := first(md, meta)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, errors.Newf("invalid %s %q", key, raw)
		}
		options[key] = v
	}
	if p := first(md, MetaProfile); p != "" {
		options["profile"] = p
	}
	if t := first(md, MetaTimeout); t != "" {
		if _, err := time.ParseDuration(t); err != nil {
			return nil, errors.Newf("invalid timeout %q", t)
		}
		options["timeout"] = t
	}
	return options, nil
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

func supported(ext string) bool {
	for _, f := range source.Formats() {
		if f == ext {
			return true
		}
	}
	return false
}
