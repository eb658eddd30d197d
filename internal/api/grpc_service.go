package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"runtime"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// messageCodec frames Message as JSON, so the control stream shares the
// websocket wire format and needs no generated protobuf code.
type messageCodec struct{}

func (messageCodec) Name() string { return "whonext-json" }

func (messageCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (messageCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func init() {
	encoding.RegisterCodec(messageCodec{})
}

// ControlStream is the server side of one bidirectional control stream.
type ControlStream interface {
	Send(*Message) error
	Recv() (*Message, error)
	Context() context.Context
}

type controlStream struct {
	grpc.ServerStream
}

func (cs controlStream) Send(m *Message) error { return cs.SendMsg(m) }

func (cs controlStream) Recv() (*Message, error) {
	var m Message
	if err := cs.RecvMsg(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

const controlStreamMethod = "/whonext.Control/Stream"

// controlService is the descriptor protoc would generate for
//
//	service Control { rpc Stream(stream Message) returns (stream Message); }
var controlService = grpc.ServiceDesc{
	ServiceName: "whonext.Control",
	HandlerType: (*interface{ Stream(ControlStream) error })(nil),
	Streams: []grpc.StreamDesc{{
		StreamName: "Stream",
		Handler: func(srv any, stream grpc.ServerStream) error {
			return srv.(*Server).Stream(controlStream{stream})
		},
		ServerStreams: true,
		ClientStreams: true,
	}},
}

// Stream serves one gRPC control client until it disconnects.
func (s *Server) Stream(stream ControlStream) error {
	c := newClient("grpc", s.log)
	s.addClient(c)
	defer s.removeClient(c)

	ctx := stream.Context()
	sendErr := make(chan error, 1)
	go func() {
		sendErr <- c.pump(ctx, func(m Message) error { return stream.Send(&m) })
	}()

	for {
		msg, err := stream.Recv()
		if err != nil {
			c.close()
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		}
		s.dispatch(ctx, c, *msg)

		select {
		case err := <-sendErr:
			return err
		default:
		}
	}
}

// serveGRPC runs the control stream on addr until ctx ends.
func (s *Server) serveGRPC(ctx context.Context, addr string) error {
	lis, err := listenControl(addr)
	if err != nil {
		return err
	}

	server := grpc.NewServer(
		grpc.Creds(insecure.NewCredentials()),
		grpc.ForceServerCodec(messageCodec{}),
	)
	server.RegisterService(&controlService, s)

	go func() {
		<-ctx.Done()
		server.GracefulStop()
	}()

	s.log.WithField("addr", addr).Info("gRPC control listening")
	return server.Serve(lis)
}

// listenControl accepts "unix:/path", "npipe:\\.\pipe\name" or a TCP
// host:port.
func listenControl(addr string) (net.Listener, error) {
	switch {
	case strings.HasPrefix(addr, "unix:"):
		return listenLocal(strings.TrimPrefix(addr, "unix:"))
	case strings.HasPrefix(addr, "npipe:"):
		if runtime.GOOS != "windows" {
			return nil, fmt.Errorf("control address %s: named pipes need Windows", addr)
		}
		return listenLocal(strings.TrimPrefix(addr, "npipe:"))
	default:
		return net.Listen("tcp", addr)
	}
}

// removeStale deletes a socket left behind by a previous run.
func removeStale(path string) error {
	if path == "" {
		return errors.New("control socket path is empty")
	}
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
