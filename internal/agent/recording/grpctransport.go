package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// TranscribeMethod is the bidirectional streaming method. Requests are
// google.protobuf.BytesValue audio chunks; responses are google.protobuf.Struct
// with "text" and "final" fields.
const TranscribeMethod = "/agentphone.transcribe.v1.Transcriber/Stream"

var transcribeStreamDesc = &grpc.StreamDesc{
	StreamName:    "Stream",
	ClientStreams: true,
	ServerStreams: true,
}

// GRPCConfig holds transcription client settings.
type GRPCConfig struct {
	Address           string
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
}

// GRPCTranscriber opens transcription streams over one client connection.
type GRPCTranscriber struct {
	conn *grpc.ClientConn
}

// NewGRPCTranscriber connects to a transcription service.
func NewGRPCTranscriber(cfg GRPCConfig) (*GRPCTranscriber, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 30 * time.Second
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = 10 * time.Second
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveInterval,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to transcription service at %s: %w", cfg.Address, err)
	}
	slog.Info("[Recording] Connected to transcription service", "address", cfg.Address)
	return &GRPCTranscriber{conn: conn}, nil
}

// NewGRPCTranscriberFromConn wraps an existing connection.
func NewGRPCTranscriberFromConn(conn *grpc.ClientConn) *GRPCTranscriber {
	return &GRPCTranscriber{conn: conn}
}

// Close releases the client connection.
func (t *GRPCTranscriber) Close() error {
	return t.conn.Close()
}

// Open implements Transcriber.
func (t *GRPCTranscriber) Open(ctx context.Context, ch ChannelName, sampleRate int) (Stream, error) {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sctx = metadata.AppendToOutgoingContext(sctx,
		"x-channel", string(ch),
		"x-sample-rate", strconv.Itoa(sampleRate),
		"x-encoding", "pcm_s16le",
	)
	cs, err := t.conn.NewStream(sctx, transcribeStreamDesc, TranscribeMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open transcription stream: %w", err)
	}
	s := &grpcStream{
		cs:          cs,
		cancel:      cancel,
		transcripts: make(chan Transcript, 32),
	}
	go s.recvLoop()
	return s, nil
}

type grpcStream struct {
	cs          grpc.ClientStream
	cancel      context.CancelFunc
	transcripts chan Transcript
	closed      atomic.Bool
	sendMu      sync.Mutex

	errMu sync.Mutex
	err   error
}

func (s *grpcStream) recvLoop() {
	defer close(s.transcripts)
	for {
		msg := &structpb.Struct{}
		if err := s.cs.RecvMsg(msg); err != nil {
			if !s.closed.Load() {
				s.errMu.Lock()
				s.err = err
				s.errMu.Unlock()
			}
			return
		}
		fields := msg.GetFields()
		s.transcripts <- Transcript{
			Text:  fields["text"].GetStringValue(),
			Final: fields["final"].GetBoolValue(),
			At:    time.Now(),
		}
	}
}

func (s *grpcStream) SendAudio(pcm []byte) error {
	if s.closed.Load() {
		return errors.New("stream closed")
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.cs.SendMsg(wrapperspb.Bytes(pcm))
}

func (s *grpcStream) Transcripts() <-chan Transcript { return s.transcripts }

func (s *grpcStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *grpcStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.sendMu.Lock()
	err := s.cs.CloseSend()
	s.sendMu.Unlock()
	s.cancel()
	return err
}
