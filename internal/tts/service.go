package tts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	requestTimeout    = 45 * time.Second
	defaultChunkBytes = 16 * 1024
)

// Service answers synthesis requests published on the bus.
type Service struct {
	cfg      config.SpeechConfig
	bus      *bus.Client
	client   *Client
	store    *eventstore.Store
	defaults Request
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func NewService(parent context.Context, cfg config.SpeechConfig, busClient *bus.Client, client *Client, store *eventstore.Store, log *slog.Logger) (*Service, error) {
	defaults, err := RequestDefaults(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		client:   client,
		store:    store,
		defaults: defaults,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "tts-service")),
	}, nil
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTTSRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	synthReq, err := FromMessage(s.defaults, req)
	if err != nil {
		s.logger.Warn("rejected tts request", slog.String("request_id", req.RequestID), slogError(err))
		s.publishStatus(req, 0, err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		defer cancel()

		if err := s.store.RecordRequest(ctx, eventstore.Request{
			ID:         req.RequestID,
			Source:     "bus",
			Locale:     synthReq.Locale,
			Voice:      synthReq.VoiceName,
			Format:     synthReq.Format.Header(),
			TextLength: len(synthReq.Text),
		}); err != nil {
			s.logger.Warn("failed to record tts request", slogError(err))
		}

		<-s.client.Speak(ctx, synthReq, ObserverFuncs{
			OnAudio: func(audio io.ReadCloser) {
				defer audio.Close()
				s.stream(ctx, req, synthReq.Format, audio)
			},
			OnError: func(err error) {
				s.fail(ctx, req, err)
			},
		})
	}()
}

// stream republishes audio as fixed-size chunks. The last chunk is marked
// Final, even when the audio is empty.
func (s *Service) stream(ctx context.Context, req protocol.TTSRequest, format OutputFormat, audio io.Reader) {
	size := s.cfg.ChunkBytes
	if size <= 0 {
		size = defaultChunkBytes
	}
	buf := make([]byte, size)
	pending := []byte{}
	sequence := 0
	var total int64
	for {
		n, err := io.ReadFull(audio, buf)
		if n > 0 {
			if total > 0 {
				s.publishChunk(req, format, sequence, pending, false)
				sequence++
			}
			pending = append(pending[:0:0], buf[:n]...)
			total += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			s.fail(ctx, req, err)
			return
		}
	}
	s.publishChunk(req, format, sequence, pending, true)
	s.publishStatus(req, total, nil)

	if err := s.store.CompleteRequest(context.WithoutCancel(ctx), req.RequestID, total); err != nil {
		s.logger.Warn("failed to record tts completion", slogError(err))
	}
	s.logger.Debug("tts request completed",
		slog.String("request_id", req.RequestID),
		slog.Int64("audio_bytes", total),
		slog.Int("chunks", sequence+1))
}

func (s *Service) fail(ctx context.Context, req protocol.TTSRequest, err error) {
	s.logger.Warn("tts synthesis error", slog.String("request_id", req.RequestID), slogError(err))
	status := statusCode(err)
	s.publishStatus(req, 0, err)
	if storeErr := s.store.FailRequest(context.WithoutCancel(ctx), req.RequestID, status, err); storeErr != nil {
		s.logger.Warn("failed to record tts failure", slogError(storeErr))
	}
}

func (s *Service) publishChunk(req protocol.TTSRequest, format OutputFormat, sequence int, audio []byte, final bool) {
	packet := protocol.AudioChunk{
		RequestID:  req.RequestID,
		Target:     req.Target,
		Format:     format.Header(),
		SampleRate: format.SampleRate(),
		Sequence:   sequence,
		Audio:      audio,
		Final:      final,
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSAudio, packet); err != nil {
		s.logger.Warn("failed to publish tts chunk", slogError(err))
	}
}

func (s *Service) publishStatus(req protocol.TTSRequest, audioBytes int64, cause error) {
	status := protocol.TTSStatus{
		RequestID:  req.RequestID,
		Target:     req.Target,
		Completed:  cause == nil,
		AudioBytes: audioBytes,
		Timestamp:  time.Now().UTC(),
	}
	if cause != nil {
		status.Error = cause.Error()
		status.StatusCode = statusCode(cause)
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSDone, status); err != nil {
		s.logger.Warn("failed to publish tts status", slogError(err))
	}
}

func statusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
