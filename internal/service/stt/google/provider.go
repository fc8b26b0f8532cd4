// Package google provides a Google Cloud Speech-to-Text streaming provider.
package google

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"live-transcript-relay/internal/models"
	"live-transcript-relay/internal/observability/logging"
	"live-transcript-relay/internal/observability/metrics"
	"live-transcript-relay/internal/service/segment"
	"live-transcript-relay/internal/service/stt"
)

const providerName = "google"

// eventBuffer is the capacity of a session's event channel.
const eventBuffer = 64

// DefaultConfig returns the default recognition settings.
func DefaultConfig() stt.Config {
	return stt.Config{
		LanguageCode:   "en-US",
		SampleRateHz:   16000,
		Encoding:       "LINEAR16",
		InterimResults: true,
	}
}

// recognizeStream is the subset of speechpb.Speech_StreamingRecognizeClient
// used by a session.
type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

// Provider opens streaming sessions on one shared speech client.
// Requires GOOGLE_APPLICATION_CREDENTIALS to be set.
type Provider struct {
	client *speech.Client
}

// NewProvider creates the shared speech client.
func NewProvider(ctx context.Context) (*Provider, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &Provider{client: c}, nil
}

func (p *Provider) Name() string { return providerName }

// Open starts a StreamingRecognize call and sends the streaming config as
// the first message. The stream lives on its own context so it outlives ctx;
// ctx only bounds the open.
func (p *Provider) Open(ctx context.Context, cfg stt.Config) (stt.Session, error) {
	streamCtx, cancel := context.WithCancel(context.Background())

	stream, err := p.client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", stt.ErrConnect, err)
	}
	if err := stream.Send(configRequest(cfg)); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: send config: %v", stt.ErrConnect, err)
	}
	if err := ctx.Err(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", stt.ErrConnect, err)
	}

	return newSession(streamCtx, cancel, stream, cfg), nil
}

// Close releases the shared client.
func (p *Provider) Close() error {
	return p.client.Close()
}

func configRequest(cfg stt.Config) *speechpb.StreamingRecognizeRequest {
	rc := &speechpb.RecognitionConfig{
		Encoding:                   parseAudioEncoding(cfg.Encoding),
		SampleRateHertz:            int32(cfg.SampleRateHz),
		LanguageCode:               cfg.LanguageCode,
		Model:                      cfg.Model,
		EnableWordTimeOffsets:      true,
		EnableAutomaticPunctuation: true,
	}
	if len(cfg.PhraseHints) > 0 {
		rc.SpeechContexts = []*speechpb.SpeechContext{{Phrases: cfg.PhraseHints}}
	}
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         rc,
				InterimResults: cfg.InterimResults,
			},
		},
	}
}

// parseAudioEncoding converts a string encoding name to the Google enum.
// Unknown names fall back to LINEAR16.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// session is one StreamingRecognize call.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream recognizeStream
	events chan stt.Event
	log    zerolog.Logger

	// mu serialises Send against CloseSend.
	mu      sync.Mutex
	closed  bool
	sendErr error

	// Only touched by the receive goroutine.
	lifecycle    *segment.Lifecycle
	nextID       func() string
	segmentStart time.Duration
}

func newSession(ctx context.Context, cancel context.CancelFunc, stream recognizeStream, cfg stt.Config) *session {
	nextID := cfg.NextSegmentID
	if nextID == nil {
		gen := segment.New()
		nextID = func() string { return gen.Next(providerName) }
	}
	s := &session{
		ctx:       ctx,
		cancel:    cancel,
		stream:    stream,
		events:    make(chan stt.Event, eventBuffer),
		log:       logging.WithComponent("stt-google"),
		lifecycle: segment.NewLifecycle(nextID()),
		nextID:    nextID,
	}
	go s.receive()
	return s
}

func (s *session) Events() <-chan stt.Event { return s.events }

// SendAudio forwards one chunk. A failed Send aborts the gRPC stream and the
// cause is reported by the receive goroutine.
func (s *session) SendAudio(_ context.Context, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ctx.Err() != nil {
		return stt.ErrSessionClosed
	}
	err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
	// io.EOF means the server ended the stream; Recv returns the status.
	if err != nil && err != io.EOF {
		s.sendErr = err
		s.cancel()
	}
	return nil
}

// Close half-closes the stream. Results already in flight are still delivered.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.stream.CloseSend()
}

// Dispose cancels the stream; the receive goroutine then closes Events.
func (s *session) Dispose() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

func (s *session) receive() {
	defer close(s.events)
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if cause := s.takeSendErr(); cause != nil {
				s.fail(cause)
				return
			}
			if err == io.EOF || s.ctx.Err() != nil {
				return
			}
			s.fail(err)
			return
		}
		if st := resp.GetError(); st != nil && st.GetCode() != int32(codes.OK) {
			s.fail(status.ErrorProto(st))
			continue
		}
		for _, r := range resp.GetResults() {
			if res, ok := s.convert(r); ok {
				s.emit(stt.Transcript(res))
			}
		}
	}
}

// convert maps one Google result onto the current segment, rotating the
// segment id after a final.
func (s *session) convert(r *speechpb.StreamingRecognitionResult) (stt.Result, bool) {
	if len(r.GetAlternatives()) == 0 {
		return stt.Result{}, false
	}
	alt := r.GetAlternatives()[0]
	end := asDuration(r.GetResultEndTime())

	res := stt.Result{
		SegmentID:  s.lifecycle.SegmentId(),
		Text:       alt.GetTranscript(),
		Confidence: float64(alt.GetConfidence()),
		IsFinal:    r.GetIsFinal(),
		Words:      convertWords(alt.GetWords()),
	}
	start := s.segmentStart
	if len(res.Words) > 0 {
		start = time.Duration(res.Words[0].StartOffsetMs) * time.Millisecond
	}
	res.StartOffset = start
	if end > start {
		res.Duration = end - start
	}

	if res.IsFinal {
		if err := s.lifecycle.EmitFinal(); err != nil {
			s.log.Warn().Err(err).Str("segmentId", res.SegmentID).Msg("Unexpected final")
		}
		s.lifecycle.Reset(s.nextID())
		s.segmentStart = end
	}
	return res, true
}

func convertWords(in []*speechpb.WordInfo) []models.Word {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.Word, 0, len(in))
	for _, w := range in {
		out = append(out, models.Word{
			Text:          w.GetWord(),
			StartOffsetMs: asDuration(w.GetStartTime()).Milliseconds(),
			EndOffsetMs:   asDuration(w.GetEndTime()).Milliseconds(),
			Confidence:    float64(w.GetConfidence()),
		})
	}
	return out
}

func asDuration(d *durationpb.Duration) time.Duration {
	if d == nil {
		return 0
	}
	return d.AsDuration()
}

func (s *session) fail(err error) {
	kind := errorType(err)
	metrics.DefaultMetrics.RecordSTTError(providerName, kind)
	s.log.Error().Err(err).Str("errorType", kind).Msg("Upstream speech stream failed")
	s.emit(stt.Failure(err))
}

func (s *session) takeSendErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.sendErr
	s.sendErr = nil
	return err
}

// emit is only called from the receive goroutine. It blocks until the reader
// takes the event or the stream is cancelled; a cancelled stream still gets
// its event if there is room in the buffer.
func (s *session) emit(ev stt.Event) {
	select {
	case s.events <- ev:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// errorType classifies a gRPC failure for metrics.
func errorType(err error) string {
	switch status.Code(err) {
	case codes.Unavailable:
		return "unavailable"
	case codes.DeadlineExceeded:
		return "deadline"
	case codes.ResourceExhausted:
		return "quota"
	case codes.InvalidArgument:
		return "invalid_argument"
	case codes.Unauthenticated, codes.PermissionDenied:
		return "auth"
	case codes.Canceled:
		return "canceled"
	default:
		return "stream"
	}
}
