package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MqtUA/ollamaverse/internal/domain"
)

// UpdateKind tags a stream increment with its channel.
type UpdateKind int

const (
	// UpdateText is a user-visible answer increment.
	UpdateText UpdateKind = iota
	// UpdateThinking is a thinking side-channel increment.
	UpdateThinking
)

// StreamUpdate is one ordered increment delivered to the session consumer.
type StreamUpdate struct {
	Kind UpdateKind
	Text string
}

// StreamResult is the terminal outcome of a session. Content and Thinking
// hold whatever accumulated before the terminal transition; a partial answer
// is preserved on cancellation and error alike.
type StreamResult struct {
	Content  string
	Thinking string
	Context  []int
	Phase    domain.SessionPhase
	Err      error
}

// Session is one in-flight generation. Exactly one exists at a time; it is
// destroyed on completion, cancellation, or error.
type Session struct {
	id             string
	conversationID string

	cancel    context.CancelFunc
	cancelled atomic.Bool

	updates chan StreamUpdate
	done    chan struct{}

	mu       sync.Mutex
	phase    domain.SessionPhase
	content  strings.Builder
	thinking strings.Builder
	finalCtx []int
	err      error
}

// ID returns the session handle identifier.
func (s *Session) ID() string { return s.id }

// ConversationID returns the conversation this session generates into.
func (s *Session) ConversationID() string { return s.conversationID }

// Updates returns the ordered increment stream. The channel is unbuffered
// and closed on terminal transition; consumers must drain it. Increments
// are recorded into the session buffers only once delivered, so the final
// buffer equals exactly the concatenation of observed increments.
func (s *Session) Updates() <-chan StreamUpdate { return s.updates }

// Done is closed when the session reaches a terminal phase.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel requests cancellation. It is idempotent: cancelling an already
// finished or already cancelled session is a no-op. Cancellation takes
// effect between chunks; no increments are emitted after it is observed.
func (s *Session) Cancel() {
	if s.cancelled.CompareAndSwap(false, true) {
		s.cancel()
	}
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() domain.SessionPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Result returns the terminal outcome. Valid once Done is closed.
func (s *Session) Result() StreamResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StreamResult{
		Content:  s.content.String(),
		Thinking: s.thinking.String(),
		Context:  s.finalCtx,
		Phase:    s.phase,
		Err:      s.err,
	}
}

func (s *Session) setPhase(p domain.SessionPhase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// StartRequest carries everything a session needs to run.
type StartRequest struct {
	ConversationID string
	Model          string
	// Messages is the full prompt history including the new user turn and
	// any attached file context.
	Messages []domain.Message
	// Options is the resolved backend parameter map.
	Options map[string]any
	// Context is the continuation blob from the prior turn, if any.
	Context []int
	// Stream selects live streaming; false collapses the turn to a single
	// round trip with the identical session contract.
	Stream bool
}

// StreamingService runs one generation session at a time against the
// backend, separating the thinking side-channel from user-visible text as
// increments arrive.
type StreamingService struct {
	backend     domain.ChatBackend
	recovery    *RecoveryService
	logger      *slog.Logger
	idleTimeout time.Duration

	mu     sync.Mutex
	active *Session
}

// NewStreamingService creates a streaming service. idleTimeout bounds how
// long a live stream may go without data before it is treated as failed.
func NewStreamingService(backend domain.ChatBackend, recovery *RecoveryService, idleTimeout time.Duration, logger *slog.Logger) *StreamingService {
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	return &StreamingService{
		backend:     backend,
		recovery:    recovery,
		logger:      logger,
		idleTimeout: idleTimeout,
	}
}

// Active returns the in-flight session, or nil.
func (ss *StreamingService) Active() *Session {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.active != nil && ss.active.Phase().Terminal() {
		return nil
	}
	return ss.active
}

// Start begins a generation session. Starting while another session is in
// flight is rejected with ErrSessionActive.
func (ss *StreamingService) Start(ctx context.Context, req StartRequest) (*Session, error) {
	ss.mu.Lock()
	if ss.active != nil && !ss.active.Phase().Terminal() {
		ss.mu.Unlock()
		return nil, domain.ErrSessionActive
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:             uuid.NewString(),
		conversationID: req.ConversationID,
		cancel:         cancel,
		updates:        make(chan StreamUpdate),
		done:           make(chan struct{}),
		phase:          domain.PhaseSending,
	}
	ss.active = s
	ss.mu.Unlock()

	ss.logger.Debug("session started",
		"session", s.id, "conversation", req.ConversationID, "stream", req.Stream)

	go ss.run(sessCtx, s, req)
	return s, nil
}

func (ss *StreamingService) run(ctx context.Context, s *Session, req StartRequest) {
	if req.Stream {
		ss.runStreaming(ctx, s, req)
		return
	}
	ss.runSingleShot(ctx, s, req)
}

func (ss *StreamingService) runStreaming(ctx context.Context, s *Session, req StartRequest) {
	ch, err := ss.backend.ChatStream(ctx, domain.ChatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Options:  req.Options,
		Context:  req.Context,
		Stream:   true,
	})
	if err != nil {
		ss.finish(s, domain.PhaseErrored, err)
		return
	}

	splitter := &thinkSplitter{}
	idle := time.NewTimer(ss.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			ss.finishInterrupted(ctx, s)
			return

		case <-idle.C:
			err := fmt.Errorf("no data received for %s: %w", ss.idleTimeout, domain.ErrTimeout)
			s.cancel() // stop the underlying transport read
			ss.finish(s, domain.PhaseErrored, err)
			return

		case delta, ok := <-ch:
			// Cancellation takes priority over any delta racing it: once the
			// session context is down, nothing further is emitted.
			if ctx.Err() != nil {
				ss.finishInterrupted(ctx, s)
				return
			}
			if !ok {
				if !ss.emitSegments(ctx, s, splitter.flush()) {
					ss.finishInterrupted(ctx, s)
					return
				}
				s.setPhase(domain.PhaseFinishing)
				ss.finish(s, domain.PhaseCompleted, nil)
				return
			}
			if delta.Err != nil {
				ss.finish(s, domain.PhaseErrored, delta.Err)
				return
			}

			idle.Reset(ss.idleTimeout)

			// Some models carry thinking natively on the delta; others embed
			// it in the content stream behind delimiters. Both feed the same
			// ordered channels.
			if delta.Thinking != "" {
				if !ss.emitSegments(ctx, s, []segment{{text: delta.Thinking, thinking: true}}) {
					ss.finishInterrupted(ctx, s)
					return
				}
			}
			if !ss.emitSegments(ctx, s, splitter.feed(delta.Content)) {
				ss.finishInterrupted(ctx, s)
				return
			}

			if delta.Done {
				if !ss.emitSegments(ctx, s, splitter.flush()) {
					ss.finishInterrupted(ctx, s)
					return
				}
				if len(delta.Context) > 0 {
					s.mu.Lock()
					s.finalCtx = delta.Context
					s.mu.Unlock()
				}
				s.setPhase(domain.PhaseFinishing)
				ss.finish(s, domain.PhaseCompleted, nil)
				return
			}
		}
	}
}

func (ss *StreamingService) runSingleShot(ctx context.Context, s *Session, req StartRequest) {
	type chatResult struct {
		resp *domain.ChatResponse
		err  error
	}
	resultCh := make(chan chatResult, 1)
	go func() {
		resp, err := ss.backend.Chat(ctx, domain.ChatRequest{
			Model:    req.Model,
			Messages: req.Messages,
			Options:  req.Options,
			Context:  req.Context,
		})
		resultCh <- chatResult{resp, err}
	}()

	select {
	case <-ctx.Done():
		ss.finishInterrupted(ctx, s)
		return
	case res := <-resultCh:
		if res.err != nil {
			ss.finish(s, domain.PhaseErrored, res.err)
			return
		}

		splitter := &thinkSplitter{}
		segs := splitter.feed(res.resp.Message.Content)
		segs = append(segs, splitter.flush()...)
		if res.resp.Message.Thinking != "" {
			segs = append([]segment{{text: res.resp.Message.Thinking, thinking: true}}, segs...)
		}
		if !ss.emitSegments(ctx, s, segs) {
			ss.finishInterrupted(ctx, s)
			return
		}
		if len(res.resp.Context) > 0 {
			s.mu.Lock()
			s.finalCtx = res.resp.Context
			s.mu.Unlock()
		}
		s.setPhase(domain.PhaseFinishing)
		ss.finish(s, domain.PhaseCompleted, nil)
	}
}

// emitSegments delivers segments in order, recording each into the session
// buffers only after the consumer has received it. Returns false when the
// session context was cancelled before delivery completed.
func (ss *StreamingService) emitSegments(ctx context.Context, s *Session, segs []segment) bool {
	for _, seg := range segs {
		if seg.text == "" {
			continue
		}

		upd := StreamUpdate{Kind: UpdateText, Text: seg.text}
		if seg.thinking {
			upd.Kind = UpdateThinking
			s.setPhase(domain.PhaseThinking)
		} else {
			s.setPhase(domain.PhaseStreaming)
		}

		select {
		case s.updates <- upd:
			s.mu.Lock()
			if seg.thinking {
				s.thinking.WriteString(seg.text)
			} else {
				s.content.WriteString(seg.text)
			}
			s.mu.Unlock()
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// finishInterrupted resolves a context interruption to cancelled or errored.
func (ss *StreamingService) finishInterrupted(ctx context.Context, s *Session) {
	if s.cancelled.Load() {
		ss.finish(s, domain.PhaseCancelled, nil)
		return
	}
	ss.finish(s, domain.PhaseErrored, ctx.Err())
}

// finish performs the single terminal transition: records the outcome,
// reports errors to recovery exactly once, and releases the session.
func (ss *StreamingService) finish(s *Session, phase domain.SessionPhase, err error) {
	s.mu.Lock()
	if s.phase.Terminal() {
		s.mu.Unlock()
		return
	}
	s.phase = phase
	s.err = err
	s.mu.Unlock()

	if err != nil {
		// Report with a detached context: the session context is typically
		// already cancelled by the time an error terminates the stream.
		rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
		ss.recovery.HandleServiceError(rctx, SubsystemStreaming, "generate", err, nil)
		rcancel()
	}

	s.cancel()
	close(s.updates)
	close(s.done)

	ss.mu.Lock()
	if ss.active == s {
		ss.active = nil
	}
	ss.mu.Unlock()

	ss.logger.Debug("session finished",
		"session", s.id, "phase", string(phase), "error", err)
}
