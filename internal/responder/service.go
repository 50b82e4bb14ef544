package responder

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ashureev/shopchat/internal/chat"
	"github.com/ashureev/shopchat/internal/domain"
)

// Router is the part of chat.Router the service drives.
type Router interface {
	Handle(ctx context.Context, origin chat.Conn, sessionID string, ev chat.Event) (*chat.Result, error)
	OnCommit(l chat.Listener)
}

// Transcripts supplies context for a reply.
type Transcripts interface {
	GetStore(ctx context.Context, storeID string) (*domain.Store, error)
	ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error)
}

// ServiceConfig sizes the reply worker pool.
type ServiceConfig struct {
	Workers      int
	QueueSize    int
	Timeout      time.Duration
	HistoryLimit int
}

// DefaultServiceConfig returns default pool settings.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Workers:      4,
		QueueSize:    100,
		Timeout:      20 * time.Second,
		HistoryLimit: 10,
	}
}

type job struct {
	sessionID string
	storeID   string
	text      string
}

// Service answers customer messages of sessions the responder is authoritative for.
// Replies are fed back through the router, which supersedes them if a human has
// taken over in the meantime.
type Service struct {
	router      Router
	producer    Producer
	transcripts Transcripts
	catalog     Catalog
	cfg         ServiceConfig
	logger      *slog.Logger

	jobs     chan job
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates a reply service. transcripts and catalog may be nil.
func NewService(router Router, producer Producer, transcripts Transcripts, catalog Catalog, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultServiceConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	return &Service{
		router:      router,
		producer:    producer,
		transcripts: transcripts,
		catalog:     catalog,
		cfg:         cfg,
		logger:      logger,
		jobs:        make(chan job, cfg.QueueSize),
		done:        make(chan struct{}),
	}
}

// Start subscribes to committed customer messages and starts the workers.
func (s *Service) Start(ctx context.Context) {
	s.router.OnCommit(s.observe)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.work(ctx)
	}
	s.logger.Info("Responder service started", "workers", s.cfg.Workers, "queue", s.cfg.QueueSize)
}

// Stop waits for in-flight replies to finish. Queued messages are dropped.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Service) observe(c chat.Committed) {
	msg, ok := c.Event.(chat.CustomerMessage)
	if !ok || c.Session.Status != domain.StatusActive || !c.Session.AIHandled {
		return
	}
	j := job{sessionID: c.Session.ID, storeID: c.Session.StoreID, text: msg.Text}

	select {
	case <-s.done:
	case s.jobs <- j:
	default:
		s.logger.Warn("Responder queue full, reply skipped", "session_id", j.sessionID)
	}
}

func (s *Service) work(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case j := <-s.jobs:
			s.reply(ctx, j)
		}
	}
}

func (s *Service) reply(ctx context.Context, j job) {
	r := s.generate(ctx, j)

	ev := chat.AIReply{
		Text:       truncate(r.Text, chat.MaxMessageLength),
		Intent:     r.Intent,
		Confidence: r.Confidence,
		SentAt:     time.Now(),
	}
	if r.NeedsAgent && ev.Intent != IntentAgentRequest {
		ev.Intent = IntentAgentRequest
	}
	if len(r.Products) > 0 {
		if raw, err := json.Marshal(r.Products); err == nil {
			ev.Products = raw
		}
	}

	res, err := s.router.Handle(ctx, nil, j.sessionID, ev)
	switch {
	case err == nil && res.Superseded:
		s.logger.Info("Automated reply arrived after handoff", "session_id", j.sessionID)
	case err != nil && chat.CodeOf(err) == chat.CodeSessionClosed:
		s.logger.Debug("Session closed before reply", "session_id", j.sessionID)
	case err != nil:
		s.logger.Warn("Failed to deliver automated reply", "session_id", j.sessionID, "error", err)
	}
}

func (s *Service) generate(ctx context.Context, j job) *Reply {
	if WantsAgent(j.text) {
		return HandoffReply()
	}

	req := Request{SessionID: j.sessionID, StoreID: j.storeID, Text: j.text}
	s.loadContext(ctx, &req)

	gctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	r, err := s.producer.Generate(gctx, req)
	if err != nil || r == nil || r.Text == "" {
		s.logger.Warn("Responder failed, falling back to apology", "session_id", j.sessionID, "error", err)
		return ApologyReply()
	}

	if r.Intent == "" {
		r.Intent = ClassifyIntent(j.text)
	}
	if r.Confidence == nil {
		r.Confidence = confidence(Confidence(r.Text))
	}
	if len(r.Products) == 0 {
		r.Products = req.Products
	}
	return r
}

// loadContext fills in store name, recent transcript and catalog matches.
// Missing context degrades the reply but never blocks it.
func (s *Service) loadContext(ctx context.Context, req *Request) {
	if s.transcripts != nil {
		if st, err := s.transcripts.GetStore(ctx, req.StoreID); err == nil && st != nil {
			req.StoreName = st.ShopName
		}
		msgs, err := s.transcripts.ListMessages(ctx, req.SessionID)
		if err != nil {
			s.logger.Debug("Transcript unavailable for reply context", "session_id", req.SessionID, "error", err)
		}
		if len(msgs) > s.cfg.HistoryLimit {
			msgs = msgs[len(msgs)-s.cfg.HistoryLimit:]
		}
		for _, m := range msgs {
			if m.Superseded {
				continue
			}
			req.History = append(req.History, Turn{Sender: string(m.Sender), Text: m.Text})
		}
	}
	if s.catalog != nil {
		products, err := s.catalog.Search(ctx, req.StoreID, req.Text)
		if err != nil {
			s.logger.Debug("Catalog search failed", "store_id", req.StoreID, "error", err)
		}
		req.Products = products
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
