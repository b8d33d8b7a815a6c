// Package pipeline turns inbound messages into AI replies: history append,
// reply generation and send, on a bounded pool of workers.
package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/wabot/internal/domain"
	"github.com/ashureev/wabot/internal/session"
	"github.com/ashureev/wabot/internal/stats"
	"github.com/ashureev/wabot/internal/store"
)

const (
	defaultWorkers      = 4
	defaultQueueSize    = 100
	defaultHistoryLimit = 8
	defaultMaxTextLen   = 2000
	processTimeout      = 2 * time.Minute
	closeTimeout        = 5 * time.Second
	slowMessage         = 10 * time.Second
)

// Sender delivers a reply. *session.Manager implements it.
type Sender interface {
	Send(ctx context.Context, to, text string) (session.SendResult, error)
}

// Replier produces a reply for a message. *ai.Replier implements it.
type Replier interface {
	Reply(ctx context.Context, from, text string, history []domain.Turn) string
}

// Config sizes the pipeline.
type Config struct {
	Workers      int
	QueueSize    int // per worker
	HistoryLimit int
	MaxTextLen   int
}

// Pipeline processes inbound messages asynchronously. Each chat is pinned to
// one worker, so a chat's messages are handled one at a time and in arrival
// order. Enqueue never blocks; when the chat's queue is full the message is
// dropped.
type Pipeline struct {
	cfg     Config
	history store.HistoryRepository
	replier Replier
	sender  Sender
	stats   *stats.Collector
	logger  *slog.Logger

	queues    []chan session.InboundMessage
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a pipeline and starts its workers. stats may be nil.
func New(cfg Config, history store.HistoryRepository, replier Replier, sender Sender, collector *stats.Collector, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.MaxTextLen <= 0 {
		cfg.MaxTextLen = defaultMaxTextLen
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:     cfg,
		history: history,
		replier: replier,
		sender:  sender,
		stats:   collector,
		logger:  logger,
		queues:  make([]chan session.InboundMessage, cfg.Workers),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range p.queues {
		p.queues[i] = make(chan session.InboundMessage, cfg.QueueSize)
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.Info("Message pipeline started", "workers", cfg.Workers, "queue_size", cfg.QueueSize)
	return p
}

// Enqueue queues msg for processing. It reports false when the message was
// dropped.
func (p *Pipeline) Enqueue(msg session.InboundMessage) bool {
	if p.ctx.Err() != nil {
		return false
	}

	queue := p.queues[p.shard(msg.From)]
	select {
	case queue <- msg:
		p.logger.Debug("Message queued", "from", msg.From, "queue_len", len(queue))
		return true
	default:
		p.logger.Warn("Message queue full, dropping message", "from", msg.From, "queue_len", len(queue))
		if p.stats != nil {
			p.stats.RecordDrop()
		}
		return false
	}
}

// ClearHistory deletes the stored conversation for a phone number or address.
func (p *Pipeline) ClearHistory(ctx context.Context, number string) (int64, error) {
	jid := domain.NumberToJID(number)
	if jid == "" {
		return 0, fmt.Errorf("invalid phone number %q", number)
	}
	return p.history.ClearHistory(ctx, jid)
}

// shard maps a chat to the worker that owns it.
func (p *Pipeline) shard(chat string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(chat))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Pipeline) worker(id int) {
	defer p.wg.Done()
	queue := p.queues[id]

	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-queue:
			start := time.Now()
			p.process(msg)
			if d := time.Since(start); d > slowMessage {
				p.logger.Warn("Slow message processing", "worker", id, "from", msg.From, "duration_ms", d.Milliseconds())
			}
		}
	}
}

// process handles one message. Failures are logged and never propagate.
func (p *Pipeline) process(msg session.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic while processing message", "from", msg.From, "panic", r)
		}
	}()

	if p.stats != nil {
		p.stats.RecordMessage(msg.From, msg.Kind)
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		p.logger.Info("Ignoring message without text", "from", msg.From, "kind", msg.Kind)
		return
	}
	p.logger.Info("Message received", "from", msg.From, "id", msg.ID, "chars", len(text))

	ctx, cancel := context.WithTimeout(p.ctx, processTimeout)
	defer cancel()

	user := domain.NewTurn(msg.From, domain.RoleUser, text, p.cfg.MaxTextLen)
	if err := p.history.AppendTurn(ctx, user); err != nil {
		p.logger.Error("Failed to store user turn", "from", msg.From, "error", err)
		return
	}

	window, err := p.history.RecentTurns(ctx, msg.From, p.cfg.HistoryLimit)
	if err != nil {
		p.logger.Error("Failed to load history", "from", msg.From, "error", err)
		return
	}
	window = withoutCurrent(window, user)
	p.logger.Debug("History loaded", "from", msg.From, "turns", len(window))

	reply := p.replier.Reply(ctx, msg.From, user.Text, window)
	if p.stats != nil {
		p.stats.RecordReply(msg.From)
	}

	if err := p.history.AppendTurn(ctx, domain.NewTurn(msg.From, domain.RoleAssistant, reply, p.cfg.MaxTextLen)); err != nil {
		p.logger.Warn("Failed to store assistant turn", "from", msg.From, "error", err)
	}

	res, err := p.sender.Send(ctx, msg.From, reply)
	if err != nil {
		p.logger.Error("Failed to send reply", "to", msg.From, "error", err)
		return
	}
	p.logger.Info("Reply sent", "to", msg.From, "message_id", res.MessageID)
}

// withoutCurrent drops the just-stored user turn from the end of the window
// so the prompt does not repeat it.
func withoutCurrent(window []domain.Turn, current domain.Turn) []domain.Turn {
	if n := len(window); n > 0 {
		last := window[n-1]
		if last.Role == current.Role && last.Text == current.Text {
			return window[:n-1]
		}
	}
	return window
}

// Close stops the workers. Queued messages that have not started are
// discarded.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		remaining := 0
		for _, q := range p.queues {
			remaining += len(q)
		}
		p.logger.Info("Closing message pipeline", "queue_remaining", remaining)
		p.cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Message pipeline stopped")
		case <-time.After(closeTimeout):
			p.logger.Warn("Message pipeline shutdown timeout")
		}
	})
	return nil
}
