package notify

import (
	"context"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "postbot/pkg/logx"
)

type job struct {
	text string
	// dedupKey is computed at enqueue time for cheap per-worker processing.
	dedupKey string
}

// Service implements the async notification pipeline.
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log  logx.Logger
	sink Sink

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// In-memory dedup cache: key -> suppress until.
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sink Sink, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, sink: sink, dedup: map[string]time.Time{}}
	s.cfg = withDefaults(cfg)
	s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec)
	return s
}

func withDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	return cfg
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accepting || !s.cfg.Enabled {
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.accepting = true
	for i := 0; i < s.cfg.Workers; i++ {
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			s.workerLoop()
		}()
	}
}

func (s *Service) Stop() {
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	q := s.queue
	cancel := s.runCancel
	s.queue = nil
	s.runCancel = nil
	s.mu.Unlock()

	// Wait for in-flight Notify calls before closing the queue.
	s.sendWG.Wait()
	if q != nil {
		close(q)
	}
	s.workerWG.Wait()
	if cancel != nil {
		cancel()
	}
}

// Notify enqueues n for delivery. Fire-and-forget: a full queue drops the
// notification (returning ErrQueueFull for visibility), it never blocks.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	dedupWindow := s.cfg.DedupWindow
	dedupMax := s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	text := render(n)
	key := dedupKey(n)
	if dedupWindow > 0 && !s.dedupAllow(key, dedupWindow, dedupMax) {
		s.log.Debug("notification deduped", logx.String("key", key))
		return nil
	}

	select {
	case q <- job{text: text, dedupKey: key}:
		return nil
	default:
		s.log.Debug("notification dropped", logx.String("key", key))
		return ErrQueueFull
	}
}

// Snapshot returns recent successfully delivered notifications.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) workerLoop() {
	s.mu.Lock()
	q := s.queue
	runCtx := s.runCtx
	s.mu.Unlock()
	if q == nil {
		return
	}

	for j := range q {
		select {
		case <-runCtx.Done():
			return
		default:
		}
		s.sendWithRetry(runCtx, j)
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	if s.sink == nil || j.text == "" {
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}

		// Bound per-send call; keep it tight to avoid hanging workers.
		callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		err := s.sink.Send(callCtx, j.text)
		cancel()
		if err == nil {
			s.appendHistory(j.text)
			return
		}
		s.log.Debug("notify send failed", logx.Any("err", err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			return
		}
		delay := cfg.RetryBase * time.Duration(attempt)
		if delay > cfg.RetryMaxDelay {
			delay = cfg.RetryMaxDelay
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-runCtx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}
}

func (s *Service) appendHistory(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	if len(s.dedup) >= maxEntries {
		for k, until := range s.dedup {
			if now.After(until) {
				delete(s.dedup, k)
			}
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

func render(n Notification) string {
	prefix := ""
	switch n.Severity {
	case SeverityError:
		prefix = "🚨 "
	case SeverityWarn:
		prefix = "⚠️ "
	default:
		prefix = "ℹ️ "
	}
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(n.Title)
	if n.Body != "" {
		b.WriteString("\n")
		b.WriteString(n.Body)
	}
	return b.String()
}

func dedupKey(n Notification) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(n.Title))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(n.Body))
	_, _ = h.Write([]byte{0, byte(n.Severity)})
	return strconv.FormatUint(h.Sum64(), 16)
}
