package audit

/*
AgentFS: асинхронный экспорт записей аудита из Hot Path шлюза во внешние системы
(RabbitMQ для биллинга и аналитики). Источник истины остается Store, экспорт best-effort.

- Non-blocking: Log не ждет брокер, при переполнении буфера запись сбрасывается с ошибкой в лог.
- Batching: запись пачками по таймеру или при достижении размера пачки.
- Drain Pattern: Stop закрывает канал, воркер вычитывает остаток и делает финальный flush.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manav2701/Aperture/internal/domain"
	"go.uber.org/zap"
)

// Sink определяет, куда физически уходят записи
type Sink interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, records []domain.PaymentRecord) error
}

// AgentFSConfig: размеры буфера и пачки.
type AgentFSConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

type AgentFS struct {
	ch     chan domain.PaymentRecord // Буфер для асинхронности
	sink   Sink
	cfg    AgentFSConfig
	logger *zap.Logger
	wg     sync.WaitGroup

	// Защита от Log после Stop
	isClosed int32 // Атомарный флаг (0 - открыт, 1 - закрыт)
	mu       sync.RWMutex
	dropped  atomic.Int64

	onDepth func(int) // метрика глубины буфера, может быть nil
}

func NewAgentFS(sink Sink, cfg AgentFSConfig, logger *zap.Logger) *AgentFS {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	return &AgentFS{
		ch:     make(chan domain.PaymentRecord, cfg.BufferSize),
		sink:   sink,
		cfg:    cfg,
		logger: logger.With(zap.String("mod", "agentfs")),
	}
}

// OnDepth регистрирует колбэк для метрики заполненности буфера (вызывается из воркера).
func (fs *AgentFS) OnDepth(fn func(int)) {
	fs.onDepth = fn
}

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (fs *AgentFS) Stop() {
	// Эксклюзивная блокировка: ни один Log не находится между проверкой флага и отправкой
	fs.mu.Lock()
	if !atomic.CompareAndSwapInt32(&fs.isClosed, 0, 1) {
		fs.mu.Unlock()
		return
	}
	fs.logger.Info("stopping exporter: closing channel and flushing buffer...")
	close(fs.ch)
	fs.mu.Unlock()

	fs.wg.Wait() // Ждем, пока воркер вычитает остатки и вызовет flush()
	fs.logger.Info("exporter stopped gracefully", zap.Int64("dropped", fs.dropped.Load()))
}

// Log реализует audit.Exporter.
func (fs *AgentFS) Log(rec domain.PaymentRecord) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if atomic.LoadInt32(&fs.isClosed) == 1 {
		fs.logger.Warn("payment record dropped: exporter is stopping", zap.String("id", rec.ID))
		return
	}

	// Load Shedding: при переполнении не блокируем Hot Path
	select {
	case fs.ch <- rec:
	default:
		fs.dropped.Add(1)
		fs.logger.Error("audit_buffer_overflow",
			zap.String("agent_id", rec.AgentID),
			zap.String("record_id", rec.ID),
		)
	}
}

// Dropped: сколько записей сброшено из-за переполнения.
func (fs *AgentFS) Dropped() int64 {
	return fs.dropped.Load()
}

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]domain.PaymentRecord, 0, fs.cfg.BatchSize)
	ticker := time.NewTicker(fs.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if fs.onDepth != nil {
			fs.onDepth(len(fs.ch))
		}
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст может быть уже закрыт
		if err := fs.sink.WriteBatch(context.Background(), batch); err != nil {
			fs.logger.Error("export flush failed", zap.Int("batch", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-fs.ch:
			if !ok {
				// Канал закрыт в Stop(): всё из очереди уже вычитано
				flush()
				fs.logger.Info("export worker finished")
				return
			}
			batch = append(batch, rec)
			if len(batch) >= fs.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
