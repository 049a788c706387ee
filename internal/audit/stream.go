// Package audit records every risk assessment: events are queued
// in-process, flushed in batches to the relational store, and mirrored to
// a Kafka topic for downstream consumers. Writes never block the decision
// path; when the queue backs up, events are dropped with a counter rather
// than stalling a request.
package audit

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/talefront/aegis/internal/risk"
)

// Event is one persisted assessment record.
type Event struct {
	ID           uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	AssessmentID uuid.UUID `json:"assessment_id" gorm:"type:uuid;index"`
	UserID       string    `json:"user_id" gorm:"index;not null"`
	SessionID    string    `json:"session_id" gorm:"index"`
	Action       string    `json:"action" gorm:"not null;index"`
	RiskLevel    string    `json:"risk_level" gorm:"not null;index"`
	OverallScore float64   `json:"overall_score" gorm:"not null"`
	Signals      string    `json:"signals" gorm:"type:jsonb"`
	Flags        string    `json:"flags" gorm:"type:jsonb"`
	ElapsedMs    float64   `json:"elapsed_ms"`
	CreatedAt    time.Time `json:"created_at" gorm:"not null;index"`
}

// TableName keeps the table name stable across gorm naming strategies.
func (Event) TableName() string { return "audit_events" }

// Store persists event batches.
type Store interface {
	SaveAuditEvents(ctx context.Context, events []*Event) error
}

// Publisher mirrors events to the message bus. *kafka.Writer satisfies it.
type Publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Config bounds the stream's buffering.
type Config struct {
	QueueSize     int           `mapstructure:"queue_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	FlushTimeout  time.Duration `mapstructure:"flush_timeout"`
}

// DefaultConfig returns the production buffering parameters.
func DefaultConfig() Config {
	return Config{
		QueueSize:     2048,
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		FlushTimeout:  10 * time.Second,
	}
}

// Stream implements risk.Auditor. One background goroutine drains the
// queue and flushes on size or interval.
type Stream struct {
	store     Store
	publisher Publisher
	cfg       Config
	logger    *zap.Logger

	queue   chan *Event
	done    chan struct{}
	stopped chan struct{}
	dropped atomic.Int64
}

// NewStream starts the background flusher. Publisher may be nil when no
// bus is configured.
func NewStream(store Store, publisher Publisher, cfg Config, logger *zap.Logger) *Stream {
	def := DefaultConfig()
	if cfg.QueueSize == 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.FlushTimeout == 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	s := &Stream{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		queue:     make(chan *Event, cfg.QueueSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Record queues one assessment. Never blocks: a full queue drops the event
// and increments the drop counter.
func (s *Stream) Record(assessment *risk.Assessment) {
	ev := fromAssessment(assessment)
	select {
	case s.queue <- ev:
	default:
		n := s.dropped.Add(1)
		if n%100 == 1 {
			s.logger.Warn("audit queue full, dropping events", zap.Int64("dropped", n))
		}
	}
}

// Dropped reports how many events have been discarded since start.
func (s *Stream) Dropped() int64 { return s.dropped.Load() }

// Close flushes whatever is buffered and stops the worker.
func (s *Stream) Close() {
	close(s.done)
	<-s.stopped
}

func (s *Stream) run() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, s.cfg.BatchSize)
	for {
		select {
		case ev := <-s.queue:
			batch = append(batch, ev)
			if len(batch) >= s.cfg.BatchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.done:
			// Drain anything still queued before the final flush.
			for {
				select {
				case ev := <-s.queue:
					batch = append(batch, ev)
				default:
					if len(batch) > 0 {
						s.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (s *Stream) flush(batch []*Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
	defer cancel()

	if err := s.store.SaveAuditEvents(ctx, batch); err != nil {
		s.logger.Error("audit flush failed", zap.Int("batch", len(batch)), zap.Error(err))
	} else {
		s.logger.Debug("audit batch flushed", zap.Int("batch", len(batch)))
	}

	if s.publisher == nil {
		return
	}
	msgs := make([]kafka.Message, 0, len(batch))
	for _, ev := range batch {
		body, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		msgs = append(msgs, kafka.Message{Key: []byte(ev.UserID), Value: body})
	}
	if err := s.publisher.WriteMessages(ctx, msgs...); err != nil {
		// Bus mirroring is best-effort; the relational row is the record.
		s.logger.Warn("audit publish failed", zap.Int("batch", len(msgs)), zap.Error(err))
	}
}

func fromAssessment(a *risk.Assessment) *Event {
	signals, _ := json.Marshal(a.Signals)
	flags, _ := json.Marshal(a.Flags)
	return &Event{
		ID:           uuid.New(),
		AssessmentID: a.ID,
		UserID:       a.UserID,
		SessionID:    a.SessionID,
		Action:       a.Action.String(),
		RiskLevel:    a.Level.String(),
		OverallScore: a.OverallScore,
		Signals:      string(signals),
		Flags:        string(flags),
		ElapsedMs:    float64(a.Elapsed) / float64(time.Millisecond),
		CreatedAt:    a.CreatedAt,
	}
}
