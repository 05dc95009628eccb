package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nllm/tokend/internal/metrics"
	"github.com/nllm/tokend/internal/model"
)

const (
	maxEndpointLen    = 512
	maxClientAgentLen = 512
	maxSourceLen      = 64
)

// UsageStore persists the side effects of a successful validation.
type UsageStore interface {
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	AppendUsage(ctx context.Context, u *model.UsageRecord) error
}

// UsageConfig tunes the UsageRecorder.
type UsageConfig struct {
	// Workers is the number of background writers. Zero writes inline.
	Workers      int
	QueueSize    int
	RetryBackoff time.Duration
	WriteTimeout time.Duration
}

// DefaultUsageConfig returns the production defaults.
func DefaultUsageConfig() UsageConfig {
	return UsageConfig{
		Workers:      2,
		QueueSize:    1024,
		RetryBackoff: 100 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
}

// UsageRecorder updates last-used times and appends usage records off the
// request path. Failures never affect the authentication decision; an
// append is retried once and then logged and counted.
type UsageRecorder struct {
	store   UsageStore
	cfg     UsageConfig
	metrics *metrics.Metrics
	logger  zerolog.Logger

	queue chan usageJob
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	pmu      sync.Mutex
	idle     *sync.Cond
	inflight int
}

type usageJob struct {
	credentialID string
	at           time.Time
	use          Usage
}

// NewUsageRecorder starts cfg.Workers background writers.
func NewUsageRecorder(st UsageStore, cfg UsageConfig, m *metrics.Metrics, logger zerolog.Logger) *UsageRecorder {
	if m == nil {
		m = metrics.New(nil)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultUsageConfig().QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultUsageConfig().WriteTimeout
	}
	r := &UsageRecorder{
		store:   st,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
	r.idle = sync.NewCond(&r.pmu)

	if cfg.Workers > 0 {
		r.queue = make(chan usageJob, cfg.QueueSize)
		for i := 0; i < cfg.Workers; i++ {
			r.wg.Add(1)
			go r.worker()
		}
	}
	return r
}

// Record schedules the usage side effects for one successful validation.
func (r *UsageRecorder) Record(credentialID string, at time.Time, use Usage) {
	job := usageJob{credentialID: credentialID, at: at, use: use}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.queue == nil || r.closed {
		r.write(job)
		return
	}

	r.begin()
	select {
	case r.queue <- job:
	default:
		r.done()
		r.metrics.UsageDropped.Inc()
		r.logger.Error().Str("credential_id", credentialID).Str("endpoint", use.Endpoint).
			Msg("usage queue full, record dropped")
	}
}

func (r *UsageRecorder) worker() {
	defer r.wg.Done()
	for job := range r.queue {
		r.write(job)
		r.done()
	}
}

func (r *UsageRecorder) write(job usageJob) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()

	if err := r.store.TouchLastUsed(ctx, job.credentialID, job.at); err != nil {
		r.logger.Warn().Err(err).Str("credential_id", job.credentialID).Msg("update last used failed")
	}

	rec := &model.UsageRecord{
		ID:            uuid.Must(uuid.NewV7()).String(),
		CredentialID:  job.credentialID,
		Endpoint:      truncate(job.use.Endpoint, maxEndpointLen),
		SourceAddress: truncate(job.use.SourceAddress, maxSourceLen),
		ClientAgent:   truncate(job.use.ClientAgent, maxClientAgentLen),
		OccurredAt:    job.at,
	}
	err := r.store.AppendUsage(ctx, rec)
	if err == nil {
		return
	}

	r.logger.Warn().Err(err).Str("credential_id", job.credentialID).Msg("append usage failed, retrying")
	if r.cfg.RetryBackoff > 0 {
		select {
		case <-time.After(r.cfg.RetryBackoff):
		case <-ctx.Done():
		}
	}
	if err = r.store.AppendUsage(ctx, rec); err != nil {
		r.metrics.UsageWriteFailures.Inc()
		r.logger.Error().Err(err).
			Str("credential_id", job.credentialID).
			Str("endpoint", rec.Endpoint).
			Time("occurred_at", job.at).
			Msg("usage record lost after retry")
	}
}

func (r *UsageRecorder) begin() {
	r.pmu.Lock()
	r.inflight++
	r.pmu.Unlock()
}

func (r *UsageRecorder) done() {
	r.pmu.Lock()
	r.inflight--
	if r.inflight == 0 {
		r.idle.Broadcast()
	}
	r.pmu.Unlock()
}

// Flush blocks until every queued record has been written or ctx ends.
func (r *UsageRecorder) Flush(ctx context.Context) error {
	// Wake the waiter below when ctx ends so it never outlives the call.
	stop := context.AfterFunc(ctx, func() {
		r.pmu.Lock()
		r.idle.Broadcast()
		r.pmu.Unlock()
	})
	defer stop()

	r.pmu.Lock()
	defer r.pmu.Unlock()
	for r.inflight > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.idle.Wait()
	}
	return nil
}

// Close drains the queue and stops the workers. Records arriving after
// Close are written inline.
func (r *UsageRecorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.queue != nil {
		close(r.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
