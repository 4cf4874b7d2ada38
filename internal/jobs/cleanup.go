package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fireside/connect-client-go/internal/store"
	"github.com/fireside/connect-client-go/internal/util"
)

// SweepJob periodically drops the persisted session record once it has
// expired, so a later restore never even sees a dead session.
type SweepJob struct {
	store    store.SessionStore
	interval time.Duration
	done     chan struct{}
}

func NewSweepJob(sessionStore store.SessionStore, interval time.Duration) *SweepJob {
	return &SweepJob{
		store:    sessionStore,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (j *SweepJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("session sweep started")
}

func (j *SweepJob) Stop() {
	close(j.done)
	log.Info().Msg("session sweep stopped")
}

func (j *SweepJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.Sweep()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep runs one pass. Exposed so a boot sequence can sweep eagerly.
func (j *SweepJob) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rec, err := j.store.Load(ctx)
	if err != nil {
		log.Error().Err(err).Msg("sweep: session record unreadable")
		return
	}
	if rec == nil || !rec.Expired(time.Now()) {
		return
	}

	if err := j.store.Clear(ctx); err != nil {
		log.Error().Err(err).Msg("sweep: clear expired session record")
		return
	}
	log.Info().
		Str("topic", util.MaskTopic(rec.Topic)).
		Time("expiry", rec.Expiry).
		Msg("expired session record swept")
}
