package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type historyExpirer interface {
	SweepExpired(ctx context.Context, maxAge time.Duration) (int, error)
}

// HistorySweeper periodically deletes expired conversation records. It
// shares nothing with request handling except the store itself.
type HistorySweeper struct {
	repo     historyExpirer
	maxAge   time.Duration
	stopChan chan struct{}
	done     chan struct{}
	started  bool
}

func NewHistorySweeper(repo historyExpirer, maxAge time.Duration) *HistorySweeper {
	return &HistorySweeper{
		repo:     repo,
		maxAge:   maxAge,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *HistorySweeper) Start() {
	if s.started {
		return
	}
	s.started = true
	go s.loop()
	log.Info().Dur("interval", s.maxAge).Msg("history sweeper started")
}

// Stop ends the loop and waits for an in-flight sweep to finish. Safe to call
// more than once.
func (s *HistorySweeper) Stop() {
	if !s.started {
		return
	}
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	<-s.done
}

func (s *HistorySweeper) loop() {
	defer close(s.done)

	// Run on startup as well as by interval.
	s.sweep()

	ticker := time.NewTicker(s.maxAge)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *HistorySweeper) sweep() {
	removed, err := s.repo.SweepExpired(context.Background(), s.maxAge)
	if err != nil {
		log.Error().Err(err).Msg("history sweep failed")
		return
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("expired histories deleted")
	}
}
