package rcache

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/tevino/abool/v2"
)

const sweepLimit = 2000

// Sweeper removes expired blobs and soft deletes their rows on a schedule.
type Sweeper struct {
	store     *Store
	dir       string
	logger    *slog.Logger
	running   *abool.AtomicBool
	scheduler gocron.Scheduler
}

func NewSweeper(store *Store, dir string, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, dir: dir, logger: logger, running: abool.NewBool(false)}
}

// Sweep removes up to sweepLimit entries expired at now and returns how
// many were removed. A sweep already in progress makes it return 0.
func (s *Sweeper) Sweep(now time.Time) (int, error) {
	if !s.running.SetToIf(false, true) {
		return 0, nil
	}
	defer s.running.UnSet()

	expired, err := s.store.FindExpiredWithLimit(now, sweepLimit)
	if err != nil {
		return 0, err
	}
	var cleaned []int64
	for _, entry := range expired {
		ok := true
		for _, kind := range []string{blobObject, blobDepRecord} {
			err := os.Remove(BlobPath(s.dir, entry.Key, kind))
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("remove blob", "key", entry.Key, "kind", kind, "err", err)
				ok = false
			}
		}
		if ok {
			cleaned = append(cleaned, entry.ID)
		}
	}
	if err := s.store.MarkDeleted(cleaned); err != nil {
		return 0, err
	}
	if len(cleaned) > 0 {
		s.logger.Info("swept expired entries", "count", len(cleaned))
	}
	return len(cleaned), nil
}

// Start runs Sweep every interval until Stop.
func (s *Sweeper) Start(interval time.Duration) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if _, err := s.Sweep(time.Now()); err != nil {
				s.logger.Error("sweep", "err", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return err
	}
	s.scheduler = scheduler
	scheduler.Start()
	return nil
}

func (s *Sweeper) Stop() error {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Shutdown()
}
