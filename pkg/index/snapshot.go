package index

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/heartline/heartline/pkg/logger"
	"github.com/heartline/heartline/pkg/metrics"
)

// ScheduleParser accepts standard 5-field expressions, an optional leading
// seconds field and descriptors such as "@every 5m".
var ScheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Snapshotter periodically saves a VectorIndex. It implements cron.Job and
// skips the write when nothing changed since the last save.
type Snapshotter struct {
	index   *VectorIndex
	path    string
	logger  logger.Logger
	metrics *metrics.Manager

	mu    sync.Mutex
	saved uint64
}

// NewSnapshotter creates a Snapshotter writing idx to path.
func NewSnapshotter(idx *VectorIndex, path string, l logger.Logger, m *metrics.Manager) *Snapshotter {
	return &Snapshotter{index: idx, path: path, logger: logger.Named(l, "index"), metrics: m}
}

// Restore loads the snapshot if one exists. A missing file is not an error.
func (s *Snapshotter) Restore() error {
	err := s.index.Load(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		s.metrics.RecordIndexOperation("restore", "error")
		return err
	}
	s.mu.Lock()
	s.saved = s.index.Version()
	s.mu.Unlock()
	s.metrics.RecordIndexOperation("restore", "ok")
	s.metrics.SetIndexSize(s.index.Len())
	s.logger.Info("index snapshot restored", "path", s.path, "vectors", s.index.Len())
	return nil
}

// Save writes a snapshot if the index changed since the last one.
func (s *Snapshotter) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := s.index.Version()
	if version == s.saved {
		return nil
	}
	if err := s.index.Save(s.path); err != nil {
		s.metrics.RecordIndexOperation("snapshot", "error")
		return err
	}
	s.saved = version
	s.metrics.RecordIndexOperation("snapshot", "ok")
	s.metrics.SetIndexSize(s.index.Len())
	return nil
}

// Run implements cron.Job.
func (s *Snapshotter) Run() {
	if err := s.Save(); err != nil {
		s.logger.Warn("index snapshot failed", "path", s.path, "error", err)
	}
}

// Schedule registers s on c using a cron expression.
func (s *Snapshotter) Schedule(c *cron.Cron, expr string) (cron.EntryID, error) {
	id, err := c.AddJob(expr, s)
	if err != nil {
		return 0, fmt.Errorf("index: invalid snapshot schedule %q: %w", expr, err)
	}
	return id, nil
}
