package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petal-labs/livepipe/protocol"
)

// DefaultStatsSchedule is how often stats are pushed to viewers.
const DefaultStatsSchedule = "@every 10s"

var statsScheduleParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

func parseStatsSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		clean = DefaultStatsSchedule
	}
	schedule, err := statsScheduleParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid stats schedule: %w", err)
	}
	return schedule, nil
}

// Viewers is the part of the connection registry the stats broadcaster uses.
type Viewers interface {
	Len() int
	Broadcast(ctx context.Context, f protocol.Frame) (int, error)
}

// StatsFunc reads the current stats snapshot.
type StatsFunc func(ctx context.Context) (protocol.Stats, error)

// StatsBroadcaster periodically sends stats_update to connected viewers.
// Ticks with no viewers are skipped.
type StatsBroadcaster struct {
	viewers Viewers
	stats   StatsFunc
	cron    *cron.Cron
	timeout time.Duration
	logger  *slog.Logger
}

// NewStatsBroadcaster parses schedule (default "@every 10s").
func NewStatsBroadcaster(schedule string, viewers Viewers, stats StatsFunc, logger *slog.Logger) (*StatsBroadcaster, error) {
	sched, err := parseStatsSchedule(schedule)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &StatsBroadcaster{
		viewers: viewers,
		stats:   stats,
		cron:    cron.New(),
		timeout: 5 * time.Second,
		logger:  logger,
	}
	b.cron.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		b.tick(ctx)
	}))
	return b, nil
}

// Start begins the schedule in the background.
func (b *StatsBroadcaster) Start() { b.cron.Start() }

// Stop halts the schedule and waits for a running tick to finish.
func (b *StatsBroadcaster) Stop() {
	<-b.cron.Stop().Done()
}

// tick broadcasts one stats_update and reports whether it did.
func (b *StatsBroadcaster) tick(ctx context.Context) bool {
	if b.viewers.Len() == 0 {
		return false
	}
	stats, err := b.stats(ctx)
	if err != nil {
		b.logger.Warn("stats broadcast skipped", "error", err)
		return false
	}
	if _, err := b.viewers.Broadcast(ctx, protocol.NewStatsUpdate(stats)); err != nil {
		b.logger.Error("stats broadcast failed", "error", err)
		return false
	}
	return true
}
