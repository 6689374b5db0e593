// Package heartbeat periodically reports the state of a realtime client and
// nudges rooms stuck in error back into reconciliation.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/deskwire/deskwire/internal/realtime"
)

// DefaultSchedule is used when the configured schedule is empty.
const DefaultSchedule = "@every 30s"

// Source is the part of the realtime client the reporter reads.
type Source interface {
	Debug() realtime.Snapshot
	Reconcile()
}

// Report is one beat's summary.
type Report struct {
	State      realtime.State
	ClientID   string
	Rooms      int
	Subscribed int
	Pending    int
	Failed     []string
}

// Service logs a Report on a cron schedule.
type Service struct {
	src      Source
	schedule robfigcron.Schedule
	spec     string
	log      *slog.Logger
	onReport func(Report)
}

// NewService parses spec (standard five-field cron or @every/@hourly
// descriptors). onReport, if set, receives every report after it is logged.
func NewService(src Source, spec string, log *slog.Logger, onReport func(Report)) (*Service, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	parser := robfigcron.NewParser(
		robfigcron.Minute | robfigcron.Hour | robfigcron.Dom | robfigcron.Month | robfigcron.Dow | robfigcron.Descriptor,
	)
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: invalid schedule %q: %w", spec, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{src: src, schedule: sched, spec: spec, log: log, onReport: onReport}, nil
}

// Start runs the reporter until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	c := robfigcron.New()
	c.Schedule(s.schedule, robfigcron.FuncJob(s.Beat))
	c.Start()
	s.log.Info("heartbeat: started", "schedule", s.spec)

	<-ctx.Done()

	<-c.Stop().Done()
	s.log.Info("heartbeat: stopped")
	return ctx.Err()
}

// Beat takes one snapshot, logs it and, when connected with rooms not yet
// subscribed, runs a reconciliation pass.
func (s *Service) Beat() {
	r := Summarize(s.src.Debug())

	attrs := []any{
		"state", r.State.String(),
		"client", r.ClientID,
		"rooms", r.Rooms,
		"subscribed", r.Subscribed,
		"pending", r.Pending,
	}
	if len(r.Failed) > 0 {
		s.log.Warn("heartbeat: rooms failing", append(attrs, "failed", r.Failed)...)
	} else {
		s.log.Info("heartbeat: status", attrs...)
	}

	if r.State == realtime.StateConnected && r.Subscribed < r.Rooms {
		s.src.Reconcile()
	}
	if s.onReport != nil {
		s.onReport(r)
	}
}

// Summarize counts desired rooms by subscription state.
func Summarize(snap realtime.Snapshot) Report {
	r := Report{State: snap.State, ClientID: snap.ClientID}
	for _, room := range snap.Rooms {
		if !room.Desired {
			continue
		}
		r.Rooms++
		switch room.State {
		case realtime.SubSubscribed:
			r.Subscribed++
		case realtime.SubError:
			r.Failed = append(r.Failed, room.Room)
		default:
			r.Pending++
		}
	}
	return r
}
