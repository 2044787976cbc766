// Package scheduler holds future-dated notification requests and fires
// them into the dispatcher when due. One-shot timers cover deferred
// requests; cron specs cover recurring sends (digests, maintenance
// notices).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notifyd/internal/config"
	"notifyd/internal/eventbus"
	"notifyd/internal/notify"
	"notifyd/pkg/logx"
)

// Sender is the dispatch entry point the scheduler feeds. Fired
// requests take the exact immediate-send path, policy checks included.
type Sender interface {
	Send(ctx context.Context, req notify.Request) error
}

type recurringDef struct {
	id   string
	name string
	spec string
	req  notify.Request
}

type Service struct {
	mu  sync.Mutex
	cfg config.SchedulerConfig

	sender Sender
	bus    eventbus.Bus
	log    logx.Logger

	parser cron.Parser
	c      *cron.Cron
	defs   []recurringDef

	// pending one-shot requests survive Stop/Start; timers do not.
	tmu     sync.Mutex
	pending map[string]notify.ScheduledRequest
	timers  map[string]*time.Timer

	stopCh    chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc

	now func() time.Time
}

func New(cfg config.SchedulerConfig, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		sender:  sender,
		bus:     bus,
		log:     log,
		parser:  newParser(),
		pending: map[string]notify.ScheduledRequest{},
		timers:  map[string]*time.Timer{},
		now:     time.Now,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config; a timezone change restarts cron so recurring
// specs are re-evaluated in the new location.
func (s *Service) Apply(cfg config.SchedulerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.stopCh == nil {
		return
	}
	if oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartCronLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	loc := s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		s.addCronLocked(s.defs[i])
	}
	s.c.Start()

	// Rearm timers for requests deferred before (or across) a restart.
	s.rearmPending()

	s.log.Info("scheduler started",
		logx.String("tz", loc.String()),
		logx.Int("recurring", len(s.defs)),
		logx.Int("pending", s.pendingCount()))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}

	// Drop timers but keep pending definitions so they rearm on Start.
	s.tmu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	s.log.Info("scheduler stopped")
}

// Defer holds a future-dated request until its due time. A request
// deferred while the scheduler is stopped is armed on the next Start.
func (s *Service) Defer(sreq notify.ScheduledRequest) error {
	if strings.TrimSpace(sreq.ID) == "" {
		return &notify.ValidationError{Field: "id", Reason: "required"}
	}

	s.tmu.Lock()
	s.pending[sreq.ID] = sreq
	s.tmu.Unlock()

	s.mu.Lock()
	running := s.stopCh != nil
	s.mu.Unlock()
	if running {
		s.armTimer(sreq)
	}
	s.log.Debug("request deferred",
		logx.String("request", sreq.ID),
		logx.Time("due", sreq.ScheduledAt))
	return nil
}

// CancelDeferred stops a pending request before it fires. Reports false
// when the id is unknown or the request already fired.
func (s *Service) CancelDeferred(requestID string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if _, ok := s.pending[requestID]; !ok {
		return false
	}
	delete(s.pending, requestID)
	if t, ok := s.timers[requestID]; ok {
		t.Stop()
		delete(s.timers, requestID)
	}
	return true
}

// Pending lists the deferred requests not yet fired, for introspection.
func (s *Service) Pending() []notify.ScheduledRequest {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	out := make([]notify.ScheduledRequest, 0, len(s.pending))
	for _, sreq := range s.pending {
		out = append(out, sreq)
	}
	return out
}

// AddRecurring registers a cron-spec schedule that fires a copy of the
// request on every tick. Each firing gets a fresh request id.
func (s *Service) AddRecurring(name, spec string, req notify.Request) (string, error) {
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("cron:%d", s.now().UnixNano())
	d := recurringDef{id: id, name: name, spec: spec, req: req}
	s.defs = append(s.defs, d)
	if s.c != nil {
		s.addCronLocked(d)
	}
	return id, nil
}

func (s *Service) addCronLocked(d recurringDef) {
	_, err := s.c.AddFunc(d.spec, func() {
		req := d.req
		req.ID = "" // Normalize assigns a fresh id per firing
		s.fire(notify.ScheduledRequest{Request: req, ScheduledAt: s.now()}, d.name)
	})
	if err != nil {
		// spec was validated at registration; only a parser change can fail here
		s.log.Error("recurring schedule rejected", logx.String("name", d.name), logx.Err(err))
	}
}

func (s *Service) restartCronLocked() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	loc := s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		s.addCronLocked(s.defs[i])
	}
	s.c.Start()
	s.log.Info("scheduler cron restarted", logx.String("tz", loc.String()))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid scheduler timezone, using UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

func (s *Service) rearmPending() {
	s.tmu.Lock()
	reqs := make([]notify.ScheduledRequest, 0, len(s.pending))
	for _, sreq := range s.pending {
		reqs = append(reqs, sreq)
	}
	s.tmu.Unlock()
	for _, sreq := range reqs {
		s.armTimer(sreq)
	}
}

func (s *Service) armTimer(sreq notify.ScheduledRequest) {
	delay := sreq.ScheduledAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.tmu.Lock()
	if prev, ok := s.timers[sreq.ID]; ok {
		prev.Stop()
	}
	s.timers[sreq.ID] = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		_, live := s.pending[sreq.ID]
		delete(s.pending, sreq.ID)
		delete(s.timers, sreq.ID)
		s.tmu.Unlock()
		if !live {
			return
		}
		s.fire(sreq, "")
	})
	s.tmu.Unlock()
}

func (s *Service) fire(sreq notify.ScheduledRequest, scheduleName string) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleFire, Data: eventbus.DeliveryEvent{
		RequestID: sreq.ID,
		UserID:    sreq.UserID,
		Reason:    scheduleName,
		At:        s.now(),
	}})

	err := s.sender.Send(ctx, sreq.Request)
	switch {
	case err == nil:
		s.log.Debug("scheduled request dispatched", logx.String("request", sreq.ID))
	case errors.Is(err, context.Canceled):
	default:
		s.log.Warn("scheduled request dispatch failed",
			logx.String("request", sreq.ID),
			logx.String("user", sreq.UserID),
			logx.Err(err))
	}
}

func (s *Service) pendingCount() int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return len(s.pending)
}
