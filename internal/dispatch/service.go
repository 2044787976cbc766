// Package dispatch is the notification dispatch core: it resolves user
// preferences, renders content, and fans deliveries out to the channel
// providers with per-channel failure isolation.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"notifyd/internal/config"
	"notifyd/internal/eventbus"
	"notifyd/internal/notify"
	"notifyd/internal/prefs"
	"notifyd/internal/template"
	"notifyd/pkg/logx"
)

// Deferrer accepts requests whose due time is in the future. The
// scheduler service implements it; the dispatcher never holds timers
// itself.
type Deferrer interface {
	Defer(sreq notify.ScheduledRequest) error
	CancelDeferred(requestID string) bool
}

// Result summarizes one Send: either a skip reason or per-channel
// attempt counts.
type Result struct {
	RequestID string            `json:"request_id"`
	Skip      notify.SkipReason `json:"skip,omitempty"`
	Sent      int               `json:"sent"`
	Failed    int               `json:"failed"`
}

// BulkResult is the per-user tally of a bulk job.
type BulkResult struct {
	JobID   string        `json:"job_id"`
	Users   int           `json:"users"`
	Sent    int           `json:"sent"`
	Skipped int           `json:"skipped"`
	Failed  int           `json:"failed"`
	Took    time.Duration `json:"took"`
}

// Service is the dispatch core. Safe for concurrent use; Apply may be
// called at any time for config hot-reload.
type Service struct {
	resolver  *prefs.Resolver
	renderer  *template.Renderer
	providers map[notify.Channel]notify.Provider
	outcomes  OutcomeStore
	bus       eventbus.Bus
	log       logx.Logger

	mu      sync.Mutex
	cfg     config.DispatcherConfig
	enabled bool
	workers int
	batch   int
	limiter *rate.Limiter

	deferrer Deferrer

	// retained requests for Status/Retry, bounded like the outcome log.
	reqMu    sync.RWMutex
	requests map[string]notify.Request
	reqOrder []string
	reqMax   int

	now func() time.Time
}

func New(cfg config.DispatcherConfig, resolver *prefs.Resolver, renderer *template.Renderer, outcomes OutcomeStore, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		resolver:  resolver,
		renderer:  renderer,
		providers: map[notify.Channel]notify.Provider{},
		outcomes:  outcomes,
		bus:       bus,
		log:       log,
		requests:  map[string]notify.Request{},
		now:       time.Now,
	}
	s.applyLocked(cfg)
	return s
}

// RegisterProvider installs the backend for a channel. Call before any
// Send traffic; registration is not synchronized with in-flight sends.
func (s *Service) RegisterProvider(p notify.Provider) {
	s.providers[p.Channel()] = p
}

// SetDeferrer wires the scheduler in after construction (the scheduler
// depends on the dispatcher, so the link is set post-hoc).
func (s *Service) SetDeferrer(d Deferrer) { s.deferrer = d }

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Apply swaps in a new dispatcher config (hot-reload path).
func (s *Service) Apply(cfg config.DispatcherConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(cfg)
}

func (s *Service) applyLocked(cfg config.DispatcherConfig) {
	s.cfg = cfg
	s.enabled = cfg.Enabled == nil || *cfg.Enabled
	s.workers = cfg.Workers
	if s.workers <= 0 {
		s.workers = 4
	}
	s.batch = cfg.DefaultBatchSize
	if s.batch <= 0 {
		s.batch = 100
	}
	if cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	} else {
		s.limiter = nil
	}
	s.reqMax = cfg.HistorySize
	if s.reqMax <= 0 {
		s.reqMax = 500
	}
}

// Send dispatches one notification. The only errors returned are
// request-shape problems (ValidationError, unknown template key) raised
// before any delivery side effect; provider failures are contained and
// recorded as per-channel outcomes.
func (s *Service) Send(ctx context.Context, req notify.Request) error {
	_, err := s.send(ctx, req)
	return err
}

// Submit is Send with the per-channel tally, for callers that surface
// the result to a client.
func (s *Service) Submit(ctx context.Context, req notify.Request) (Result, error) {
	return s.send(ctx, req)
}

func (s *Service) send(ctx context.Context, req notify.Request) (Result, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	res := Result{RequestID: req.ID}

	if !s.Enabled() {
		s.skip(req, notify.SkipDisabled)
		res.Skip = notify.SkipDisabled
		return res, nil
	}
	now := s.now()
	if req.Expired(now) {
		s.skip(req, notify.SkipExpired)
		res.Skip = notify.SkipExpired
		return res, nil
	}

	resolution, err := s.resolver.Resolve(ctx, req.UserID, req.Type, req.Channels, req.Priority, now)
	if err != nil {
		return Result{}, err
	}
	if resolution.Skipped() {
		s.skip(req, resolution.Skip)
		res.Skip = resolution.Skip
		return res, nil
	}

	content, err := s.render(ctx, req, resolution.Language)
	if err != nil {
		return Result{}, err
	}

	s.retain(req)
	res.Sent, res.Failed = s.fanOut(ctx, req, resolution.Allowed, content)
	return res, nil
}

func (s *Service) render(ctx context.Context, req notify.Request, language string) (notify.RenderedContent, error) {
	if req.TemplateKey == "" {
		return template.RenderLiteral(req.Subject, req.Message), nil
	}
	return s.renderer.Render(ctx, req.TemplateKey, req.Data, language)
}

// fanOut runs one goroutine per allowed channel and waits for all of
// them. A failing or panicking provider marks only its own channel
// failed.
func (s *Service) fanOut(ctx context.Context, req notify.Request, channels []notify.Channel, content notify.RenderedContent) (sent, failed int) {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()

	var wg sync.WaitGroup
	results := make([]error, len(channels))
	for i, c := range channels {
		if ctx.Err() != nil {
			results[i] = ctx.Err()
			continue
		}
		wg.Add(1)
		go func(i int, c notify.Channel) {
			defer wg.Done()
			results[i] = s.deliver(ctx, req, c, content, lim)
		}(i, c)
	}
	wg.Wait()

	for i, c := range channels {
		o := notify.Outcome{
			RequestID: req.ID,
			UserID:    req.UserID,
			Channel:   c,
			Status:    notify.StatusSent,
			At:        s.now(),
		}
		ev := eventbus.DeliveryEvent{
			RequestID: req.ID,
			UserID:    req.UserID,
			Channel:   string(c),
			At:        o.At,
		}
		if err := results[i]; err != nil {
			o.Status = notify.StatusFailed
			o.Error = err.Error()
			ev.Error = err.Error()
			failed++
			s.log.Warn("delivery failed",
				logx.String("request", req.ID),
				logx.String("user", req.UserID),
				logx.String("channel", string(c)),
				logx.Err(err))
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeFailed, Data: ev})
		} else {
			sent++
			s.log.Debug("delivery sent",
				logx.String("request", req.ID),
				logx.String("user", req.UserID),
				logx.String("channel", string(c)))
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeSent, Data: ev})
		}
		if rerr := s.outcomes.Record(ctx, o); rerr != nil {
			s.log.Error("outcome record failed", logx.String("request", req.ID), logx.Err(rerr))
		}
	}
	return sent, failed
}

func (s *Service) deliver(ctx context.Context, req notify.Request, c notify.Channel, content notify.RenderedContent, lim *rate.Limiter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()

	p, ok := s.providers[c]
	if !ok {
		return fmt.Errorf("no provider registered for channel %s", c)
	}
	if lim != nil {
		if werr := lim.Wait(ctx); werr != nil {
			return werr
		}
	}
	n := notify.Notification{
		ID:        req.ID,
		UserID:    req.UserID,
		Channel:   c,
		Type:      req.Type,
		Priority:  req.Priority,
		Subject:   content.Subject,
		Body:      content.BodyFor(c),
		Data:      content.Data,
		CreatedAt: s.now(),
		ExpiresAt: req.ExpiresAt,
	}
	if c == notify.ChannelPush {
		n.Subject = content.PushTitle
	}
	return p.Send(ctx, n)
}

func (s *Service) skip(req notify.Request, reason notify.SkipReason) {
	s.log.Debug("dispatch skipped",
		logx.String("request", req.ID),
		logx.String("user", req.UserID),
		logx.String("reason", string(reason)))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSkipped, Data: eventbus.DeliveryEvent{
		RequestID: req.ID,
		UserID:    req.UserID,
		Reason:    string(reason),
		At:        s.now(),
	}})
}

// SendBulk fans a bulk request out user by user. Users are processed in
// batches; within a batch a bounded worker pool runs the exact Send
// path per user, so resolution and rendering stay per-user. Cancelling
// ctx stops scheduling further users without rolling back in-flight
// deliveries.
func (s *Service) SendBulk(ctx context.Context, bulk notify.BulkRequest) (BulkResult, error) {
	s.mu.Lock()
	batchDefault := s.batch
	workers := s.workers
	s.mu.Unlock()

	bulk.Normalize(batchDefault)
	if err := bulk.Validate(); err != nil {
		return BulkResult{}, err
	}

	out := BulkResult{JobID: newJobID(), Users: len(bulk.UserIDs)}
	if !s.Enabled() {
		out.Skipped = out.Users
		return out, nil
	}

	start := s.now()
	var tallyMu sync.Mutex

	for off := 0; off < len(bulk.UserIDs); off += bulk.BatchSize {
		if ctx.Err() != nil {
			break
		}
		end := off + bulk.BatchSize
		if end > len(bulk.UserIDs) {
			end = len(bulk.UserIDs)
		}
		chunk := bulk.UserIDs[off:end]

		queue := make(chan string)
		var wg sync.WaitGroup
		n := workers
		if len(chunk) < n {
			n = len(chunk)
		}
		for w := 0; w < n; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for uid := range queue {
					r, err := s.send(ctx, bulk.RequestFor(uid))
					tallyMu.Lock()
					switch {
					case err != nil:
						// Shape errors were checked on the bulk request;
						// a per-user failure here is a render problem.
						out.Failed++
						s.log.Warn("bulk user dispatch failed",
							logx.String("job", out.JobID),
							logx.String("user", uid),
							logx.Err(err))
					case r.Skip != notify.SkipNone:
						out.Skipped++
					case r.Failed > 0:
						out.Failed++
					default:
						out.Sent++
					}
					tallyMu.Unlock()
				}
			}()
		}
	feed:
		for _, uid := range chunk {
			select {
			case <-ctx.Done():
				break feed
			case queue <- uid:
			}
		}
		close(queue)
		wg.Wait()
	}

	out.Took = s.now().Sub(start)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeBulkFinished, Data: eventbus.BulkEvent{
		JobID:    out.JobID,
		Users:    out.Users,
		Sent:     out.Sent,
		Skipped:  out.Skipped,
		Failed:   out.Failed,
		Duration: out.Took,
	}})
	s.log.Info("bulk dispatch finished",
		logx.String("job", out.JobID),
		logx.Int("users", out.Users),
		logx.Int("sent", out.Sent),
		logx.Int("skipped", out.Skipped),
		logx.Int("failed", out.Failed),
		logx.Duration("took", out.Took))
	return out, nil
}

// Schedule dispatches immediately when the due time is not in the
// future, otherwise hands the request to the scheduler.
func (s *Service) Schedule(ctx context.Context, sreq notify.ScheduledRequest) error {
	sreq.Normalize()
	if err := sreq.Validate(); err != nil {
		return err
	}
	if !sreq.ScheduledAt.After(s.now()) {
		return s.Send(ctx, sreq.Request)
	}
	if s.deferrer == nil {
		return &notify.ValidationError{Field: "scheduled_at", Reason: "scheduling is not available"}
	}
	return s.deferrer.Defer(sreq)
}

// Status returns the per-channel outcomes for a request. An id that was
// never seen yields a single unknown-status outcome, not an error.
func (s *Service) Status(ctx context.Context, requestID string) ([]notify.Outcome, error) {
	outs, err := s.outcomes.ByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if len(outs) == 0 {
		return []notify.Outcome{{RequestID: requestID, Status: notify.StatusUnknown, At: s.now()}}, nil
	}
	return outs, nil
}

// History returns the user's most recent outcomes, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]notify.Outcome, error) {
	return s.outcomes.ByUser(ctx, userID, limit)
}

// Cancel stops a deferred request before it fires. Requests that were
// already dispatched (or never seen) are not cancellable; Cancel
// reports false for them and changes nothing.
func (s *Service) Cancel(requestID string) bool {
	if s.deferrer == nil {
		return false
	}
	return s.deferrer.CancelDeferred(requestID)
}

// Retry re-attempts only the channels that failed on a previous send.
// Channels that succeeded are never re-sent. A request with nothing
// retryable (all sent, unknown id, evicted) is a no-op.
func (s *Service) Retry(ctx context.Context, requestID string) error {
	outs, err := s.outcomes.ByRequest(ctx, requestID)
	if err != nil {
		return err
	}
	var failedCh []notify.Channel
	for _, o := range outs {
		if o.Status == notify.StatusFailed {
			failedCh = append(failedCh, o.Channel)
		}
	}
	if len(failedCh) == 0 {
		return nil
	}

	s.reqMu.RLock()
	req, ok := s.requests[requestID]
	s.reqMu.RUnlock()
	if !ok {
		return nil
	}

	// Re-resolve against current preferences: a user who opted out
	// between the failure and the retry must not be contacted.
	resolution, err := s.resolver.Resolve(ctx, req.UserID, req.Type, failedCh, req.Priority, s.now())
	if err != nil || resolution.Skipped() {
		return err
	}
	content, err := s.render(ctx, req, resolution.Language)
	if err != nil {
		return err
	}
	s.fanOut(ctx, req, resolution.Allowed, content)
	return nil
}

func newJobID() string { return uuid.New().String() }

func (s *Service) retain(req notify.Request) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if _, ok := s.requests[req.ID]; !ok {
		s.reqOrder = append(s.reqOrder, req.ID)
		for len(s.reqOrder) > s.reqMax {
			oldest := s.reqOrder[0]
			s.reqOrder = s.reqOrder[1:]
			delete(s.requests, oldest)
		}
	}
	s.requests[req.ID] = req
}
