package blast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/wablast/internal/activity"
	"github.com/foxzi/wablast/internal/antiban"
	"github.com/foxzi/wablast/internal/contacts"
	"github.com/foxzi/wablast/internal/documents"
	"github.com/foxzi/wablast/internal/events"
	"github.com/foxzi/wablast/internal/filematch"
	"github.com/foxzi/wablast/internal/metrics"
	"github.com/foxzi/wablast/internal/template"
	"github.com/foxzi/wablast/internal/whatsapp"
)

// Config contains runner settings
type Config struct {
	MaxRetries  int
	SendTimeout time.Duration
	KeepHistory int
}

// Deps are the collaborators of the runner
type Deps struct {
	Contacts  *contacts.Store
	Documents *documents.Library
	Matcher   *filematch.Matcher
	Templates *template.Storage
	Engine    *template.Engine
	Throttle  *antiban.Throttle
	Client    whatsapp.Client
	Activity  *activity.Log
	Events    events.Publisher
}

// Runner executes one blast at a time
type Runner struct {
	storage *Storage
	deps    Deps
	cfg     Config
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	current *Job
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a blast runner
func NewRunner(storage *Storage, deps Deps, cfg Config, logger *slog.Logger) *Runner {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Minute
	}
	if cfg.KeepHistory <= 0 {
		cfg.KeepHistory = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Matcher == nil {
		deps.Matcher = filematch.New(0)
	}
	if deps.Engine == nil {
		deps.Engine = template.NewEngine()
	}

	return &Runner{
		storage: storage,
		deps:    deps,
		cfg:     cfg,
		logger:  logger.With("component", "blast"),
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover marks jobs left running by a crashed process as stopped
func (r *Runner) Recover(ctx context.Context) error {
	n, err := r.storage.MarkInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover blasts: %w", err)
	}
	if n > 0 {
		r.logger.Warn("marked interrupted blasts as stopped", "count", n)
	}
	return nil
}

type target struct {
	contact *contacts.Contact
	match   filematch.Result
}

type plan struct {
	mode          string
	body          string
	skipUnmatched bool
	maxRetries    int
	single        *documents.File
	targets       []target
}

// plan validates a request and resolves its contacts and attachments
func (r *Runner) plan(ctx context.Context, req Request) (*plan, error) {
	p := &plan{
		mode:          strings.ToLower(strings.TrimSpace(req.Attachment)),
		skipUnmatched: req.SkipUnmatched,
		maxRetries:    r.cfg.MaxRetries,
	}
	if p.mode == "" {
		p.mode = AttachNone
	}
	if p.mode != AttachNone && p.mode != AttachMatched && p.mode != AttachSingle {
		return nil, fmt.Errorf("%w: unknown attachment mode %q", ErrInvalidRequest, req.Attachment)
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 || *req.MaxRetries > 10 {
			return nil, fmt.Errorf("%w: max_retries must be between 0 and 10", ErrInvalidRequest)
		}
		p.maxRetries = *req.MaxRetries
	}

	p.body = req.Message
	if req.TemplateID != "" {
		if r.deps.Templates == nil {
			return nil, fmt.Errorf("%w: templates are not available", ErrInvalidRequest)
		}
		tmpl, err := r.deps.Templates.Get(ctx, req.TemplateID)
		if err != nil {
			return nil, err
		}
		if tmpl == nil {
			return nil, fmt.Errorf("%w: template %s not found", ErrInvalidRequest, req.TemplateID)
		}
		p.body = tmpl.Body
	}
	// A document with no caption is a valid blast
	if strings.TrimSpace(p.body) != "" || p.mode == AttachNone {
		if err := r.deps.Engine.Validate(p.body); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	if p.mode == AttachSingle {
		if req.Filename == "" {
			return nil, fmt.Errorf("%w: filename is required for a single attachment", ErrInvalidRequest)
		}
		file, err := r.deps.Documents.Open(req.Filename)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, req.Filename, err)
		}
		p.single = file
	}

	var list []*contacts.Contact
	var err error
	if len(req.ContactIDs) == 0 {
		list, err = r.deps.Contacts.Selected(ctx)
	} else {
		list, err = r.deps.Contacts.GetMany(ctx, req.ContactIDs)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load contacts: %w", err)
	}
	if len(list) == 0 {
		return nil, ErrNoContacts
	}

	var files []string
	var assignments map[string]string
	if p.mode == AttachMatched {
		if files, err = r.deps.Documents.Names(ctx); err != nil {
			return nil, fmt.Errorf("failed to list documents: %w", err)
		}
		if assignments, err = r.deps.Contacts.Assignments(ctx); err != nil {
			return nil, fmt.Errorf("failed to load assignments: %w", err)
		}
	}

	p.targets = make([]target, 0, len(list))
	for _, c := range list {
		t := target{contact: c}
		switch p.mode {
		case AttachMatched:
			t.match = r.deps.Matcher.Match(c.Name, files, assignments)
		case AttachSingle:
			t.match = filematch.Result{Filename: p.single.Name, Score: 1, Source: "single"}
		}
		p.targets = append(p.targets, t)
	}

	return p, nil
}

// Start validates the request, persists a new job and runs it in the background
func (r *Runner) Start(ctx context.Context, req Request) (*Job, error) {
	if !r.deps.Client.Status().Connected() {
		return nil, whatsapp.ErrNotConnected
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil && !r.current.Done() {
		return nil, ErrAlreadyRunning
	}

	p, err := r.plan(ctx, req)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:        uuid.New().String(),
		Status:    StatusRunning,
		Request:   req,
		Body:      p.body,
		Total:     len(p.targets),
		Results:   make([]ContactResult, len(p.targets)),
		StartedAt: time.Now(),
	}
	for i, t := range p.targets {
		job.Results[i] = ContactResult{
			ContactID:  t.contact.ID,
			Name:       t.contact.Name,
			Phone:      t.contact.Phone,
			Status:     ResultPending,
			Attachment: t.match.Filename,
		}
		if p.mode != AttachNone {
			job.Results[i].MatchSource = string(t.match.Source)
		}
	}

	if err := r.storage.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save blast: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.current = job
	r.cancel = cancel

	r.logger.Info("blast started",
		"blast_id", job.ID,
		"contacts", job.Total,
		"attachment", p.mode,
		"max_retries", p.maxRetries,
	)
	metrics.SetBlastActive(true)
	r.publish(events.BlastStarted, job.summary())

	r.wg.Add(1)
	go r.run(runCtx, job, p)

	return job.clone(), nil
}

// Stop cancels the running blast. The loop ends before the next contact.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil || r.current.Done() {
		return ErrNotRunning
	}
	r.cancel()
	r.logger.Info("blast stop requested", "blast_id", r.current.ID)
	return nil
}

// Wait blocks until the running blast loop has exited
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown stops any running blast and waits for it
func (r *Runner) Shutdown() {
	_ = r.Stop()
	r.Wait()
}

// Current returns a snapshot of the most recent blast of this process, or nil
func (r *Runner) Current() *Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return nil
	}
	return r.current.clone()
}

// Running reports whether a blast is in progress
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil && !r.current.Done()
}

// Get returns a job by ID. Returns nil, nil when missing.
func (r *Runner) Get(ctx context.Context, id string) (*Job, error) {
	r.mu.Lock()
	if r.current != nil && r.current.ID == id {
		job := r.current.clone()
		r.mu.Unlock()
		return job, nil
	}
	r.mu.Unlock()

	return r.storage.Get(ctx, id)
}

// List returns job summaries, newest first
func (r *Runner) List(ctx context.Context, limit int) ([]*Job, error) {
	return r.storage.List(ctx, limit)
}

type outcome struct {
	status     string
	messageID  string
	attempts   int
	err        error
	message    string
	attachment string
}

func (r *Runner) run(ctx context.Context, job *Job, p *plan) {
	defer r.wg.Done()

	logger := r.logger.With("blast_id", job.ID)

	for i, t := range p.targets {
		if ctx.Err() != nil {
			r.finish(job, StatusStopped, "", nil)
			return
		}

		recipient := t.contact.Phone

		decision := r.deps.Throttle.CheckPermitted(recipient)
		if !decision.Permitted {
			metrics.IncThrottleRefusals(string(decision.Reason))
			if decision.Reason == antiban.ReasonPerRecipientLimit {
				r.complete(job, i, outcome{status: ResultSkipped, err: errors.New("per-recipient limit reached")}, 0)
				continue
			}
			logger.Warn("blast halted by throttle", "reason", decision.Reason, "retry_after", decision.RetryAfter)
			r.finish(job, StatusHalted, string(decision.Reason), nil)
			return
		}

		if p.mode == AttachMatched && !t.match.Matched() && p.skipUnmatched {
			r.complete(job, i, outcome{status: ResultSkipped, err: errors.New("no matching document")}, 0)
			continue
		}

		text := r.deps.Engine.Render(p.body, t.contact.Vars())

		media, err := r.media(p, t)
		if err != nil {
			logger.Warn("attachment unavailable", "contact", t.contact.Name, "file", t.match.Filename, "error", err)
			r.complete(job, i, outcome{status: ResultFailed, err: err, message: text, attachment: t.match.Filename}, 0)
			continue
		}

		if media == nil && strings.TrimSpace(text) == "" {
			r.complete(job, i, outcome{status: ResultSkipped, err: errors.New("nothing to send")}, 0)
			continue
		}

		out, refusal := r.deliver(ctx, recipient, text, media, p.maxRetries)
		out.message = text
		out.attachment = t.match.Filename

		if out.status == "" {
			// Stopped while sending
			out.status = ResultFailed
			if out.err == nil {
				out.err = ErrStopped
			}
			r.complete(job, i, out, 0)
			r.finish(job, StatusStopped, "", nil)
			return
		}

		var nextWait time.Duration
		last := i == len(p.targets)-1
		if !last && refusal == "" && !errors.Is(out.err, whatsapp.ErrNotConnected) {
			nextWait = r.deps.Throttle.ComputeDelay(false)
		}
		r.complete(job, i, out, nextWait)

		switch {
		case errors.Is(out.err, whatsapp.ErrNotConnected):
			r.finish(job, StatusFailed, "", out.err)
			return
		case refusal != "":
			logger.Warn("blast halted by throttle after failed attempt", "reason", refusal)
			r.finish(job, StatusHalted, string(refusal), nil)
			return
		}

		if nextWait > 0 {
			if err := r.sleep(ctx, nextWait); err != nil {
				r.finish(job, StatusStopped, "", nil)
				return
			}
		}
	}

	r.finish(job, StatusCompleted, "", nil)
}

// deliver sends one message, retrying failed attempts under the throttle.
// An empty status means the context was cancelled.
func (r *Runner) deliver(ctx context.Context, recipient, text string, media *whatsapp.Media, maxRetries int) (outcome, antiban.Reason) {
	var out outcome

	for {
		out.attempts++
		id, err := r.send(ctx, recipient, text, media)
		if err == nil {
			r.deps.Throttle.RecordOutcome(recipient, true)
			out.status = ResultSent
			out.messageID = id
			out.err = nil
			return out, ""
		}
		if ctx.Err() != nil {
			return out, ""
		}

		out.err = err
		if errors.Is(err, whatsapp.ErrNotConnected) {
			out.status = ResultFailed
			return out, ""
		}

		r.deps.Throttle.RecordOutcome(recipient, false)

		var apiErr *whatsapp.APIError
		permanent := errors.As(err, &apiErr) && !apiErr.Temporary()
		if permanent || out.attempts > maxRetries {
			out.status = ResultFailed
			return out, ""
		}

		r.logger.Debug("send failed, retrying", "to", recipient, "attempt", out.attempts, "error", err)
		if err := r.sleep(ctx, r.deps.Throttle.ComputeDelay(true)); err != nil {
			return out, ""
		}

		if decision := r.deps.Throttle.CheckPermitted(recipient); !decision.Permitted {
			metrics.IncThrottleRefusals(string(decision.Reason))
			out.status = ResultFailed
			if decision.Reason == antiban.ReasonPerRecipientLimit {
				return out, ""
			}
			return out, decision.Reason
		}
	}
}

func (r *Runner) send(ctx context.Context, recipient, text string, media *whatsapp.Media) (string, error) {
	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()

	if media != nil {
		m := *media
		m.Caption = text
		return r.deps.Client.SendMedia(sendCtx, recipient, m)
	}
	return r.deps.Client.SendText(sendCtx, recipient, text)
}

func (r *Runner) media(p *plan, t target) (*whatsapp.Media, error) {
	var file *documents.File
	switch {
	case p.mode == AttachSingle:
		file = p.single
	case p.mode == AttachMatched && t.match.Matched():
		var err error
		if file, err = r.deps.Documents.Open(t.match.Filename); err != nil {
			return nil, err
		}
	default:
		return nil, nil
	}

	return &whatsapp.Media{
		Filename: file.Name,
		MIMEType: file.MIMEType,
		Data:     file.Data,
	}, nil
}

// complete records the outcome for contact i, logs it and publishes progress
func (r *Runner) complete(job *Job, i int, out outcome, nextWait time.Duration) {
	now := time.Now()

	r.mu.Lock()
	res := &job.Results[i]
	res.Status = out.status
	res.MessageID = out.messageID
	res.Attempts = out.attempts
	res.At = &now
	if out.err != nil {
		res.Error = out.err.Error()
	}
	switch out.status {
	case ResultSent:
		job.Sent++
	case ResultFailed:
		job.Failed++
	case ResultSkipped:
		job.Skipped++
	}
	result := *res
	snapshot := job.clone()
	r.mu.Unlock()

	ctx := context.Background()
	if err := r.storage.Save(ctx, snapshot); err != nil {
		r.logger.Error("failed to save blast progress", "blast_id", job.ID, "error", err)
	}

	switch out.status {
	case ResultSent:
		metrics.IncMessagesSent()
	case ResultFailed:
		metrics.IncMessagesFailed(failureReason(out.err))
	case ResultSkipped:
		metrics.IncMessagesSkipped()
	}

	if r.deps.Activity != nil {
		entry := &activity.Entry{
			Recipient:   result.Phone,
			ContactName: result.Name,
			Message:     out.message,
			Attachment:  out.attachment,
			Status:      out.status,
			Error:       result.Error,
			BlastID:     job.ID,
		}
		if err := r.deps.Activity.Add(ctx, entry); err != nil {
			r.logger.Error("failed to write activity log", "error", err)
		}
	}

	progress := Progress{
		JobID:   snapshot.ID,
		Index:   i + 1,
		Total:   snapshot.Total,
		Sent:    snapshot.Sent,
		Failed:  snapshot.Failed,
		Skipped: snapshot.Skipped,
		Contact: &result,
	}
	if nextWait > 0 {
		progress.NextWait = nextWait.Round(time.Second).String()
	}
	r.publish(events.BlastProgress, progress)
}

func (r *Runner) finish(job *Job, status Status, reason string, err error) {
	now := time.Now()

	r.mu.Lock()
	job.Status = status
	job.HaltReason = reason
	if err != nil {
		job.Error = err.Error()
	}
	job.FinishedAt = &now
	snapshot := job.clone()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	ctx := context.Background()
	if err := r.storage.Save(ctx, snapshot); err != nil {
		r.logger.Error("failed to save blast", "blast_id", job.ID, "error", err)
	}
	if deleted, err := r.storage.Cleanup(ctx, r.cfg.KeepHistory); err != nil {
		r.logger.Error("failed to clean up blast history", "error", err)
	} else if deleted > 0 {
		r.logger.Debug("pruned blast history", "deleted", deleted)
	}

	metrics.IncBlasts(string(status))
	metrics.SetBlastActive(false)

	r.logger.Info("blast finished",
		"blast_id", job.ID,
		"status", status,
		"reason", reason,
		"sent", snapshot.Sent,
		"failed", snapshot.Failed,
		"skipped", snapshot.Skipped,
		"total", snapshot.Total,
		"duration", now.Sub(snapshot.StartedAt).Round(time.Second),
	)
	r.publish(events.BlastFinished, snapshot.summary())
}

func (r *Runner) publish(eventType string, data interface{}) {
	if r.deps.Events != nil {
		r.deps.Events.Publish(eventType, data)
	}
}

// failureReason buckets send errors for the failed-messages metric
func failureReason(err error) string {
	var apiErr *whatsapp.APIError
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, whatsapp.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrStopped):
		return "stopped"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, whatsapp.ErrSimulated):
		return "simulated"
	case errors.Is(err, documents.ErrNotFound):
		return "attachment"
	case errors.As(err, &apiErr):
		if apiErr.Temporary() {
			return "temporary"
		}
		return "api_error"
	default:
		return "other"
	}
}
