package blast

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/foxzi/wablast/internal/activity"
	"github.com/foxzi/wablast/internal/antiban"
	"github.com/foxzi/wablast/internal/metrics"
	"github.com/foxzi/wablast/internal/whatsapp"
)

// ThrottledError is returned by SendOne when the throttle refuses the send
type ThrottledError struct {
	Decision antiban.Decision
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("send refused: %s", e.Decision.Reason)
}

// SendRequest is a single message outside a blast
type SendRequest struct {
	Phone   string
	Message string
	// Filename names a document in the library
	Filename string
	// Media is an uploaded attachment; it wins over Filename
	Media *whatsapp.Media
}

// SendResult is the outcome of SendOne
type SendResult struct {
	MessageID  string `json:"message_id"`
	Recipient  string `json:"recipient"`
	Attachment string `json:"attachment,omitempty"`
}

// SendOne sends one message under the throttle and records it in the activity log
func (r *Runner) SendOne(ctx context.Context, req SendRequest) (*SendResult, error) {
	recipient, err := r.deps.Contacts.NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Message) == "" && req.Media == nil && req.Filename == "" {
		return nil, fmt.Errorf("%w: message or attachment is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Message) != "" {
		if err := r.deps.Engine.Validate(req.Message); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	if !r.deps.Client.Status().Connected() {
		return nil, whatsapp.ErrNotConnected
	}

	media := req.Media
	if media == nil && req.Filename != "" {
		file, err := r.deps.Documents.Open(req.Filename)
		if err != nil {
			return nil, err
		}
		media = &whatsapp.Media{Filename: file.Name, MIMEType: file.MIMEType, Data: file.Data}
	}

	decision := r.deps.Throttle.CheckPermitted(recipient)
	if !decision.Permitted {
		metrics.IncThrottleRefusals(string(decision.Reason))
		return nil, &ThrottledError{Decision: decision}
	}

	vars := map[string]string{"phone": recipient}
	var name string
	if c, err := r.deps.Contacts.GetByPhone(ctx, recipient); err == nil && c != nil {
		vars = c.Vars()
		name = c.Name
	}
	text := r.deps.Engine.Render(req.Message, vars)

	id, sendErr := r.send(ctx, recipient, text, media)
	// A cancelled request is not an account failure
	if !errors.Is(sendErr, whatsapp.ErrNotConnected) && (sendErr == nil || ctx.Err() == nil) {
		r.deps.Throttle.RecordOutcome(recipient, sendErr == nil)
	}

	entry := &activity.Entry{
		Recipient:   recipient,
		ContactName: name,
		Message:     text,
		Status:      activity.StatusSent,
	}
	if media != nil {
		entry.Attachment = media.Filename
	}
	if sendErr != nil {
		entry.Status = activity.StatusFailed
		entry.Error = sendErr.Error()
		metrics.IncMessagesFailed(failureReason(sendErr))
	} else {
		metrics.IncMessagesSent()
	}
	if r.deps.Activity != nil {
		if err := r.deps.Activity.Add(context.WithoutCancel(ctx), entry); err != nil {
			r.logger.Error("failed to write activity log", "error", err)
		}
	}

	if sendErr != nil {
		r.logger.Warn("send failed", "to", recipient, "error", sendErr)
		return nil, sendErr
	}

	r.logger.Info("message sent", "to", recipient, "message_id", id)
	return &SendResult{MessageID: id, Recipient: recipient, Attachment: entry.Attachment}, nil
}

// PreviewItem is the rendered message for one contact
type PreviewItem struct {
	ContactID   uint64  `json:"contact_id"`
	Name        string  `json:"name"`
	Phone       string  `json:"phone"`
	Message     string  `json:"message"`
	Attachment  string  `json:"attachment,omitempty"`
	MatchSource string  `json:"match_source,omitempty"`
	Score       float64 `json:"score,omitempty"`
	Skip        bool    `json:"skip,omitempty"`
}

// PreviewResult summarizes what a blast would send
type PreviewResult struct {
	Total          int           `json:"total"`
	WithAttachment int           `json:"with_attachment"`
	Skipped        int           `json:"skipped"`
	Items          []PreviewItem `json:"items"`
}

// Preview resolves a blast request without sending. Totals cover every
// contact; at most limit items are rendered (0 renders all).
func (r *Runner) Preview(ctx context.Context, req Request, limit int) (*PreviewResult, error) {
	p, err := r.plan(ctx, req)
	if err != nil {
		return nil, err
	}

	res := &PreviewResult{Total: len(p.targets), Items: []PreviewItem{}}
	for _, t := range p.targets {
		skip := p.mode == AttachMatched && !t.match.Matched() && p.skipUnmatched
		if t.match.Matched() {
			res.WithAttachment++
		}
		if skip {
			res.Skipped++
		}
		if limit > 0 && len(res.Items) >= limit {
			continue
		}

		item := PreviewItem{
			ContactID:  t.contact.ID,
			Name:       t.contact.Name,
			Phone:      t.contact.Phone,
			Message:    r.deps.Engine.Render(p.body, t.contact.Vars()),
			Attachment: t.match.Filename,
			Score:      t.match.Score,
			Skip:       skip,
		}
		if p.mode != AttachNone {
			item.MatchSource = string(t.match.Source)
		}
		res.Items = append(res.Items, item)
	}

	return res, nil
}
