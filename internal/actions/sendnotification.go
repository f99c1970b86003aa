// internal/actions/sendnotification.go
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/flowflex/stagecondition/internal/types"
)

const msgRecipientsRequired = "Either users or teams array is required for SendNotification action"

type sendNotification struct {
	svc    Services
	retry  RetryPolicy
	logger *slog.Logger
}

func (h *sendNotification) Type() string { return types.ActionSendNotification }

// notifyRun accumulates the outcome of one notification action.
type notifyRun struct {
	seen   map[string]bool
	sent   []string
	failed []string
}

func (h *sendNotification) Handle(ctx context.Context, call Call) types.ActionResult {
	res := newResult(types.ResultSendNotification, call.Spec)
	spec := call.Spec
	exec := call.Exec

	if len(spec.Users) == 0 && len(spec.Teams) == 0 {
		res.ErrorMessage = msgRecipientsRequired
		return res
	}
	if h.svc.Mailer == nil {
		res.ErrorMessage = "no mailer configured for SendNotification action"
		return res
	}

	tmpl := h.template(ctx, call)
	run := &notifyRun{seen: make(map[string]bool)}

	if len(spec.Users) > 0 {
		h.notifyUsers(ctx, call, tmpl, run)
	}
	if len(spec.Teams) > 0 {
		h.notifyTeams(ctx, call, tmpl, run)
	}

	bodyKind := "(default)"
	if spec.EmailBody != "" {
		bodyKind = "(custom)"
	}
	res.ResultData["users"] = spec.Users
	res.ResultData["teams"] = spec.Teams
	res.ResultData["subject"] = spec.Subject
	res.ResultData["emailBody"] = bodyKind
	res.ResultData["sentEmails"] = run.sent
	res.ResultData["successCount"] = len(run.sent)
	res.ResultData["failedCount"] = len(run.failed)
	res.ResultData["previousStageName"] = tmpl.PreviousStageName
	res.ResultData["currentStageName"] = tmpl.CurrentStageName

	switch {
	case len(run.sent) > 0 && len(run.failed) == 0:
		res.Success = true
	case len(run.sent) > 0:
		res.Success = true
		res.ErrorMessage = fmt.Sprintf("Partial success: %d sent, %d failed (%s)",
			len(run.sent), len(run.failed), strings.Join(run.failed, ", "))
	default:
		res.ErrorMessage = fmt.Sprintf("Failed to send notifications to all recipients: %s",
			strings.Join(run.failed, ", "))
	}

	h.logger.Info("notifications sent",
		"case_id", exec.CaseID,
		"sent", len(run.sent),
		"failed", len(run.failed),
		"evaluation_id", exec.EvaluationID)
	return res
}

// template fills the case and stage names shared by every message.
func (h *sendNotification) template(ctx context.Context, call Call) Notification {
	exec := call.Exec
	n := Notification{
		CaseID:            exec.CaseID,
		CaseName:          fmt.Sprintf("Case #%d", exec.CaseID),
		PreviousStageName: "Previous Stage",
		CurrentStageName:  "Current Stage",
		CaseURL:           fmt.Sprintf("/onboarding/%d", exec.CaseID),
		Subject:           call.Spec.Subject,
		Body:              call.Spec.EmailBody,
	}
	if call.Cases == nil {
		return n
	}

	if stage, err := call.Cases.GetStage(ctx, exec.TenantID, exec.StageID); err == nil {
		n.PreviousStageName = stage.Name
	}
	c, err := call.Cases.GetCase(ctx, exec.TenantID, exec.CaseID)
	if err != nil {
		return n
	}
	if c.Name != "" {
		n.CaseName = c.Name
	}
	if c.CurrentStageID != nil {
		if stage, err := call.Cases.GetStage(ctx, exec.TenantID, *c.CurrentStageID); err == nil {
			n.CurrentStageName = stage.Name
		}
	}
	return n
}

func (h *sendNotification) notifyUsers(ctx context.Context, call Call, tmpl Notification, run *notifyRun) {
	ids, _ := numericIDs(call.Spec.Users)
	byID := make(map[string]User, len(ids))

	if len(ids) > 0 && h.svc.Directory != nil {
		users, err := h.svc.Directory.UsersByIDs(ctx, call.Exec.TenantID, ids)
		if err != nil {
			h.logger.Warn("resolving notification users", "error", err)
		}
		for _, u := range users {
			byID[strconv.FormatInt(u.ID, 10)] = u
		}
	}

	for _, id := range call.Spec.Users {
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			run.failed = append(run.failed, fmt.Sprintf("user:%s(invalid id)", id))
			continue
		}
		u, ok := byID[id]
		if !ok || strings.TrimSpace(u.Email) == "" {
			run.failed = append(run.failed, fmt.Sprintf("user:%s(no email)", id))
			continue
		}
		if !h.deliver(ctx, tmpl, u.Email, run) {
			run.failed = append(run.failed, fmt.Sprintf("user:%s(send failed)", id))
		}
	}
}

func (h *sendNotification) notifyTeams(ctx context.Context, call Call, tmpl Notification, run *notifyRun) {
	if h.svc.Directory == nil {
		for _, id := range call.Spec.Teams {
			run.failed = append(run.failed, fmt.Sprintf("team:%s(error)", id))
		}
		return
	}

	members, err := teamMembers(ctx, h.svc.Directory, call.Exec.TenantID, call.Spec.Teams, 0)
	if err != nil {
		h.logger.Warn("resolving notification teams", "error", err)
		for _, id := range call.Spec.Teams {
			run.failed = append(run.failed, fmt.Sprintf("team:%s(error)", id))
		}
		return
	}

	byTeam := make(map[string][]TeamMember)
	for _, m := range members {
		byTeam[m.TeamID] = append(byTeam[m.TeamID], m)
	}

	for _, teamID := range call.Spec.Teams {
		list := byTeam[teamID]
		if len(list) == 0 {
			run.failed = append(run.failed, fmt.Sprintf("team:%s(no members)", teamID))
			continue
		}
		for _, m := range list {
			if strings.TrimSpace(m.Email) == "" {
				continue
			}
			if !h.deliver(ctx, tmpl, m.Email, run) {
				run.failed = append(run.failed, fmt.Sprintf("team:%s:%s(send failed)", teamID, m.Email))
			}
		}
	}
}

// deliver sends one message with retry. Addresses already attempted in this
// run are skipped and count as delivered.
func (h *sendNotification) deliver(ctx context.Context, tmpl Notification, email string, run *notifyRun) bool {
	key := strings.ToLower(strings.TrimSpace(email))
	if run.seen[key] {
		return true
	}
	run.seen[key] = true

	msg := tmpl
	msg.To = email
	attempts, err := h.retry.Do(ctx, func(ctx context.Context) error {
		ok, err := h.svc.Mailer.SendStageNotification(ctx, msg)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("mailer rejected message to %s", email)
		}
		return nil
	}, func(err error, wait time.Duration) {
		h.logger.Debug("retrying notification", "to", email, "wait", wait, "error", err)
	})
	if err != nil {
		h.logger.Warn("notification failed", "to", email, "attempts", attempts, "error", err)
		return false
	}
	run.sent = append(run.sent, email)
	return true
}
