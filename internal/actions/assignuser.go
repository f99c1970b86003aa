// internal/actions/assignuser.go
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flowflex/stagecondition/internal/types"
)

const msgAssigneeRequired = "AssignUser action requires assigneeType and assigneeIds in parameters"

type assignUser struct {
	svc    Services
	logger *slog.Logger
}

func (h *assignUser) Type() string { return types.ActionAssignUser }

func (h *assignUser) Handle(ctx context.Context, call Call) types.ActionResult {
	res := newResult(types.ResultAssignUser, call.Spec)
	spec := call.Spec
	exec := call.Exec

	kind := spec.AssigneeType
	if kind == "" || len(spec.AssigneeIDs) == 0 {
		res.ErrorMessage = msgAssigneeRequired
		return res
	}
	if kind != types.AssigneeUser && kind != types.AssigneeTeam {
		res.ErrorMessage = fmt.Sprintf("Unsupported assigneeType: %s", kind)
		return res
	}

	c, err := call.Cases.GetCase(ctx, exec.TenantID, exec.CaseID)
	if err != nil {
		res.ErrorMessage = caseError(exec.CaseID, err)
		return res
	}

	progress := append([]types.StageProgress(nil), c.StagesProgress...)
	entry := progressFor(progress, exec.StageID)
	if entry == nil {
		res.ErrorMessage = fmt.Sprintf("Stage progress not found for StageId %d", exec.StageID)
		return res
	}
	original := append([]string{}, entry.CustomAssignees...)

	var assignees, names []string
	if kind == types.AssigneeUser {
		assignees = spec.AssigneeIDs
		names = h.userNames(ctx, exec.TenantID, assignees)
	} else {
		assignees, names = h.expandTeams(ctx, exec.TenantID, spec.AssigneeIDs)
		res.ResultData["teamIds"] = spec.AssigneeIDs
		res.ResultData["memberUserIds"] = assignees
		res.ResultData["memberCount"] = len(assignees)
	}

	entry.CustomAssignees = assignees
	if err := call.Cases.UpdateStagesProgress(ctx, exec.TenantID, c.ID, progress, exec.Actor()); err != nil {
		res.ErrorMessage = err.Error()
		return res
	}

	res.Success = true
	res.ResultData["assigneeType"] = kind
	res.ResultData["assigneeIds"] = spec.AssigneeIDs
	res.ResultData["assigneeNames"] = names
	res.ResultData["assigneeCount"] = len(assignees)
	res.ResultData["stageId"] = exec.StageID
	res.ResultData["originalCustomStageAssignee"] = original
	res.ResultData["newCustomStageAssignee"] = assignees

	h.logger.Info("stage assignees updated",
		"case_id", c.ID,
		"stage_id", exec.StageID,
		"assignees", strings.Join(assignees, ","),
		"evaluation_id", exec.EvaluationID)
	return res
}

// userNames resolves display names for the numeric ids in ids. Lookup
// failures fall back to the ids themselves.
func (h *assignUser) userNames(ctx context.Context, tenant types.TenantID, ids []string) []string {
	numeric, _ := numericIDs(ids)
	if len(numeric) == 0 || h.svc.Directory == nil {
		return []string{}
	}
	users, err := h.svc.Directory.UsersByIDs(ctx, tenant, numeric)
	if err != nil {
		h.logger.Debug("resolving assignee names", "error", err)
		return append([]string{}, ids...)
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, userDisplayName(u))
	}
	return names
}

// expandTeams returns the distinct normal-user members of teamIDs, in team
// order. When no member resolves the raw team ids are returned.
func (h *assignUser) expandTeams(ctx context.Context, tenant types.TenantID, teamIDs []string) ([]string, []string) {
	names := []string{}
	if h.svc.Directory == nil {
		return teamIDs, names
	}

	members, err := teamMembers(ctx, h.svc.Directory, tenant, teamIDs, NormalUserType)
	if err != nil {
		h.logger.Warn("expanding assignee teams", "error", err)
		return teamIDs, names
	}

	byTeam := make(map[string][]TeamMember)
	for _, m := range members {
		byTeam[m.TeamID] = append(byTeam[m.TeamID], m)
	}

	seen := make(map[string]bool)
	var ids []string
	for _, teamID := range teamIDs {
		for _, m := range byTeam[teamID] {
			if m.UserType != NormalUserType || m.UserID == "" || seen[m.UserID] {
				continue
			}
			seen[m.UserID] = true
			ids = append(ids, m.UserID)
			names = append(names, memberName(m))
		}
	}

	if len(ids) == 0 {
		h.logger.Info("no team members resolved, assigning team ids", "teams", strings.Join(teamIDs, ","))
		return teamIDs, names
	}
	return ids, names
}

func memberName(m TeamMember) string {
	switch {
	case m.Name != "":
		return m.Name
	case m.Email != "":
		return m.Email
	default:
		return m.UserID
	}
}
