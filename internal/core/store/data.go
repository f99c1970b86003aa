// internal/core/store/data.go
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/flowflex/stagecondition/internal/engine"
	"github.com/flowflex/stagecondition/internal/types"
)

// Component statuses reported in the rule input.
const (
	statusPending   = "Pending"
	statusCompleted = "Completed"
)

var _ engine.DataBuilder = (*Store)(nil)

// BuildInput assembles the rule input tree of a case:
//
//	fields          case-level field values by name
//	checklist       task completion of the given stages
//	questionnaire   answers and scores of the given stages
//	attachments     files uploaded on the given stages
//
// Component data of several stages is merged into one subtree each.
func (s *Store) BuildInput(ctx context.Context, tenant types.TenantID, caseID types.CaseID, stages []types.StageID) (map[string]any, error) {
	fields, err := s.caseFields(ctx, tenant, caseID)
	if err != nil {
		return nil, err
	}
	input := map[string]any{"fields": fields}
	if len(stages) == 0 {
		input["checklist"] = checklistInput(nil)
		input["questionnaire"] = questionnaireInput(nil, s.logger)
		input["attachments"] = attachmentInput(nil)
		return input, nil
	}

	var tasks []taskRow
	if err := s.q.SelectIn(ctx, "checklist-tasks", &tasks, caseID, tenant, stages); err != nil {
		return nil, fmt.Errorf("load checklist of case %d: %w", caseID, err)
	}
	var answers []answerRow
	if err := s.q.SelectIn(ctx, "questionnaire-answers", &answers, tenant, caseID, stages); err != nil {
		return nil, fmt.Errorf("load questionnaires of case %d: %w", caseID, err)
	}
	var files []fileRow
	if err := s.q.SelectIn(ctx, "case-files", &files, tenant, caseID, stages); err != nil {
		return nil, fmt.Errorf("load files of case %d: %w", caseID, err)
	}

	input["checklist"] = checklistInput(tasks)
	input["questionnaire"] = questionnaireInput(answers, s.logger)
	input["attachments"] = attachmentInput(files)
	return input, nil
}

type fieldRow struct {
	Name      string `db:"name"`
	ValueJSON string `db:"value_json"`
}

func (s *Store) caseFields(ctx context.Context, tenant types.TenantID, caseID types.CaseID) (map[string]any, error) {
	var rows []fieldRow
	if err := s.q.Select(ctx, "list-case-fields", &rows, tenant, caseID); err != nil {
		return nil, fmt.Errorf("load fields of case %d: %w", caseID, err)
	}
	fields := make(map[string]any, len(rows))
	for _, r := range rows {
		var v any
		if err := json.Unmarshal([]byte(r.ValueJSON), &v); err != nil {
			// Legacy rows hold bare strings.
			v = r.ValueJSON
		}
		fields[r.Name] = v
	}
	return fields, nil
}

type taskRow struct {
	ID              int64  `db:"id"`
	ChecklistID     int64  `db:"checklist_id"`
	Name            string `db:"name"`
	IsCompleted     bool   `db:"is_completed"`
	CompletionNotes string `db:"completion_notes"`
}

func checklistInput(tasks []taskRow) map[string]any {
	byList := make(map[string]any)
	completed := 0
	for _, t := range tasks {
		listID := strconv.FormatInt(t.ChecklistID, 10)
		list, ok := byList[listID].(map[string]any)
		if !ok {
			list = make(map[string]any)
			byList[listID] = list
		}
		list[strconv.FormatInt(t.ID, 10)] = map[string]any{
			"isCompleted":     t.IsCompleted,
			"name":            t.Name,
			"completionNotes": t.CompletionNotes,
		}
		if t.IsCompleted {
			completed++
		}
	}

	total := len(tasks)
	status := statusPending
	if total > 0 && completed >= total {
		status = statusCompleted
	}
	pct := 0.0
	if total > 0 {
		pct = float64(completed) * 100 / float64(total)
	}
	return map[string]any{
		"status":               status,
		"completedCount":       completed,
		"totalCount":           total,
		"completionPercentage": pct,
		"tasks":                byList,
	}
}

type answerRow struct {
	QuestionnaireID int64    `db:"questionnaire_id"`
	Status          string   `db:"status"`
	TotalScore      *float64 `db:"total_score"`
	AnswersJSON     string   `db:"answers_json"`
}

// questionnaireInput reports the shared status of all answer rows, or
// Pending when there are none or they disagree. totalScore is nil until at
// least one questionnaire is scored.
func questionnaireInput(rows []answerRow, logger *slog.Logger) map[string]any {
	answers := make(map[string]any, len(rows))
	status := statusPending
	var total *float64

	for i, r := range rows {
		switch {
		case i == 0:
			status = r.Status
		case r.Status != status:
			status = statusPending
		}
		if r.TotalScore != nil {
			sum := *r.TotalScore
			if total != nil {
				sum += *total
			}
			total = &sum
		}

		id := strconv.FormatInt(r.QuestionnaireID, 10)
		var doc any
		if err := json.Unmarshal([]byte(r.AnswersJSON), &doc); err != nil {
			logger.Warn("skipping undecodable questionnaire answers",
				"questionnaire_id", r.QuestionnaireID, "error", err)
			continue
		}
		if obj, ok := doc.(map[string]any); ok {
			answers[id] = obj
		} else {
			answers[id] = map[string]any{id: doc}
		}
	}

	out := map[string]any{
		"status":  status,
		"answers": answers,
	}
	if total != nil {
		out["totalScore"] = *total
	} else {
		out["totalScore"] = nil
	}
	return out
}

type fileRow struct {
	FileName string `db:"file_name"`
	FileSize int64  `db:"file_size"`
}

func attachmentInput(files []fileRow) map[string]any {
	names := make([]string, 0, len(files))
	var size int64
	for _, f := range files {
		names = append(names, f.FileName)
		size += f.FileSize
	}
	return map[string]any{
		"fileCount":     len(files),
		"hasAttachment": len(files) > 0,
		"totalSize":     size,
		"fileNames":     names,
	}
}
