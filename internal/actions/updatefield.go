// internal/actions/updatefield.go
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/flowflex/stagecondition/internal/types"
)

const msgFieldRequired = "FieldId, FieldName or parameters.fieldPath is required for UpdateField action"

type updateField struct {
	svc    Services
	logger *slog.Logger
}

func (h *updateField) Type() string { return types.ActionUpdateField }

func (h *updateField) Handle(ctx context.Context, call Call) types.ActionResult {
	res := newResult(types.ResultUpdateField, call.Spec)
	spec := call.Spec
	exec := call.Exec

	key := spec.FieldID
	if key == "" {
		key = spec.FieldName
	}
	if key == "" {
		res.ErrorMessage = msgFieldRequired
		return res
	}
	fields := h.svc.Fields
	if tx, ok := call.Cases.(FieldValueStore); ok {
		fields = tx
	}
	if fields == nil {
		res.ErrorMessage = "no field value store configured for UpdateField action"
		return res
	}

	if call.Cases != nil {
		if _, err := call.Cases.GetCase(ctx, exec.TenantID, exec.CaseID); err != nil {
			res.ErrorMessage = caseError(exec.CaseID, err)
			return res
		}
	}

	storageName := key
	var fieldID *int64
	if spec.FieldID != "" {
		if id, err := strconv.ParseInt(spec.FieldID, 10, 64); err == nil {
			fieldID = &id
			if h.svc.Properties != nil {
				name, err := h.svc.Properties.FieldNameByID(ctx, exec.TenantID, id)
				switch {
				case err != nil:
					h.logger.Warn("resolving field name", "field_id", id, "error", err)
				case name != "":
					storageName = name
				}
			}
		}
	}

	valueJSON, err := json.Marshal(spec.FieldValue)
	if err != nil {
		res.ErrorMessage = fmt.Sprintf("field value is not serializable: %v", err)
		return res
	}

	err = fields.UpsertCaseFields(ctx, exec.TenantID, exec.CaseID, []FieldValue{{
		Name:      storageName,
		FieldID:   fieldID,
		ValueJSON: valueJSON,
		Source:    types.SourceStageCondition,
	}})
	if err != nil {
		res.ErrorMessage = err.Error()
		return res
	}

	res.Success = true
	res.ResultData["fieldId"] = spec.FieldID
	res.ResultData["fieldName"] = storageName
	res.ResultData["newValue"] = spec.FieldValue
	res.ResultData["displayValue"] = spec.FieldValue
	if display, ok := h.displayValue(ctx, exec.TenantID, spec.FieldValue); ok {
		res.ResultData["displayValue"] = display
	}

	h.logger.Info("case field updated",
		"case_id", exec.CaseID, "field", storageName, "evaluation_id", exec.EvaluationID)
	return res
}

// displayValue renders values made only of numeric ids as the names of the
// matching directory users. Ids without a user keep their numeric form.
func (h *updateField) displayValue(ctx context.Context, tenant types.TenantID, value any) (string, bool) {
	if h.svc.Directory == nil || value == nil {
		return "", false
	}
	parts := StringList(value)
	if len(parts) == 0 {
		return "", false
	}
	ids, all := numericIDs(parts)
	if !all {
		return "", false
	}

	users, err := h.svc.Directory.UsersByIDs(ctx, tenant, ids)
	if err != nil {
		h.logger.Debug("resolving display value", "error", err)
		return "", false
	}
	if len(users) == 0 {
		return "", false
	}

	byID := make(map[int64]User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		if u, ok := byID[id]; ok {
			names[i] = userDisplayName(u)
		} else {
			names[i] = strconv.FormatInt(id, 10)
		}
	}
	return strings.Join(names, ","), true
}
