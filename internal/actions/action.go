// internal/actions/action.go
package actions

/*
 * Action documents and their tolerant decoding.
 *
 * A condition's actions are stored as a JSON list authored by a workflow
 * designer:
 *
 *   [{"type":"GoToStage","order":1,"targetStageId":"2006236814662307840"},
 *    {"type":"notify","order":0,"users":["42"]},
 *    {"type":"AssignUser","parameters":{"assigneeType":"team","assigneeIds":["T1"]}}]
 *
 * Decoding never rejects an individual entry: unknown fields are ignored,
 * keys match case-insensitively, ids may be numbers or numeric strings, and
 * type-specific inputs are accepted either at the top level or inside
 * "parameters". Handlers report missing inputs as failed results. Only a
 * document that is not a list (or single object) of objects fails to decode.
 */

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/flowflex/stagecondition/internal/types"
)

// Spec is one decoded action entry.
type Spec struct {
	// Type is the canonical lowercase action id, or the normalized authored
	// type when it matches no known action.
	Type string

	// RawType is the type exactly as authored.
	RawType string

	Order int

	TargetStageID *types.StageID
	SkipCount     int
	EndStatus     string

	Users     []string
	Teams     []string
	Subject   string
	EmailBody string

	FieldID       string
	FieldName     string
	FieldValue    any
	HasFieldValue bool

	ActionDefinitionID *types.ActionDefinitionID

	AssigneeType string
	AssigneeIDs  []string

	Parameters map[string]any
}

// typeAliases maps normalized authored type names to action ids.
var typeAliases = map[string]string{
	"gotostage":        types.ActionGoToStage,
	"goto":             types.ActionGoToStage,
	"advance":          types.ActionGoToStage,
	"advancetostage":   types.ActionGoToStage,
	"skipstage":        types.ActionSkipStage,
	"skip":             types.ActionSkipStage,
	"skipstages":       types.ActionSkipStage,
	"endworkflow":      types.ActionEndWorkflow,
	"end":              types.ActionEndWorkflow,
	"terminate":        types.ActionEndWorkflow,
	"sendnotification": types.ActionSendNotification,
	"notify":           types.ActionSendNotification,
	"notification":     types.ActionSendNotification,
	"updatefield":      types.ActionUpdateField,
	"triggeraction":    types.ActionTriggerAction,
	"trigger":          types.ActionTriggerAction,
	"assignuser":       types.ActionAssignUser,
	"assign":           types.ActionAssignUser,
}

// resultNames maps action ids to the type reported in ActionResult.
var resultNames = map[string]string{
	types.ActionGoToStage:        types.ResultGoToStage,
	types.ActionSkipStage:        types.ResultSkipStage,
	types.ActionEndWorkflow:      types.ResultEndWorkflow,
	types.ActionSendNotification: types.ResultSendNotification,
	types.ActionUpdateField:      types.ResultUpdateField,
	types.ActionTriggerAction:    types.ResultTriggerAction,
	types.ActionAssignUser:       types.ResultAssignUser,
}

// NormalizeType maps an authored type name to its action id. The second
// return is false for unknown types, in which case the normalized name is
// returned.
func NormalizeType(raw string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("_", "", "-", "", " ", "").Replace(key)
	if id, ok := typeAliases[key]; ok {
		return id, true
	}
	return key, false
}

// ResultName returns the ActionResult type name for an action id.
func ResultName(actionType string) string {
	if name, ok := resultNames[actionType]; ok {
		return name
	}
	return actionType
}

// ParseActions decodes an action document. An empty or null document yields
// no specs.
func ParseActions(doc json.RawMessage) ([]Spec, error) {
	entries, err := decodeEntries(doc)
	if err != nil {
		return nil, err
	}

	specs := make([]Spec, 0, len(entries))
	for _, entry := range entries {
		specs = append(specs, specFromEntry(entry))
	}
	return specs, nil
}

// ParseErrorResult is the single result reported for an undecodable document.
func ParseErrorResult(err error) types.ActionResult {
	return types.ActionResult{
		ActionType:   types.ResultParseError,
		Success:      false,
		ErrorMessage: fmt.Sprintf("Invalid ActionsJson format: %v", err),
	}
}

// decodeEntries accepts a list of objects, a single object, or either of
// those encoded a second time as a JSON string.
func decodeEntries(doc json.RawMessage) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(doc)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	raw, err := decodeNumber(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidActions, err)
	}

	if s, ok := raw.(string); ok {
		inner := strings.TrimSpace(s)
		if inner == "" {
			return nil, nil
		}
		if raw, err = decodeNumber([]byte(inner)); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidActions, err)
		}
	}

	switch v := raw.(type) {
	case map[string]any:
		return []map[string]any{v}, nil
	case []any:
		entries := make([]map[string]any, 0, len(v))
		for i, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: entry %d is not an object", types.ErrInvalidActions, i)
			}
			entries = append(entries, obj)
		}
		return entries, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: expected a list of actions", types.ErrInvalidActions)
	}
}

func decodeNumber(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after document")
	}
	return v, nil
}

func specFromEntry(entry map[string]any) Spec {
	params, _ := lookup(entry, "parameters")
	paramMap, _ := params.(map[string]any)

	get := func(topKeys []string, paramKeys []string) (any, bool) {
		for _, k := range topKeys {
			if v, ok := lookup(entry, k); ok && v != nil {
				return v, true
			}
		}
		for _, k := range paramKeys {
			if v, ok := lookup(paramMap, k); ok && v != nil {
				return v, true
			}
		}
		return nil, false
	}

	spec := Spec{
		Order:      types.DefaultActionOrder,
		SkipCount:  1,
		Parameters: paramMap,
	}

	if v, ok := lookup(entry, "type"); ok {
		spec.RawType = asString(v)
	}
	spec.Type, _ = NormalizeType(spec.RawType)

	if v, ok := lookup(entry, "order"); ok {
		if n, ok := types.ParseInt64(v); ok {
			spec.Order = int(n)
		}
	}
	if v, ok := get([]string{"targetStageId"}, []string{"targetStageId"}); ok {
		if n, ok := types.ParseInt64(v); ok && n > 0 {
			spec.TargetStageID = types.Ptr(types.StageID(n))
		}
	}
	if v, ok := get([]string{"skipCount"}, []string{"skipCount"}); ok {
		if n, ok := types.ParseInt64(v); ok && n > 0 {
			spec.SkipCount = int(n)
		}
	}
	if v, ok := get([]string{"endStatus"}, []string{"endStatus"}); ok {
		spec.EndStatus = strings.TrimSpace(asString(v))
	}

	if v, ok := get([]string{"users"}, []string{"users"}); ok {
		spec.Users = StringList(v)
	}
	if v, ok := get([]string{"teams"}, []string{"teams"}); ok {
		spec.Teams = StringList(v)
	}
	if v, ok := get([]string{"subject"}, []string{"subject"}); ok {
		spec.Subject = asString(v)
	}
	if v, ok := get([]string{"emailBody", "body"}, []string{"emailBody", "body"}); ok {
		spec.EmailBody = asString(v)
	}

	if v, ok := get([]string{"fieldId"}, []string{"fieldId"}); ok {
		spec.FieldID = strings.TrimSpace(asString(v))
	}
	if v, ok := get([]string{"fieldName"}, []string{"fieldPath", "fieldName"}); ok {
		spec.FieldName = strings.TrimSpace(asString(v))
	}
	if v, ok := get([]string{"fieldValue"}, []string{"newValue", "fieldValue", "value"}); ok {
		spec.FieldValue = plainValue(v)
		spec.HasFieldValue = true
	}

	if v, ok := get([]string{"actionDefinitionId"}, []string{"actionDefinitionId"}); ok {
		if n, ok := types.ParseInt64(v); ok && n > 0 {
			spec.ActionDefinitionID = types.Ptr(types.ActionDefinitionID(n))
		}
	}

	if v, ok := get([]string{"assigneeType"}, []string{"assigneeType"}); ok {
		spec.AssigneeType = strings.ToLower(strings.TrimSpace(asString(v)))
	}
	if v, ok := get([]string{"assigneeIds"}, []string{"assigneeIds"}); ok {
		spec.AssigneeIDs = StringList(v)
	}
	if spec.AssigneeType == "" {
		if v, ok := lookup(entry, "userId"); ok && v != nil && asString(v) != "" {
			spec.AssigneeType = types.AssigneeUser
			spec.AssigneeIDs = append(spec.AssigneeIDs, asString(v))
		} else if v, ok := lookup(entry, "teamId"); ok && v != nil && asString(v) != "" {
			spec.AssigneeType = types.AssigneeTeam
			spec.AssigneeIDs = append(spec.AssigneeIDs, asString(v))
		}
	}

	return spec
}

// lookup finds key in m ignoring case. An exact match wins.
func lookup(m map[string]any, key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// StringList reads a list of ids written as a JSON array, a JSON array
// encoded in a string, or a comma separated string. Blank entries are
// dropped.
func StringList(v any) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if item != nil {
				add(asString(item))
			}
		}
	case []string:
		for _, item := range t {
			add(item)
		}
	case string:
		s := strings.TrimSpace(t)
		if strings.HasPrefix(s, "[") {
			if inner, err := decodeNumber([]byte(s)); err == nil {
				return StringList(inner)
			}
		}
		for _, part := range strings.Split(s, ",") {
			add(part)
		}
	case nil:
	default:
		add(asString(t))
	}
	return out
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// plainValue converts json.Number leaves back into float64 or int64 so field
// values serialize naturally.
func plainValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = plainValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = plainValue(item)
		}
		return out
	default:
		return v
	}
}
