package v1

import (
	"encoding/json"
	"fmt"

	braiderrors "github.com/braidlab/braid/internal/core/errors"
)

// PayloadValidator checks the kind-specific shape of a bead payload.
type PayloadValidator func(payload map[string]interface{}) error

// payloadValidators is the tagged-union schema table, keyed by Kind.
// Kinds without an entry fall through to "accepted as-is", which keeps the
// ledger forward compatible with worker kinds this binary does not know.
var payloadValidators = map[Kind]PayloadValidator{
	KindAnalysisResult: validateAnalysisResultPayload,
	KindVerdict:        validateVerdictPayload,
}

// RegisterPayloadValidator installs (or replaces) the schema for one kind.
func RegisterPayloadValidator(k Kind, v PayloadValidator) {
	payloadValidators[k] = v
}

// ValidatePayload checks payload against the registered schema for kind.
// Failures surface as ValidationError on the payload field.
func ValidatePayload(kind Kind, payload map[string]interface{}) error {
	v, ok := payloadValidators[kind]
	if !ok {
		return nil
	}
	if err := v(payload); err != nil {
		return braiderrors.NewValidationError("payload",
			fmt.Sprintf("%s payload: %v", kind, err))
	}
	return nil
}

func validateAnalysisResultPayload(payload map[string]interface{}) error {
	if payload == nil {
		return nil
	}
	raw, present := payload["findings"]
	if !present || raw == nil {
		return nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("findings not serializable: %v", err)
	}
	var list []map[string]interface{}
	if err := json.Unmarshal(buf, &list); err != nil {
		return fmt.Errorf("findings must be a list of objects")
	}
	// Checked raw, before severity normalization maps unknowns to INFO.
	for i, m := range list {
		if s, _ := m["title"].(string); s == "" {
			return fmt.Errorf("finding %d has no title", i)
		}
		if s, _ := m["severity"].(string); s == "" {
			return fmt.Errorf("finding %d has no severity", i)
		}
	}
	return nil
}

func validateVerdictPayload(payload map[string]interface{}) error {
	if payload == nil {
		return fmt.Errorf("payload is required")
	}
	v, ok := payload["verdict"].(string)
	if !ok || v == "" {
		return fmt.Errorf("verdict field is required")
	}
	switch v {
	case "BLOCK", "WARN", "PASS":
		return nil
	default:
		return fmt.Errorf("verdict must be BLOCK, WARN or PASS, got %q", v)
	}
}
