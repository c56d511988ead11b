// Package validate decides whether extracted referral fields are complete
// enough to sync. It is pure policy: no IO, no clock, no state.
package validate

import (
	"strings"

	"referral-engine/internal/models"
)

// Result of checking one document's extracted fields.
type Result struct {
	Complete bool
	Missing  []string
}

// Policy lists the dotted field paths a referral must carry before it can be
// synced. Paths ending in ".contact" get an extra check: the contact object
// must hold at least one of phone, email, or address.
type Policy struct {
	Required []string
}

func NewPolicy(required []string) Policy {
	return Policy{Required: required}
}

// Check walks each required path through the extracted fields. The same input
// always yields the same result, and the missing list preserves the order of
// Required so notifications are stable across retries.
func (p Policy) Check(fields models.Fields) Result {
	var missing []string
	for _, path := range p.Required {
		v, ok := fields.Lookup(path)
		if !ok || models.Empty(v) {
			missing = append(missing, path)
			continue
		}
		if strings.HasSuffix(path, ".contact") {
			if m, isMap := v.(map[string]any); isMap && !anyContactMethod(m) {
				missing = append(missing, path+" (phone, email, or address)")
			}
		}
	}
	return Result{Complete: len(missing) == 0, Missing: missing}
}

func anyContactMethod(m map[string]any) bool {
	for _, k := range []string{"phone", "email", "address"} {
		if v, ok := m[k]; ok && !models.Empty(v) {
			return true
		}
	}
	return false
}
