package audit

import (
	"encoding/json"

	"github.com/equiplan/equiplan/internal/masking"
)

// monetaryFields names snapshot keys carrying money amounts. Snapshots store
// these unredacted; readers lacking view-financials see them masked through
// the same transform used for live data.
var monetaryFields = map[string]struct{}{
	"amount":          {},
	"plan_amount":     {},
	"forecast_amount": {},
	"actual_amount":   {},
}

// RedactEntry returns a copy of e with monetary snapshot fields replaced by
// masking bundles when the reader lacks view-financials. The peer group is
// resolved per snapshot from its own category field.
func RedactEntry(e Entry, hasViewFinancials bool, peers []masking.Peer) Entry {
	if hasViewFinancials {
		return e
	}
	e.Before = redactSnapshot(e.Before, peers)
	e.After = redactSnapshot(e.After, peers)
	return e
}

func redactSnapshot(raw json.RawMessage, peers []masking.Peer) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return raw
	}
	category := ""
	if catRaw, ok := fields["category"]; ok {
		_ = json.Unmarshal(catRaw, &category)
	}
	changed := false
	for key, value := range fields {
		if _, ok := monetaryFields[key]; !ok {
			continue
		}
		var amount float64
		if err := json.Unmarshal(value, &amount); err != nil {
			continue
		}
		masked, err := json.Marshal(masking.Mask(amount, category, peers, false))
		if err != nil {
			continue
		}
		fields[key] = masked
		changed = true
	}
	if !changed {
		return raw
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return out
}
