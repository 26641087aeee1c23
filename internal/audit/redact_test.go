package audit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equiplan/equiplan/internal/masking"
)

var cranePeers = []masking.Peer{
	{Category: "Cranes", Value: 100000},
	{Category: "Cranes", Value: 200000},
	{Category: "Cranes", Value: 450000},
	{Category: "Excavators", Value: 900000},
}

func TestRedactEntryMasksMonetaryFields(t *testing.T) {
	e := Entry{
		Action: "pfa.update",
		Before: json.RawMessage(`{"category":"Cranes","amount":200000,"version":1}`),
		After:  json.RawMessage(`{"category":"Cranes","amount":450000,"version":2}`),
	}

	redacted := RedactEntry(e, false, cranePeers)

	var after map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(redacted.After, &after))

	var bundle masking.Bundle
	require.NoError(t, json.Unmarshal(after["amount"], &bundle))
	assert.Equal(t, masking.Placeholder, bundle.Placeholder)
	assert.Equal(t, masking.ImpactCritical, bundle.Impact)
	assert.Equal(t, 100, bundle.Percentile)

	// Non-monetary fields survive untouched.
	assert.Equal(t, json.RawMessage(`2`), after["version"])

	// The original entry's snapshots are not mutated.
	assert.JSONEq(t, `{"category":"Cranes","amount":450000,"version":2}`, string(e.After))
}

func TestRedactEntryPassthroughForFinanceViewers(t *testing.T) {
	e := Entry{
		Before: json.RawMessage(`{"category":"Cranes","amount":200000}`),
	}
	got := RedactEntry(e, true, cranePeers)
	assert.Equal(t, e, got)
}

func TestRedactEntryLeavesNonMonetarySnapshotsAlone(t *testing.T) {
	e := Entry{
		Action: "grant.upsert",
		After:  json.RawMessage(`{"role":"editor","granted_by":2}`),
	}
	got := RedactEntry(e, false, nil)
	assert.Equal(t, e.After, got.After)
}

func TestRedactEntryToleratesMalformedSnapshots(t *testing.T) {
	e := Entry{After: json.RawMessage(`not json`)}
	got := RedactEntry(e, false, nil)
	assert.Equal(t, e.After, got.After)
}
