package jobmodel

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// wireState is the stable on-disk state name.
type wireState = string

// MetadataRecord is the JSON shape persisted as a job's metadata file. Field
// names are the stable wire contract; Extra preserves any top-level key
// this binary does not know about so a read-modify-write cycle never drops
// foreign data.
type MetadataRecord struct {
	ID             string                 `json:"id"`
	State          wireState              `json:"state"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
	OwnerID        string                 `json:"ownerId,omitempty"`
	LeaseExpiresAt *time.Time             `json:"leaseExpiresAt,omitempty"`
	Input          map[string]any         `json:"input,omitempty"`
	Stages         map[string]StageRecord `json:"-"`
	Extra          map[string]json.RawMessage `json:"-"`
}

type stageWire struct {
	Status     StageStatus `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	Message    string      `json:"message,omitempty"`
	Provider   string      `json:"provider,omitempty"`
	Artifacts  []string    `json:"artifacts,omitempty"`
	FinishedAt *time.Time  `json:"finishedAt,omitempty"`
}

// knownFields are the top-level metadata keys this binary interprets;
// everything else round-trips through Extra untouched.
var knownFields = map[string]bool{
	"id": true, "state": true, "createdAt": true, "updatedAt": true,
	"ownerId": true, "leaseExpiresAt": true, "input": true,
}

// MarshalJSON flattens the stage records to top-level keys (e.g.
// "download", "separation") alongside the fixed fields, and re-emits any
// unknown top-level keys captured in Extra.
func (m MetadataRecord) MarshalJSON() ([]byte, error) {
	obj := map[string]json.RawMessage{}

	type alias struct {
		ID             string         `json:"id"`
		State          wireState      `json:"state"`
		CreatedAt      time.Time      `json:"createdAt"`
		UpdatedAt      time.Time      `json:"updatedAt"`
		OwnerID        string         `json:"ownerId,omitempty"`
		LeaseExpiresAt *time.Time     `json:"leaseExpiresAt,omitempty"`
		Input          map[string]any `json:"input,omitempty"`
	}
	base, err := json.Marshal(alias{
		ID: m.ID, State: m.State, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
		OwnerID: m.OwnerID, LeaseExpiresAt: m.LeaseExpiresAt, Input: m.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal base metadata: %w", err)
	}
	var baseMap map[string]json.RawMessage
	if err := json.Unmarshal(base, &baseMap); err != nil {
		return nil, err
	}
	for k, v := range baseMap {
		obj[k] = v
	}

	// Unknown keys first, so a known stage name always wins on collision.
	for k, v := range m.Extra {
		if knownFields[k] {
			continue
		}
		obj[k] = v
	}

	for name, rec := range m.Stages {
		sw := stageWire{
			Status: rec.Status, Reason: rec.Reason, Message: rec.Message,
			Provider: rec.Provider, Artifacts: rec.Artifacts, FinishedAt: rec.FinishedAt,
		}
		raw, err := json.Marshal(sw)
		if err != nil {
			return nil, fmt.Errorf("marshal stage %q: %w", name, err)
		}
		obj[name] = raw
	}

	return marshalOrdered(obj)
}

// marshalOrdered produces deterministic output (sorted keys) so that
// metadata files are stable across repeated writes of unchanged data,
// which keeps test fixtures and diffs readable.
func marshalOrdered(obj map[string]json.RawMessage) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, obj[k]...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// UnmarshalJSON splits the flat JSON object back into fixed fields, known
// stage records, and an Extra bag for anything else, so unknown fields
// survive a read-modify-write cycle untouched.
func (m *MetadataRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["id"]; ok {
		if err := json.Unmarshal(v, &m.ID); err != nil {
			return fmt.Errorf("field id: %w", err)
		}
	}
	if v, ok := raw["state"]; ok {
		if err := json.Unmarshal(v, &m.State); err != nil {
			return fmt.Errorf("field state: %w", err)
		}
	}
	if v, ok := raw["createdAt"]; ok {
		if err := json.Unmarshal(v, &m.CreatedAt); err != nil {
			return fmt.Errorf("field createdAt: %w", err)
		}
	}
	if v, ok := raw["updatedAt"]; ok {
		if err := json.Unmarshal(v, &m.UpdatedAt); err != nil {
			return fmt.Errorf("field updatedAt: %w", err)
		}
	}
	if v, ok := raw["ownerId"]; ok {
		if err := json.Unmarshal(v, &m.OwnerID); err != nil {
			return fmt.Errorf("field ownerId: %w", err)
		}
	}
	if v, ok := raw["leaseExpiresAt"]; ok {
		if err := json.Unmarshal(v, &m.LeaseExpiresAt); err != nil {
			return fmt.Errorf("field leaseExpiresAt: %w", err)
		}
	}
	if v, ok := raw["input"]; ok {
		if err := json.Unmarshal(v, &m.Input); err != nil {
			return fmt.Errorf("field input: %w", err)
		}
	}

	m.Stages = map[string]StageRecord{}
	m.Extra = map[string]json.RawMessage{}

	for k, v := range raw {
		if knownFields[k] {
			continue
		}
		var sw stageWire
		if err := json.Unmarshal(v, &sw); err == nil && sw.Status != "" {
			m.Stages[k] = StageRecord{
				Status: sw.Status, Reason: sw.Reason, Message: sw.Message,
				Provider: sw.Provider, Artifacts: sw.Artifacts, FinishedAt: sw.FinishedAt,
			}
			continue
		}
		// Not a recognizable stage object: preserve verbatim.
		m.Extra[k] = v
	}

	return nil
}

// ToJob converts a parsed metadata record into the in-memory Job type used
// by the rest of the core.
func (m *MetadataRecord) ToJob() *Job {
	state, ok := StateFromDirName(m.State)
	if !ok {
		state = State(m.State)
	}
	return &Job{
		ID:             m.ID,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		State:          state,
		OwnerID:        m.OwnerID,
		LeaseExpiresAt: m.LeaseExpiresAt,
		Stages:         m.Stages,
		Input:          m.Input,
	}
}

// FromJob projects a Job back into its wire representation, carrying over
// any previously-seen unknown fields.
func FromJob(j *Job, extra map[string]json.RawMessage) *MetadataRecord {
	return &MetadataRecord{
		ID:             j.ID,
		State:          j.State.DirName(),
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		OwnerID:        j.OwnerID,
		LeaseExpiresAt: j.LeaseExpiresAt,
		Input:          j.Input,
		Stages:         j.Stages,
		Extra:          extra,
	}
}
