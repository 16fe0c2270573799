// Package entities registers the topics compiled into localsync. Each table
// owns its payload type and the merge rules its policy needs.
package entities

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/cybertec-postgresql/localsync/internal/model"
	"github.com/cybertec-postgresql/localsync/internal/sync"
)

const (
	NotesTable    = "notes"
	SettingsTable = "settings"
	CountersTable = "counters"
)

// Note is a free text note. Tags form a grow-only set across devices.
type Note struct {
	Title    string   `json:"title"`
	Body     string   `json:"body,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Archived bool     `json:"archived,omitempty"`
}

func validateNote(n Note) error {
	if n.Title == "" {
		return errors.New("note title is required")
	}
	return nil
}

// MergeNotes keeps the local scalar fields and unions the tags
func MergeNotes(local, remote Note) (Note, error) {
	out := local
	out.Tags = append(slices.Clone(local.Tags), remote.Tags...)
	slices.Sort(out.Tags)
	out.Tags = slices.Compact(out.Tags)
	return out, nil
}

// Setting is a single user preference
type Setting struct {
	Value json.RawMessage `json:"value"`
}

func validateSetting(s Setting) error {
	if len(s.Value) == 0 {
		return errors.New("setting value is required")
	}
	if !json.Valid(s.Value) {
		return errors.New("setting value is not valid JSON")
	}
	return nil
}

// Counter is a grow-only counter keyed by device id
type Counter map[string]int64

// Total returns the counter value
func (c Counter) Total() int64 {
	var n int64
	for _, v := range c {
		n += v
	}
	return n
}

// Increment adds n to the share of device
func (c Counter) Increment(device string, n int64) error {
	if n < 0 {
		return fmt.Errorf("counter cannot decrease by %d", -n)
	}
	c[device] += n
	return nil
}

func validateCounter(c Counter) error {
	for device, v := range c {
		if v < 0 {
			return fmt.Errorf("negative count %d for %s", v, device)
		}
	}
	return nil
}

// MergeCounters takes the per device maximum, which makes the merge
// commutative and idempotent.
func MergeCounters(local, remote json.RawMessage) (json.RawMessage, error) {
	var l, r Counter
	if err := json.Unmarshal(local, &l); err != nil {
		return nil, fmt.Errorf("%w: local counter: %v", model.ErrIrreconcilable, err)
	}
	if err := json.Unmarshal(remote, &r); err != nil {
		return nil, fmt.Errorf("%w: remote counter: %v", model.ErrIrreconcilable, err)
	}
	out := make(Counter, len(l)+len(r))
	for k, v := range l {
		out[k] = v
	}
	for k, v := range r {
		out[k] = max(out[k], v)
	}
	return json.Marshal(out)
}

// Notes is the notes topic
func Notes() sync.Adapter {
	return sync.NewTopic(sync.TopicConfig[Note]{
		Table:    NotesTable,
		Policy:   sync.PolicyMerge,
		Validate: validateNote,
		Merge:    MergeNotes,
	})
}

// Settings is the settings topic
func Settings() sync.Adapter {
	return sync.NewTopic(sync.TopicConfig[Setting]{
		Table:    SettingsTable,
		Policy:   sync.PolicyLWW,
		Validate: validateSetting,
	})
}

// Counters is the counters topic
func Counters() sync.Adapter {
	return sync.NewTopic(sync.TopicConfig[Counter]{
		Table:    CountersTable,
		Policy:   sync.PolicyCRDT,
		Validate: validateCounter,
		CRDT:     MergeCounters,
	})
}

// All returns every built-in topic
func All() []sync.Adapter {
	return []sync.Adapter{Notes(), Settings(), Counters()}
}

// ByTable returns the built-in topic for table
func ByTable(table string) (sync.Adapter, error) {
	for _, a := range All() {
		if a.Table() == table {
			return a, nil
		}
	}
	return nil, fmt.Errorf("unknown table %q", table)
}
