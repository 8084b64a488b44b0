package state

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

const ExecutionLogKey = "exec:log"

// maxExecutionLogEntries bounds the stored log; older entries roll off.
const maxExecutionLogEntries = 1000

type ExecutionLogEntry struct {
	Time     time.Time         `json:"time"`
	Action   string            `json:"action"`
	JobID    string            `json:"job_id,omitempty"`
	Position string            `json:"position_id,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
}

func AppendExecutionLog(ctx context.Context, store Store, entry ExecutionLogEntry) error {
	if store == nil {
		return nil
	}
	entries, err := LoadExecutionLog(ctx, store)
	if err != nil {
		return err
	}
	entries = append(entries, entry)
	if len(entries) > maxExecutionLogEntries {
		entries = entries[len(entries)-maxExecutionLogEntries:]
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return store.Set(ctx, ExecutionLogKey, string(payload))
}

func LoadExecutionLog(ctx context.Context, store Store) ([]ExecutionLogEntry, error) {
	if store == nil {
		return nil, nil
	}
	raw, ok, err := store.Get(ctx, ExecutionLogKey)
	if err != nil {
		return nil, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var entries []ExecutionLogEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
