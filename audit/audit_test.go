package audit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perdura/durable/api"
	"github.com/perdura/durable/audit"
	inmemstore "github.com/perdura/durable/features/store/inmem"
)

type collectingEmitter struct {
	mu      sync.Mutex
	entries []*api.AuditEntry
}

func (e *collectingEmitter) Emit(_ context.Context, entry *api.AuditEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
}

func (e *collectingEmitter) all() []*api.AuditEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*api.AuditEntry(nil), e.entries...)
}

func TestRecordPersistsWhenEnabled(t *testing.T) {
	st := inmemstore.New()
	l := audit.New(audit.Options{Store: st, Enabled: true})
	ctx := context.Background()

	l.Record(ctx, "exec-1", 1, api.AuditStepCompleted, map[string]any{"step_id": "charge"})
	l.Record(ctx, "exec-1", 1, api.AuditSleepScheduled, map[string]any{"step_id": "__sleep:0"})

	entries, err := st.ListAuditEntries(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, api.AuditStepCompleted, entries[0].Kind)
	assert.Equal(t, "charge", entries[0].Fields["step_id"])
	assert.Equal(t, 1, entries[0].Attempt)
	assert.NotEmpty(t, entries[0].ID)
}

func TestRecordSkipsStoreWhenDisabled(t *testing.T) {
	st := inmemstore.New()
	l := audit.New(audit.Options{Store: st, Enabled: false})
	ctx := context.Background()

	l.Record(ctx, "exec-1", 1, api.AuditStepCompleted, nil)

	entries, err := st.ListAuditEntries(ctx, "exec-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEmitterReceivesEntries(t *testing.T) {
	emitter := &collectingEmitter{}
	l := audit.New(audit.Options{Emitter: emitter})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Record(ctx, "exec-1", 1, api.AuditNote, map[string]any{"n": i})
	}
	l.Close()

	entries := emitter.all()
	require.Len(t, entries, 5, "Close drains buffered entries first")
	assert.Equal(t, api.AuditNote, entries[0].Kind)
}

func TestCloseIsIdempotent(t *testing.T) {
	l := audit.New(audit.Options{Emitter: &collectingEmitter{}})
	l.Record(context.Background(), "exec-1", 1, api.AuditNote, nil)
	l.Close()
	l.Close()
}

func TestEntryIDsSortByRecordTime(t *testing.T) {
	st := inmemstore.New()
	l := audit.New(audit.Options{Store: st, Enabled: true})
	ctx := context.Background()

	l.Record(ctx, "exec-1", 1, api.AuditNote, map[string]any{"seq": 1})
	time.Sleep(2 * time.Millisecond)
	l.Record(ctx, "exec-1", 1, api.AuditNote, map[string]any{"seq": 2})

	entries, err := st.ListAuditEntries(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Fields["seq"])
	assert.Equal(t, 2, entries[1].Fields["seq"])
}

func TestRecordWithoutStoreOrEmitterIsSafe(t *testing.T) {
	l := audit.New(audit.Options{})
	l.Record(context.Background(), "exec-1", 1, api.AuditNote, nil)
	l.Close()
}
