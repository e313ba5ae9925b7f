package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestLogger(t *testing.T) (*Logger, *fakeClock, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "audit")
	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	return NewLogger(dir, WithClock(clock.Now)), clock, dir
}

func TestLogSuccessWritesEvent(t *testing.T) {
	l, _, dir := newTestLogger(t)

	require.NoError(t, l.LogSuccess(OpDetailGet, "acme/api_key"))

	data, err := os.ReadFile(filepath.Join(dir, "2026-03.jsonl"))
	require.NoError(t, err)

	var event Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &event))
	assert.Equal(t, 1, event.Version)
	assert.Equal(t, OpDetailGet, event.Operation)
	assert.Equal(t, "acme/api_key", event.Subject)
	assert.Equal(t, SourceCLI, event.Source)
	assert.Equal(t, ResultSuccess, event.Result)
	assert.Equal(t, int64(1), event.Chain.Sequence)
	assert.Equal(t, genesisHash, event.Chain.PrevHash)
	assert.Len(t, event.Chain.Hash, 64)
	assert.NotEmpty(t, event.ID)

	info, err := os.Stat(filepath.Join(dir, "2026-03.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLogErrorRecordsCode(t *testing.T) {
	l, _, _ := newTestLogger(t)
	require.NoError(t, l.LogError(OpVaultUnlockFailed, "", "AUTH_FAILED", "wrong password"))

	events, err := l.ListEvents(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Error)
	assert.Equal(t, "AUTH_FAILED", events[0].Error.Code)
	assert.Equal(t, ResultError, events[0].Result)
}

func TestChainContinuesAcrossLoggers(t *testing.T) {
	l, clock, dir := newTestLogger(t)
	require.NoError(t, l.LogSuccess(OpVaultInit, ""))
	require.NoError(t, l.LogSuccess(OpProjectCreate, "acme"))

	next := NewLogger(dir, WithClock(clock.Now), WithSource(SourceLoader))
	require.NoError(t, next.LogSuccess(OpDetailLoad, "acme"))

	events, err := next.ListEvents(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[2].Chain.Sequence)
	assert.Equal(t, events[1].Chain.Hash, events[2].Chain.PrevHash)
	assert.Equal(t, SourceLoader, events[2].Source)
	assert.NotEqual(t, events[0].ProcessID, events[2].ProcessID)

	result, err := next.Verify()
	require.NoError(t, err)
	assert.True(t, result.Valid, result.Errors)
	assert.Equal(t, 3, result.RecordsVerified)
}

func TestVerifyDetectsTampering(t *testing.T) {
	l, _, dir := newTestLogger(t)
	for _, op := range []string{OpVaultInit, OpProjectCreate, OpDetailSet} {
		require.NoError(t, l.LogSuccess(op, "acme"))
	}

	file := filepath.Join(dir, "2026-03.jsonl")
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"op":"project.create"`, `"op":"project.remove"`, 1)
	require.NoError(t, os.WriteFile(file, []byte(tampered), 0600))

	result, err := l.Verify()
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, 3, result.RecordsTotal)
	assert.Equal(t, 2, result.RecordsVerified)
}

func TestVerifyDetectsRemovedRecord(t *testing.T) {
	l, _, dir := newTestLogger(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.LogSuccess(OpDetailGet, "acme/k"))
	}

	file := filepath.Join(dir, "2026-03.jsonl")
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	require.NoError(t, os.WriteFile(file, []byte(lines[0]+"\n"+lines[2]+"\n"), 0600))

	result, err := l.Verify()
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)
}

func TestListEventsFilter(t *testing.T) {
	l, clock, _ := newTestLogger(t)
	require.NoError(t, l.LogSuccess(OpProjectCreate, "acme"))
	clock.t = clock.t.Add(time.Hour)
	require.NoError(t, l.LogSuccess(OpDetailSet, "acme/api_key"))
	clock.t = clock.t.Add(time.Hour)
	require.NoError(t, l.LogSuccess(OpDetailSet, "beta/token"))

	tests := []struct {
		name string
		f    Filter
		want int
	}{
		{"all", Filter{}, 3},
		{"operation prefix", Filter{Operation: "detail."}, 2},
		{"subject prefix", Filter{Subject: "acme"}, 2},
		{"since", Filter{Since: clock.t.Add(-90 * time.Minute)}, 2},
		{"until", Filter{Until: clock.t.Add(-90 * time.Minute)}, 1},
		{"limit keeps most recent", Filter{Limit: 1}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := l.ListEvents(tt.f)
			require.NoError(t, err)
			assert.Len(t, events, tt.want)
		})
	}

	events, err := l.ListEvents(Filter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, "beta/token", events[0].Subject)
}

func TestExport(t *testing.T) {
	l, _, _ := newTestLogger(t)
	require.NoError(t, l.LogSuccess(OpProjectCreate, "acme"))
	require.NoError(t, l.LogError(OpDetailGet, "=cmd", "NOT_FOUND", "missing"))

	out, err := l.Export("csv", Filter{})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "timestamp,operation,subject,source,result,error", lines[0])
	assert.Contains(t, lines[2], `"=cmd"`)
	assert.True(t, strings.HasSuffix(lines[2], ",error,NOT_FOUND"))

	out, err = l.Export("json", Filter{})
	require.NoError(t, err)
	var events []Event
	require.NoError(t, json.Unmarshal(out, &events))
	assert.Len(t, events, 2)

	_, err = l.Export("xml", Filter{})
	assert.Error(t, err)
}

func TestCSVEscape(t *testing.T) {
	tests := map[string]string{
		"":           "",
		"plain":      "plain",
		"a,b":        `"a,b"`,
		`say "hi"`:   `"say ""hi"""`,
		"=SUM(A1)":   `"=SUM(A1)"`,
		"+1":         `"+1"`,
		"-1":         `"-1"`,
		"@x":         `"@x"`,
		"line\nnext": "\"line\nnext\"",
	}
	for in, want := range tests {
		assert.Equal(t, want, csvEscape(in), "input %q", in)
	}
}

func TestPrune(t *testing.T) {
	l, clock, dir := newTestLogger(t)
	require.NoError(t, l.LogSuccess(OpProjectCreate, "old"))

	clock.t = clock.t.AddDate(0, 2, 0)
	require.NoError(t, l.LogSuccess(OpProjectCreate, "new-1"))
	clock.t = clock.t.Add(48 * time.Hour)
	require.NoError(t, l.LogSuccess(OpProjectCreate, "new-2"))

	deleted, err := l.Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, err = os.Stat(filepath.Join(dir, "2026-03.jsonl"))
	assert.True(t, os.IsNotExist(err), "fully pruned month file is removed")

	events, err := l.ListEvents(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "new-2", events[0].Subject)

	result, err := l.Verify()
	require.NoError(t, err)
	assert.True(t, result.Valid, "pruned log verifies from first surviving record: %v", result.Errors)
}

func TestEmptyLog(t *testing.T) {
	l, _, _ := newTestLogger(t)

	events, err := l.ListEvents(Filter{})
	require.NoError(t, err)
	assert.Empty(t, events)

	result, err := l.Verify()
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Zero(t, result.RecordsTotal)

	out, err := l.Export("json", Filter{})
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(out))
}

// rewriteChain edits the subject of record n and re-links every record with
// key, the way someone without audit.key would have to.
func rewriteChain(t *testing.T, file string, n int, subject string, key []byte) []Event {
	t.Helper()
	events, err := readLogFile(file)
	require.NoError(t, err)
	events[n].Subject = subject

	prev := genesisHash
	for i := range events {
		events[i].Chain.PrevHash = prev
		events[i].Chain.Hash = computeMAC(key, recordData(&events[i]))
		prev = events[i].Chain.Hash
	}
	require.NoError(t, rewriteLogFile(file, events))
	return events
}

func TestVerifyDetectsRecomputedChain(t *testing.T) {
	l, _, dir := newTestLogger(t)
	for _, subject := range []string{"acme", "beta", "gamma"} {
		require.NoError(t, l.LogSuccess(OpProjectCreate, subject))
	}

	info, err := os.Stat(filepath.Join(dir, keyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	forged := rewriteChain(t, filepath.Join(dir, "2026-03.jsonl"), 1, "other", []byte("guessed key"))

	// The state can be rewritten too, but not authenticated.
	state := ChainState{Sequence: 3, PrevHash: forged[2].Chain.Hash}
	state.MAC = computeMAC([]byte("guessed key"), stateData(&state))
	data, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, chainStateFile), data, 0600))

	result, err := l.Verify()
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Zero(t, result.RecordsVerified)
	assert.Contains(t, strings.Join(result.Errors, "\n"), "chain state failed authentication")
}

func TestVerifyDetectsTruncatedTail(t *testing.T) {
	l, _, dir := newTestLogger(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.LogSuccess(OpDetailGet, "acme/k"))
	}

	file := filepath.Join(dir, "2026-03.jsonl")
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.NoError(t, os.WriteFile(file, []byte(lines[0]+"\n"+lines[1]+"\n"), 0600))

	result, err := l.Verify()
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, 2, result.RecordsVerified, "surviving records still authenticate")
	assert.Contains(t, strings.Join(result.Errors, "\n"), "records were removed")

	require.NoError(t, os.Remove(file))
	result, err = l.Verify()
	require.NoError(t, err)
	assert.False(t, result.Valid, "emptied log must not verify")
}

func TestVerifyDetectsCutHead(t *testing.T) {
	l, _, dir := newTestLogger(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.LogSuccess(OpDetailGet, "acme/k"))
	}

	file := filepath.Join(dir, "2026-03.jsonl")
	events, err := readLogFile(file)
	require.NoError(t, err)
	require.NoError(t, rewriteLogFile(file, events[1:]))

	result, err := l.Verify()
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, strings.Join(result.Errors, "\n"), "log starts at sequence 2, expected 1")
}

func TestVerifyRequiresKey(t *testing.T) {
	l, _, dir := newTestLogger(t)
	require.NoError(t, l.LogSuccess(OpVaultInit, ""))
	require.NoError(t, os.Remove(filepath.Join(dir, keyFile)))

	result, err := l.Verify()
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestChainFollowsOtherLogger(t *testing.T) {
	l, clock, dir := newTestLogger(t)
	other := NewLogger(dir, WithClock(clock.Now), WithSource(SourceMCP))

	require.NoError(t, l.LogSuccess(OpVaultInit, ""))
	require.NoError(t, other.LogSuccess(OpProjectCreate, "acme"))
	require.NoError(t, l.LogSuccess(OpDetailSet, "acme/k"))

	result, err := l.Verify()
	require.NoError(t, err)
	assert.True(t, result.Valid, result.Errors)
	assert.Equal(t, 3, result.RecordsVerified)
}

func TestPruneEverythingStillVerifies(t *testing.T) {
	l, clock, _ := newTestLogger(t)
	require.NoError(t, l.LogSuccess(OpVaultInit, ""))
	require.NoError(t, l.LogSuccess(OpProjectCreate, "acme"))

	clock.t = clock.t.AddDate(0, 1, 0)
	deleted, err := l.Prune(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	result, err := l.Verify()
	require.NoError(t, err)
	assert.True(t, result.Valid, result.Errors)

	require.NoError(t, l.LogSuccess(OpProjectCreate, "beta"))
	events, err := l.ListEvents(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].Chain.Sequence)

	result, err = l.Verify()
	require.NoError(t, err)
	assert.True(t, result.Valid, result.Errors)
}
