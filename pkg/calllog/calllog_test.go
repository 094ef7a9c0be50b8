package calllog

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callctl/pkg/callctl"
)

var _ callctl.CallLogger = (*Log)(nil)

func TestLog_Init(t *testing.T) {
	l := New("")
	assert.Empty(t, l.List())
	assert.Equal(t, 0, l.Count())
	assert.NoError(t, l.Save())
}

func TestLog_RecordContent(t *testing.T) {
	l := New("")
	at := time.Date(2007, 7, 20, 11, 50, 45, 0, time.UTC)
	l.AddCall(callctl.CallTypeDialed, "1234", "test", at, 4*time.Second)

	list := l.List()
	require.Len(t, list, 1)
	rec := list[0]
	assert.Equal(t, 1, rec.Count)
	assert.Equal(t, 4*time.Second, rec.Duration)
	assert.Equal(t, "test", rec.Name)
	assert.Equal(t, "1234", rec.Number)
	assert.Equal(t, at, rec.Time)
	assert.Equal(t, callctl.CallTypeDialed, rec.Type)
	assert.NotEmpty(t, rec.ID)
}

func TestLog_DuplicateFolds(t *testing.T) {
	l := New("")
	for i := 0; i < 4; i++ {
		l.AddCall(callctl.CallTypeMissed, "1111", "", time.Time{}, 0)
	}
	require.Equal(t, 1, l.Count())
	assert.Equal(t, 4, l.List()[0].Count)
}

func TestLog_FoldRefreshesAndMovesToTop(t *testing.T) {
	l := New("")
	t1 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	l.AddCall(callctl.CallTypeDialed, "1111", "Bob", t1, time.Second)
	l.AddCall(callctl.CallTypeDialed, "2222", "", t1, time.Second)
	first := l.List()[1]

	l.AddCall(callctl.CallTypeDialed, "1111", "", t2, 3*time.Second)

	list := l.List()
	require.Len(t, list, 2)
	assert.Equal(t, "1111", list[0].Number)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, t2, list[0].Time)
	assert.Equal(t, 3*time.Second, list[0].Duration)
	assert.Equal(t, "Bob", list[0].Name)
	assert.Equal(t, 2, list[0].Count)
}

func TestLog_ClearRecords(t *testing.T) {
	l := New("")
	l.AddCall(callctl.CallTypeDialed, "1234", "test", time.Now(), 4*time.Second)
	for i := 0; i < 4; i++ {
		l.AddCall(callctl.CallTypeMissed, "1111", "", time.Time{}, 0)
	}
	assert.Equal(t, 2, l.Count())

	l.Clear()
	assert.Equal(t, 0, l.Count())
}

func TestLog_Delete(t *testing.T) {
	l := New("")
	l.AddCall(callctl.CallTypeDialed, "1234", "test", time.Now(), 0)
	l.AddCall(callctl.CallTypeMissed, "1234", "", time.Now(), 0)

	assert.False(t, l.Delete("1234", callctl.CallTypeReceived))
	assert.True(t, l.Delete("1234", callctl.CallTypeDialed))
	assert.Equal(t, 1, l.Count())

	id := l.List()[0].ID
	assert.True(t, l.DeleteID(id))
	assert.False(t, l.DeleteID(id))
	assert.Equal(t, 0, l.Count())
}

func TestLog_ListByType(t *testing.T) {
	l := New("")
	l.AddCall(callctl.CallTypeMissed, "1111", "", time.Time{}, 0)
	l.AddCall(callctl.CallTypeDialed, "1111", "", time.Time{}, 0)
	l.AddCall(callctl.CallTypeReceived, "1111", "", time.Time{}, 0)
	require.Equal(t, 3, l.Count())

	tests := []struct {
		callType callctl.CallType
		want     int
	}{
		{callctl.CallTypeDialed, 1},
		{callctl.CallTypeReceived, 1},
		{callctl.CallTypeMissed, 1},
		{callctl.CallTypeAll, 3},
	}
	for _, tt := range tests {
		t.Run(tt.callType.String(), func(t *testing.T) {
			assert.Len(t, l.ListByType(tt.callType), tt.want)
		})
	}

	// Последний добавленный сверху.
	assert.Equal(t, callctl.CallTypeReceived, l.List()[0].Type)
}

func TestLog_MaxRecords(t *testing.T) {
	l := New("", WithMaxRecords(3))
	for _, n := range []string{"1", "2", "3", "4", "5"} {
		l.AddCall(callctl.CallTypeDialed, n, "", time.Now(), 0)
	}

	list := l.List()
	require.Len(t, list, 3)
	assert.Equal(t, "5", list[0].Number)
	assert.Equal(t, "3", list[2].Number)
}

func TestLog_DefaultMax(t *testing.T) {
	l := New("")
	for i := 0; i < DefaultMaxRecords+10; i++ {
		l.AddCall(callctl.CallTypeDialed, strconv.Itoa(i), "", time.Now(), 0)
	}
	assert.Equal(t, DefaultMaxRecords, l.Count())
}

func TestLog_AllIsNotARecordType(t *testing.T) {
	l := New("")
	l.AddCall(callctl.CallTypeAll, "1234", "", time.Now(), 0)
	assert.Equal(t, 0, l.Count())
}

func TestLog_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history", "calls.yaml")
	at := time.Date(2024, 3, 8, 9, 30, 0, 0, time.UTC)

	l := New(path)
	l.AddCall(callctl.CallTypeReceived, "1001", "Alice", at, 90*time.Second)
	l.AddCall(callctl.CallTypeMissed, "1002", "", at.Add(time.Minute), 0)
	l.AddCall(callctl.CallTypeMissed, "1002", "", at.Add(2*time.Minute), 0)
	require.NoError(t, l.Save())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "type: received")
	assert.Contains(t, string(data), "duration: 1m30s")

	loaded, err := Open(path)
	require.NoError(t, err)
	want, got := l.List(), loaded.List()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Type, got[i].Type)
		assert.Equal(t, want[i].Number, got[i].Number)
		assert.Equal(t, want[i].Name, got[i].Name)
		assert.Equal(t, want[i].Duration, got[i].Duration)
		assert.Equal(t, want[i].Count, got[i].Count)
		assert.True(t, want[i].Time.Equal(got[i].Time))
	}
	assert.Equal(t, 2, got[0].Count)
}

func TestLog_OpenMissingFile(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 0, l.Count())
}

func TestLog_LoadSkipsUnknownTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.yaml")
	content := `version: 1
records:
  - number: "1"
    type: dialed
    time: 2024-01-01T00:00:00Z
    duration: 5s
  - number: "2"
    type: bogus
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	l, err := Open(path)
	require.NoError(t, err)
	list := l.List()
	require.Len(t, list, 1)
	assert.Equal(t, "1", list[0].Number)
	assert.Equal(t, 5*time.Second, list[0].Duration)
	assert.Equal(t, 1, list[0].Count)
	assert.NotEmpty(t, list[0].ID)
}

func TestLog_LoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.yaml")
	require.NoError(t, os.WriteFile(path, []byte("records: [::"), 0644))

	_, err := Open(path)
	assert.Error(t, err)
}

func TestLog_FeedsFromStateMachine(t *testing.T) {
	l := New("")
	m := callctl.NewManager(callctl.WithCallLogger(l))
	sm := callctl.NewStateMachine(m)

	_, err := sm.MakeCall("5555", 0)
	require.NoError(t, err)
	sm.OnConnect()
	require.NoError(t, sm.EndCall())

	list := l.List()
	require.Len(t, list, 1)
	assert.Equal(t, callctl.CallTypeDialed, list[0].Type)
	assert.Equal(t, "5555", list[0].Number)
}
