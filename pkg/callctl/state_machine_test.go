package callctl

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_Create(t *testing.T) {
	f := newFixture()
	sm := NewStateMachine(f.m)

	assert.Equal(t, -1, sm.Session())
	assert.Zero(t, sm.Duration())
	assert.Equal(t, StateIdle, sm.State())
	assert.Equal(t, CallTypeUndefined, sm.Type())

	for _, s := range []StateID{StateIncoming, StateAlerting, StateConnecting, StateReleased} {
		sm.ChangeState(s)
		assert.Equal(t, s, sm.State())
		assert.Equal(t, s.String(), sm.StateName())
	}

	sm.Destroy()
	assert.Equal(t, StateIdle, sm.State())
	assert.Equal(t, 0, f.m.Count())
}

func TestStateMachine_CreateSequence(t *testing.T) {
	f := newFixture()

	for i := 0; i < 3; i++ {
		sm := NewStateMachine(f.m)
		require.Equal(t, StateIdle, sm.State())
		require.Equal(t, -1, sm.Session())

		sm.ChangeState(StateIncoming)
		sm.ChangeState(StateAlerting)
		sm.ChangeState(StateConnecting)
		sm.ChangeState(StateReleased)
		assert.Equal(t, StateReleased, sm.State())

		sm.Destroy()
		assert.Equal(t, StateIdle, sm.State())
	}
}

func TestStateMachine_Multiple(t *testing.T) {
	f := newFixture()
	sm1 := NewStateMachine(f.m)
	sm2 := NewStateMachine(f.m)
	sm3 := NewStateMachine(f.m)

	sm1.ChangeState(StateIncoming)
	sm2.ChangeState(StateAlerting)
	sm3.ChangeState(StateConnecting)

	assert.Equal(t, StateIncoming, sm1.State())
	assert.Equal(t, StateAlerting, sm2.State())
	assert.Equal(t, StateConnecting, sm3.State())

	sm1.Destroy()
	sm2.Destroy()
	sm3.Destroy()

	for _, sm := range []*StateMachine{sm1, sm2, sm3} {
		assert.Equal(t, StateIdle, sm.State())
	}
}

func TestStateMachine_SelfTransitionRunsNoHooks(t *testing.T) {
	f := newFixture()
	sm := NewStateMachine(f.m)

	var refreshes int
	f.m.OnCallStateRefresh(func(int) { refreshes++ })

	sm.ChangeState(StateAlerting)
	sm.ChangeState(StateAlerting)

	assert.Equal(t, []string{"play:ringback"}, f.media.events)
	assert.Equal(t, 2, refreshes)
}

func TestStateMachine_IncomingFlags(t *testing.T) {
	f := newFixture()
	sm := NewStateMachine(f.m)
	assert.False(t, sm.Incoming())

	sm.ChangeState(StateIncoming)
	assert.True(t, sm.Incoming())
	assert.Zero(t, sm.RuntimeDuration())

	sm.ChangeState(StateActive)
	assert.True(t, sm.Incoming())
	assert.True(t, sm.Counting())

	sm.Destroy()
	assert.False(t, sm.Incoming())
	assert.False(t, sm.Counting())
}

func TestStateMachine_OutgoingEvents(t *testing.T) {
	f := newFixture()
	sm := NewStateMachine(f.m)

	session, err := sm.MakeCall("1234", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, session)
	assert.Equal(t, StateConnecting, sm.State())
	assert.Equal(t, "1234", sm.CallingNumber())
	assert.Equal(t, CallTypeDialed, sm.Type())
	assert.False(t, sm.Incoming())
	assert.Zero(t, sm.RuntimeDuration())

	sm.OnAlerting()
	assert.Equal(t, StateAlerting, sm.State())
	assert.False(t, sm.Counting())
	assert.Zero(t, sm.RuntimeDuration())

	sm.OnConnect()
	assert.Equal(t, StateActive, sm.State())
	assert.True(t, sm.Counting())

	sm.OnReleased()
	assert.Equal(t, StateReleased, sm.State())
	assert.True(t, sm.Counting())

	_, released := timersOf(sm)
	assert.True(t, released.running)
	assert.Equal(t, ReleasedTimeout, released.Interval())

	released.fire()
	assert.Equal(t, StateIdle, sm.State())
	assert.False(t, sm.Counting())

	require.Len(t, f.log.entries, 1)
	assert.Equal(t, CallTypeDialed, f.log.entries[0].callType)
	assert.Equal(t, "1234", f.log.entries[0].number)
	assert.Equal(t, 1, f.log.saves)
}

func TestStateMachine_IncomingEvents(t *testing.T) {
	f := newFixture()
	sm := NewStateMachine(f.m)

	sm.IncomingCall("1234", "Alice")
	assert.Equal(t, StateIncoming, sm.State())
	assert.True(t, sm.Incoming())
	assert.Equal(t, "1234", sm.CallingNumber())
	assert.Equal(t, "Alice", sm.CallingName())
	assert.Equal(t, CallTypeMissed, sm.Type())
	assert.True(t, f.stack.has("alerted"))

	require.NoError(t, sm.AcceptCall())
	assert.Equal(t, StateActive, sm.State())
	assert.True(t, sm.Counting())
	assert.Equal(t, CallTypeReceived, sm.Type())

	sm.OnReleased()
	assert.Equal(t, StateReleased, sm.State())

	require.NoError(t, sm.EndCall())
	assert.Equal(t, StateIdle, sm.State())
	require.Len(t, f.log.entries, 1)
	assert.Equal(t, CallTypeReceived, f.log.entries[0].callType)
	assert.Equal(t, "Alice", f.log.entries[0].name)
}

func TestStateMachine_IncomingCallIgnoredOutsideIdle(t *testing.T) {
	f := newFixture()
	sm := NewStateMachine(f.m)
	_, err := sm.MakeCall("1234", 0)
	require.NoError(t, err)

	sm.IncomingCall("5555", "")
	assert.Equal(t, StateConnecting, sm.State())
	assert.Equal(t, "1234", sm.CallingNumber())
}

func TestStateMachine_Hold(t *testing.T) {
	f := newFixture()
	sm := NewStateMachine(f.m)
	sm.IncomingCall("1234", "")
	require.NoError(t, sm.AcceptCall())

	require.NoError(t, sm.HoldCall())
	assert.Equal(t, StateActive, sm.State(), "still active until confirmation")
	assert.True(t, sm.HoldRequested())

	sm.OnHoldConfirm()
	assert.Equal(t, StateHolding, sm.State())
	assert.True(t, sm.IsHeld())
	assert.False(t, sm.HoldRequested())

	require.NoError(t, sm.HoldCall())
	assert.Equal(t, StateHolding, sm.State())

	require.NoError(t, sm.RetrieveCall())
	assert.Equal(t, StateActive, sm.State())
	assert.False(t, sm.IsHeld())

	require.NoError(t, sm.HoldCall())
	sm.OnHoldConfirm()
	assert.Equal(t, StateHolding, sm.State())

	sm.Destroy()
	assert.Equal(t, StateIdle, sm.State())
}

func TestStateMachine_HoldConfirmWithoutRequest(t *testing.T) {
	f := newFixture()
	sm := NewStateMachine(f.m)
	sm.IncomingCall("1234", "")
	require.NoError(t, sm.AcceptCall())

	sm.OnHoldConfirm()
	assert.Equal(t, StateActive, sm.State())
	assert.False(t, sm.HoldRequested())

	require.NoError(t, sm.HoldCall())
	assert.True(t, sm.HoldRequested())
	sm.OnHoldConfirm()
	assert.Equal(t, StateHolding, sm.State())
}

func TestStateMachine_HoldFailureRevertsRequest(t *testing.T) {
	f := newFixture()
	f.stack.failNext = "hold"
	sm := NewStateMachine(f.m)
	sm.IncomingCall("1234", "")
	require.NoError(t, sm.AcceptCall())

	err := sm.HoldCall()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSignaling))
	assert.True(t, errors.Is(err, errFake))

	var callErr *CallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, "hold_call", callErr.Op)
	assert.Equal(t, StateActive, callErr.State)

	assert.False(t, sm.HoldRequested())
	sm.OnHoldConfirm()
	assert.Equal(t, StateActive, sm.State())
}

func TestStateMachine_HoldMultiple(t *testing.T) {
	f := newFixture()

	sm1 := NewStateMachine(f.m)
	sm1.IncomingCall("1234", "")
	require.NoError(t, sm1.AcceptCall())
	require.NoError(t, sm1.HoldCall())
	sm1.OnHoldConfirm()
	require.Equal(t, StateHolding, sm1.State())

	sm2 := NewStateMachine(f.m)
	_, err := sm2.MakeCall("4444", 0)
	require.NoError(t, err)
	sm2.OnAlerting()
	sm2.OnConnect()
	require.NoError(t, sm2.HoldCall())
	sm2.OnHoldConfirm()
	require.Equal(t, StateHolding, sm2.State())

	sm1.OnReleased()
	assert.Equal(t, StateReleased, sm1.State())

	sm2.OnHoldConfirm()
	assert.Equal(t, StateHolding, sm2.State())

	require.NoError(t, sm2.EndCall())
	assert.Equal(t, StateIdle, sm2.State())
	sm2.OnReleased()
	assert.Equal(t, StateIdle, sm2.State())

	require.NoError(t, sm1.EndCall())
	assert.Equal(t, StateIdle, sm1.State())
}

func TestStateMachine_CallWaitingWithoutManager(t *testing.T) {
	f := newFixture()

	out := NewStateMachine(f.m)
	_, err := out.MakeCall("4444", 0)
	require.NoError(t, err)
	out.OnAlerting()
	out.OnConnect()

	inc := NewStateMachine(f.m)
	inc.IncomingCall("1234", "")
	require.NoError(t, inc.AcceptCall())

	// Без менеджера машины друг о друге не знают.
	assert.Equal(t, StateActive, inc.State())
	assert.Equal(t, StateActive, out.State())

	require.NoError(t, inc.EndCall())
	require.NoError(t, out.EndCall())
	inc.OnReleased()
	out.OnReleased()
	assert.Equal(t, StateIdle, inc.State())
	assert.Equal(t, StateIdle, out.State())
}

func TestStateMachine_ToneExitBeforeEntry(t *testing.T) {
	f := newFixture()
	sm := NewStateMachine(f.m)
	_, err := sm.MakeCall("1234", 0)
	require.NoError(t, err)

	sm.OnAlerting()
	sm.OnReleased()

	require.GreaterOrEqual(t, len(f.media.events), 3)
	assert.Equal(t, []string{"play:ringback", "stop", "play:congestion"}, f.media.events[:3])
}

func TestStateMachine_EndCallTwiceLogsOnce(t *testing.T) {
	f := newFixture()
	sm := NewStateMachine(f.m)
	_, err := sm.MakeCall("1234", 0)
	require.NoError(t, err)
	sm.OnConnect()

	require.NoError(t, sm.EndCall())
	require.NoError(t, sm.EndCall())

	assert.Len(t, f.log.entries, 1)
	assert.Equal(t, 1, countCommands(f.stack, "end"))
}

func TestStateMachine_EndCallSignalFailureStillDestroys(t *testing.T) {
	f := newFixture()
	f.stack.failNext = "end"
	sm := NewStateMachine(f.m)
	_, err := sm.MakeCall("1234", 0)
	require.NoError(t, err)

	assert.NoError(t, sm.EndCall())
	assert.Equal(t, StateIdle, sm.State())
}

func TestStateMachine_MakeCallFailure(t *testing.T) {
	f := newFixture()
	f.stack.failNext = "make:1234"
	sm := NewStateMachine(f.m)

	session, err := sm.MakeCall("1234", 0)
	assert.Equal(t, -1, session)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errFake))
}

func TestStateMachine_ReleasedWithNullTimerDestroysImmediately(t *testing.T) {
	m := NewManager()
	sm := NewStateMachine(m)
	sm.ChangeState(StateActive)

	sm.OnReleased()
	assert.Equal(t, StateIdle, sm.State())
}

func TestStateMachine_Snapshot(t *testing.T) {
	f := newFixture()
	sm := NewStateMachine(f.m)
	sm.IncomingCall("1234", "Alice")
	sm.SetSession(7)

	info := sm.Snapshot()
	assert.Equal(t, 7, info.Session)
	assert.Equal(t, 7, sm.Proxy().SessionID())
	assert.Equal(t, StateIncoming, info.State)
	assert.Equal(t, "Alice", info.CallingName)
	assert.True(t, info.Incoming)
	assert.Zero(t, info.RuntimeDuration)
}

func TestStateMachine_TransferAndConferenceCommands(t *testing.T) {
	f := newFixture()
	sm := NewStateMachine(f.m)
	_, err := sm.MakeCall("1234", 0)
	require.NoError(t, err)

	// Вне ACTIVE перевод и конференция игнорируются.
	require.NoError(t, sm.XferCall("5555"))
	assert.False(t, f.stack.has("xfer:5555"))

	sm.OnConnect()
	require.NoError(t, sm.XferCall("5555"))
	require.NoError(t, sm.XferCallSession(3))
	require.NoError(t, sm.ThreePtyCall(3))
	require.NoError(t, sm.DialDtmf("12#", DtmfRFC2833))

	assert.True(t, f.stack.has("xfer:5555"))
	assert.True(t, f.stack.has("xfer_session:3"))
	assert.True(t, f.stack.has("3pty:3"))
	assert.True(t, f.stack.has("dtmf:12#:rfc2833"))
	assert.True(t, sm.IsConference())
}

func countCommands(s *fakeStack, cmd string) int {
	n := 0
	for _, c := range s.commands {
		if c == cmd {
			n++
		}
	}
	return n
}
