package sipua

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callctl/pkg/callctl"
	"github.com/arzzra/callctl/pkg/config"
)

func testInvite(callID string) *sip.Request {
	target := sip.Uri{Scheme: "sip", User: "bob", Host: "192.0.2.20"}
	req := sip.NewRequest(sip.INVITE, target)
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "192.0.2.10"},
		Params:  sip.NewParams().Add("tag", "alice-tag"),
	})
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})
	id := sip.CallIDHeader(callID)
	req.AppendHeader(&id)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 7, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "alice", Host: "192.0.2.10", Port: 5070}})
	return req
}

func TestCall_ThreePtySkipsPendingRetrieve(t *testing.T) {
	s := NewStack(config.Default())
	l := newOutgoingLeg(1, callctl.NullAccount{}, testInvite("c1"))
	l.phase = phaseConfirmed
	l.localHold = true
	l.pendingDir = DirectionSendRecv
	s.addLeg(l)

	c := &Call{stack: s, session: 1}
	assert.NoError(t, c.ThreePtyCall(1))
	assert.ErrorIs(t, c.HoldCall(), ErrReinvitePending)
	assert.ErrorIs(t, c.RetrieveCall(), ErrReinvitePending)

	l.phase = phaseEarly
	l.pendingDir = ""
	assert.ErrorIs(t, c.HoldCall(), ErrBadPhase)
	assert.Empty(t, l.pendingDir)

	assert.ErrorIs(t, c.ThreePtyCall(2), ErrNoDialog)
}

func TestNewAck(t *testing.T) {
	inv := testInvite("c2")
	res := sip.NewResponseFromRequest(inv, sip.StatusOK, "OK", nil)
	res.To().Params.Add("tag", "bob-tag")
	res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "bob", Host: "192.0.2.30", Port: 5080}})

	ack := newAck(inv, res)
	assert.Equal(t, sip.ACK, ack.Method)
	assert.Equal(t, "192.0.2.30", ack.Recipient.Host)
	assert.Equal(t, 5080, ack.Recipient.Port)

	require.NotNil(t, ack.CSeq())
	assert.Equal(t, uint32(7), ack.CSeq().SeqNo)
	assert.Equal(t, sip.ACK, ack.CSeq().MethodName)

	tag, ok := ack.To().Params.Get("tag")
	require.True(t, ok)
	assert.Equal(t, "bob-tag", tag)
	fromTag, _ := ack.From().Params.Get("tag")
	assert.Equal(t, "alice-tag", fromTag)
	assert.Equal(t, "c2", callIDOf(ack))

	// Без Contact в ответе ACK идет на Request-URI INVITE.
	bare := sip.NewResponseFromRequest(inv, sip.StatusOK, "OK", nil)
	assert.Equal(t, "192.0.2.20", newAck(inv, bare).Recipient.Host)
}
