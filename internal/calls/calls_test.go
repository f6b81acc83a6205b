package calls

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-imsdk/errs"
	"go-imsdk/internal/protocol"
	"go-imsdk/internal/seq"
	"go-imsdk/models"
)

type fixture struct {
	m    *Machine
	corr *seq.Correlator

	frames []*protocol.Frame

	inviteeEvents []string
	endedCalls    []string
	cancelled     []string
}

func newFixture(self string) *fixture {
	f := &fixture{corr: seq.New(nil)}
	f.m = New(Deps{
		Send: func(fr *protocol.Frame) *errs.Error {
			f.frames = append(f.frames, fr)
			return nil
		},
		Corr:   f.corr,
		SelfID: func() string { return self },
		Events: Events{
			OnInviteeStateChanged: func(callID, userID string, st models.CallInviteeState) {
				f.inviteeEvents = append(f.inviteeEvents, userID+":"+string(st))
			},
			OnCallEnded:           func(callID, _, _ string) { f.endedCalls = append(f.endedCalls, callID) },
			OnInvitationCancelled: func(callID, _, _ string) { f.cancelled = append(f.cancelled, callID) },
		},
	})
	return f
}

// invite 完成一次呼叫建立，offline 列表作为部分失败返回。
func (f *fixture) invite(t *testing.T, invitees []string, offline []string) string {
	t.Helper()
	var callID string
	seqID := f.m.Invite(invitees, 5, models.CallModeGeneral, "", func(id string, itemErrs []errs.ItemError, err *errs.Error) {
		require.Nil(t, err)
		callID = id
		require.Len(t, itemErrs, len(offline))
	})
	var ies []errs.ItemError
	for _, id := range offline {
		ies = append(ies, errs.ItemError{ID: id, Err: errs.New(errs.CodeCallInviteeOffline, "offline")})
	}
	data, _ := json.Marshal(&protocol.CallInviteReply{CallID: "call-1", Errors: ies})
	require.True(t, f.corr.Complete(seqID, &seq.Result{Data: data}))
	require.Equal(t, "call-1", callID)
	f.frames = nil
	return callID
}

func TestInviteWithPartialOfflineFailure(t *testing.T) {
	f := newFixture("alice")
	callID := f.invite(t, []string{"bob", "carol", "dave"}, []string{"dave"})

	call, ok := f.m.Get(callID)
	require.True(t, ok)
	assert.Equal(t, models.CallStateStarted, call.State)
	require.Len(t, call.Invitees, 3)
	assert.Equal(t, models.InviteeInviting, call.Invitees[0].State)
	assert.Equal(t, models.InviteeInviting, call.Invitees[1].State)
	assert.Equal(t, models.InviteeOffline, call.Invitees[2].State, "offline invitee lands in terminal state")
}

func TestInviteEmptyListRejected(t *testing.T) {
	f := newFixture("alice")
	var gotErr *errs.Error
	f.m.Invite(nil, 5, models.CallModeGeneral, "", func(_ string, _ []errs.ItemError, err *errs.Error) { gotErr = err })
	require.NotNil(t, gotErr)
	assert.Equal(t, errs.CodeInvalidParam, gotErr.Code)
	assert.Empty(t, f.frames)
}

// 三个被邀请者：一个接受、一个拒绝、一个超时；呼叫与接受者继续。
func TestIndependentInviteeOutcomes(t *testing.T) {
	f := newFixture("alice")
	callID := f.invite(t, []string{"bob", "carol", "dave"}, nil)

	f.m.HandleInviteeState(&protocol.CallInviteePush{CallID: callID, UserID: "bob", State: models.InviteeAccepted})
	f.m.HandleInviteeState(&protocol.CallInviteePush{CallID: callID, UserID: "carol", State: models.InviteeRejected})
	f.m.HandleInviteeState(&protocol.CallInviteePush{CallID: callID, UserID: "dave", State: models.InviteeTimeout})

	call, ok := f.m.Get(callID)
	require.True(t, ok, "call survives individual terminal states")
	assert.Equal(t, models.CallStateStarted, call.State)
	assert.Equal(t, models.InviteeAccepted, call.Invitees[call.InviteeByID("bob")].State)
	assert.Equal(t, models.InviteeRejected, call.Invitees[call.InviteeByID("carol")].State)
	assert.Equal(t, models.InviteeTimeout, call.Invitees[call.InviteeByID("dave")].State)
	assert.Equal(t, []string{"bob:accepted", "carol:rejected", "dave:timeout"}, f.inviteeEvents)
}

func TestTerminalStateNotOverwritten(t *testing.T) {
	f := newFixture("alice")
	callID := f.invite(t, []string{"bob"}, nil)

	f.m.HandleInviteeState(&protocol.CallInviteePush{CallID: callID, UserID: "bob", State: models.InviteeTimeout})
	// 迟到的 cancel 确认不能改写已超时的终态
	f.m.setInviteeStates(callID, []string{"bob"}, models.InviteeCancelled)

	call, _ := f.m.Get(callID)
	assert.Equal(t, models.InviteeTimeout, call.Invitees[0].State)
}

func TestCancelPendingInvitees(t *testing.T) {
	f := newFixture("alice")
	callID := f.invite(t, []string{"bob", "carol"}, nil)

	var itemErrs []errs.ItemError
	seqID := f.m.Cancel(callID, []string{"bob", "carol"}, "", func(ie []errs.ItemError, err *errs.Error) {
		require.Nil(t, err)
		itemErrs = ie
	})
	require.Len(t, f.frames, 1)
	assert.Equal(t, protocol.CmdCallCancel, f.frames[0].Cmd)

	data, _ := json.Marshal(&protocol.CallControlReply{
		Errors: []errs.ItemError{{ID: "carol", Err: errs.New(errs.CodeCallAlreadyHandled, "already accepted")}},
	})
	f.corr.Complete(seqID, &seq.Result{Data: data})
	require.Len(t, itemErrs, 1)
	assert.Equal(t, "carol", itemErrs[0].ID)

	call, _ := f.m.Get(callID)
	assert.Equal(t, models.InviteeCancelled, call.Invitees[call.InviteeByID("bob")].State)
}

func TestIncomingInvitationAcceptReject(t *testing.T) {
	f := newFixture("bob")
	f.m.HandleInvitation(&protocol.CallInvitationPush{Call: &models.CallInfo{
		CallID:  "call-9",
		Caller:  "alice",
		Inviter: "alice",
		State:   models.CallStateStarted,
		Invitees: []models.CallInvitee{
			{UserID: "bob", State: models.InviteeInviting},
		},
	}})
	_, ok := f.m.Get("call-9")
	require.True(t, ok)

	seqID := f.m.Accept("call-9", "", nil)
	f.corr.Complete(seqID, &seq.Result{})
	call, _ := f.m.Get("call-9")
	assert.Equal(t, models.InviteeAccepted, call.Invitees[0].State)
}

func TestCancelledPushEndsLocalCall(t *testing.T) {
	f := newFixture("bob")
	f.m.HandleInvitation(&protocol.CallInvitationPush{Call: &models.CallInfo{
		CallID: "call-9", Caller: "alice", State: models.CallStateStarted,
	}})
	f.m.HandleCancelled(&protocol.CallCancelledPush{CallID: "call-9", Inviter: "alice"})
	_, ok := f.m.Get("call-9")
	assert.False(t, ok)
	assert.Equal(t, []string{"call-9"}, f.cancelled)
}

func TestAdvancedFlowCallingInviteAndJoin(t *testing.T) {
	f := newFixture("alice")
	callID := f.invite(t, []string{"bob"}, nil)

	seqID := f.m.CallingInvite(callID, []string{"carol"}, 5, "", nil)
	f.corr.Complete(seqID, &seq.Result{})
	call, _ := f.m.Get(callID)
	require.GreaterOrEqual(t, call.InviteeByID("carol"), 0)
	assert.Equal(t, models.InviteeInviting, call.Invitees[call.InviteeByID("carol")].State)

	// 他端 join：快照整体替换
	g := newFixture("eve")
	var joined *models.CallInfo
	joinSeq := g.m.Join(callID, func(c *models.CallInfo, err *errs.Error) {
		require.Nil(t, err)
		joined = c
	})
	data, _ := json.Marshal(&protocol.CallInvitationPush{Call: call})
	g.corr.Complete(joinSeq, &seq.Result{Data: data})
	require.NotNil(t, joined)
	assert.Equal(t, callID, joined.CallID)
}

func TestGeneralModeAdvancedOpRejected(t *testing.T) {
	f := newFixture("alice")
	callID := f.invite(t, []string{"bob"}, nil)

	var gotErr *errs.Error
	seqID := f.m.End(callID, "", func(_ []errs.ItemError, err *errs.Error) { gotErr = err })
	f.corr.Complete(seqID, &seq.Result{Err: errs.New(errs.CodeCallNotAdvanced, "advanced mode only")})
	require.NotNil(t, gotErr)
	assert.Equal(t, errs.CodeCallNotAdvanced, gotErr.Code)
	_, ok := f.m.Get(callID)
	assert.True(t, ok, "failed end leaves the call")
}

func TestEndedPushDropsCall(t *testing.T) {
	f := newFixture("alice")
	callID := f.invite(t, []string{"bob"}, nil)
	f.m.HandleEnded(&protocol.CallEndedPush{CallID: callID, Operator: "bob"})
	_, ok := f.m.Get(callID)
	assert.False(t, ok)
	assert.Equal(t, []string{callID}, f.endedCalls)
}
