package rooms

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-imsdk/errs"
	"go-imsdk/internal/protocol"
	"go-imsdk/internal/seq"
	"go-imsdk/models"
)

type groupFixture struct {
	g    *GroupTracker
	corr *seq.Correlator

	frames []*protocol.Frame
	mutes  []models.GroupMuteMode
}

func newGroupFixture() *groupFixture {
	f := &groupFixture{corr: seq.New(nil)}
	f.g = NewGroupTracker(GroupDeps{
		Send: func(fr *protocol.Frame) *errs.Error {
			f.frames = append(f.frames, fr)
			return nil
		},
		Corr:   f.corr,
		SelfID: func() string { return "alice" },
		Events: GroupEvents{
			OnGroupMuteChanged: func(_ string, mode models.GroupMuteMode, _ int64, _ []models.GroupMemberRole) {
				f.mutes = append(f.mutes, mode)
			},
		},
	})
	return f
}

func TestCreateGroupCachesInfo(t *testing.T) {
	f := newGroupFixture()
	var got *models.GroupInfo
	seqID := f.g.CreateGroup(&protocol.CreateGroupRequest{GroupID: "g1", Name: "dev"}, func(gr *models.GroupInfo, err *errs.Error) {
		require.Nil(t, err)
		got = gr
	})
	data, _ := json.Marshal(&protocol.GroupReply{Group: models.GroupInfo{ID: "g1", Name: "dev", OwnerUserID: "alice", MuteMode: models.GroupMuteNone}})
	f.corr.Complete(seqID, &seq.Result{Data: data})

	require.NotNil(t, got)
	assert.Equal(t, "dev", got.Name)
	cached, ok := f.g.Get("g1")
	require.True(t, ok)
	assert.Equal(t, "alice", cached.OwnerUserID)
}

func TestDuplicateGroupIDRejected(t *testing.T) {
	f := newGroupFixture()
	var gotErr *errs.Error
	seqID := f.g.CreateGroup(&protocol.CreateGroupRequest{GroupID: "g1"}, func(_ *models.GroupInfo, err *errs.Error) { gotErr = err })
	f.corr.Complete(seqID, &seq.Result{Err: errs.New(errs.CodeGroupAlreadyExists, "group exists")})
	require.NotNil(t, gotErr)
	assert.Equal(t, errs.CodeGroupAlreadyExists, gotErr.Code)
	_, ok := f.g.Get("g1")
	assert.False(t, ok)
}

func TestDismissDropsCache(t *testing.T) {
	f := newGroupFixture()
	seqID := f.g.JoinGroup("g1", nil)
	data, _ := json.Marshal(&protocol.GroupReply{Group: models.GroupInfo{ID: "g1"}})
	f.corr.Complete(seqID, &seq.Result{Data: data})

	seqID = f.g.DismissGroup("g1", nil)
	f.corr.Complete(seqID, &seq.Result{})
	_, ok := f.g.Get("g1")
	assert.False(t, ok)
}

func TestInviteMembersPartialFailure(t *testing.T) {
	f := newGroupFixture()
	var itemErrs []errs.ItemError
	seqID := f.g.InviteMembers("g1", []string{"bob", "carol"}, func(ie []errs.ItemError, err *errs.Error) {
		require.Nil(t, err)
		itemErrs = ie
	})
	data, _ := json.Marshal(&protocol.GroupMembersReply{
		Errors: []errs.ItemError{{ID: "carol", Err: errs.New(errs.CodeGroupAlreadyJoined, "already joined")}},
	})
	f.corr.Complete(seqID, &seq.Result{Data: data})

	require.Len(t, itemErrs, 1)
	assert.Equal(t, "carol", itemErrs[0].ID)
	assert.Equal(t, errs.CodeGroupAlreadyJoined, itemErrs[0].Err.Code)
}

func TestMutePushUpdatesCache(t *testing.T) {
	f := newGroupFixture()
	seqID := f.g.JoinGroup("g1", nil)
	data, _ := json.Marshal(&protocol.GroupReply{Group: models.GroupInfo{ID: "g1", MuteMode: models.GroupMuteNone}})
	f.corr.Complete(seqID, &seq.Result{Data: data})

	f.g.HandleGroupMute(&protocol.GroupMutePush{GroupID: "g1", Mode: models.GroupMuteAll})
	cached, ok := f.g.Get("g1")
	require.True(t, ok)
	assert.Equal(t, models.GroupMuteAll, cached.MuteMode)
	assert.Equal(t, []models.GroupMuteMode{models.GroupMuteAll}, f.mutes)
}

func TestMemberMutedPrecedence(t *testing.T) {
	now := time.Now()
	member := &models.GroupMember{UserID: "bob", Role: models.GroupRoleMember}
	admin := &models.GroupMember{UserID: "carol", Role: models.GroupRoleAdmin}
	owner := &models.GroupMember{UserID: "alice", Role: models.GroupRoleOwner}

	all := &models.GroupInfo{MuteMode: models.GroupMuteAll}
	assert.True(t, MemberMuted(all, member, now), "all mutes plain members")
	assert.True(t, MemberMuted(all, admin, now), "all overrides role-level allowance")
	assert.False(t, MemberMuted(all, owner, now), "owner is exempt")

	custom := &models.GroupInfo{MuteMode: models.GroupMuteCustom, MutedRoles: []models.GroupMemberRole{models.GroupRoleMember}}
	assert.True(t, MemberMuted(custom, member, now))
	assert.False(t, MemberMuted(custom, admin, now))

	expired := &models.GroupInfo{MuteMode: models.GroupMuteAll, MuteExpire: now.Add(-time.Minute).UnixMilli()}
	assert.False(t, MemberMuted(expired, member, now), "expired group mute no longer applies")

	perMember := &models.GroupInfo{MuteMode: models.GroupMuteNone}
	mutedMember := &models.GroupMember{UserID: "bob", Role: models.GroupRoleMember, MuteUntil: now.Add(time.Minute).UnixMilli()}
	assert.True(t, MemberMuted(perMember, mutedMember, now))
	wasMuted := &models.GroupMember{UserID: "bob", Role: models.GroupRoleMember, MuteUntil: now.Add(-time.Minute).UnixMilli()}
	assert.False(t, MemberMuted(perMember, wasMuted, now))
}

func TestMemberListPagination(t *testing.T) {
	f := newGroupFixture()
	var flags []string
	collect := func(ms []models.GroupMember, next string, err *errs.Error) {
		require.Nil(t, err)
		flags = append(flags, next)
	}
	seqID := f.g.QueryMemberList("g1", 2, "", collect)
	data, _ := json.Marshal(&protocol.QueryGroupMemberListReply{
		Members:  []models.GroupMember{{UserID: "a"}, {UserID: "b"}},
		NextFlag: "cursor-2",
	})
	f.corr.Complete(seqID, &seq.Result{Data: data})

	seqID = f.g.QueryMemberList("g1", 2, "cursor-2", collect)
	data, _ = json.Marshal(&protocol.QueryGroupMemberListReply{
		Members: []models.GroupMember{{UserID: "c"}},
	})
	f.corr.Complete(seqID, &seq.Result{Data: data})

	require.Len(t, flags, 2)
	assert.Equal(t, "cursor-2", flags[0])
	assert.Empty(t, flags[1], "empty nextFlag marks end of stream")
}
