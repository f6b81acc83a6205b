package friends

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
	m    *Manager
	corr *seq.Correlator

	frames []*protocol.Frame
	apps   []*models.FriendApplication
}

func newFixture() *fixture {
	f := &fixture{corr: seq.New(nil)}
	f.m = New(Deps{
		Send: func(fr *protocol.Frame) *errs.Error {
			f.frames = append(f.frames, fr)
			return nil
		},
		Corr:   f.corr,
		SelfID: func() string { return "alice" },
		Events: Events{
			OnApplicationReceived: func(app *models.FriendApplication) { f.apps = append(f.apps, app) },
		},
	})
	return f
}

func TestAddFriendCaches(t *testing.T) {
	f := newFixture()
	seqID := f.m.AddFriend("bob", "Bobby", map[string]string{"team": "dev"}, nil)
	f.corr.Complete(seqID, &seq.Result{})
	got, ok := f.m.Get("bob")
	require.True(t, ok)
	assert.Equal(t, "Bobby", got.Alias)
}

func TestAddExistingFriendFails(t *testing.T) {
	f := newFixture()
	var gotErr *errs.Error
	seqID := f.m.AddFriend("bob", "", nil, func(err *errs.Error) { gotErr = err })
	f.corr.Complete(seqID, &seq.Result{Err: errs.New(errs.CodeFriendAlreadyExists, "already friends")})
	require.NotNil(t, gotErr)
	assert.Equal(t, errs.CodeFriendAlreadyExists, gotErr.Code)
	_, ok := f.m.Get("bob")
	assert.False(t, ok)
}

func TestApplicationFlow(t *testing.T) {
	f := newFixture()
	seqID := f.m.SendApplication("bob", "let's chat", nil)
	require.Len(t, f.frames, 1)
	assert.Equal(t, protocol.CmdFriendApply, f.frames[0].Cmd)
	f.corr.Complete(seqID, &seq.Result{})

	// 对端视角：收到申请并接受
	g := newFixture()
	g.m.HandleApplication(&protocol.FriendApplyPush{Application: models.FriendApplication{
		ApplyUserID: "alice", Wording: "let's chat", State: models.ApplicationWaiting,
	}})
	require.Len(t, g.apps, 1)
	assert.Equal(t, models.ApplicationWaiting, g.apps[0].State)

	acceptSeq := g.m.AcceptApplication("alice", nil)
	g.corr.Complete(acceptSeq, &seq.Result{})
	_, ok := g.m.Get("alice")
	assert.True(t, ok, "accepting an application establishes the friendship")
}

func TestDeleteFriendsPartialFailure(t *testing.T) {
	f := newFixture()
	seqID := f.m.AddFriend("bob", "", nil, nil)
	f.corr.Complete(seqID, &seq.Result{})

	var itemErrs []errs.ItemError
	seqID = f.m.DeleteFriends([]string{"bob", "ghost"}, func(ie []errs.ItemError, err *errs.Error) {
		require.Nil(t, err)
		itemErrs = ie
	})
	data, _ := json.Marshal(&protocol.FriendBatchReply{
		Errors: []errs.ItemError{{ID: "ghost", Err: errs.New(errs.CodeFriendNotExist, "not a friend")}},
	})
	f.corr.Complete(seqID, &seq.Result{Data: data})

	require.Len(t, itemErrs, 1)
	assert.Equal(t, "ghost", itemErrs[0].ID)
	_, ok := f.m.Get("bob")
	assert.False(t, ok, "successful entries are removed from the cache")
}

func TestBlacklistQuotaError(t *testing.T) {
	f := newFixture()
	var gotErr *errs.Error
	seqID := f.m.AddToBlacklist([]string{"bob"}, func(_ []errs.ItemError, err *errs.Error) { gotErr = err })
	f.corr.Complete(seqID, &seq.Result{Err: errs.New(errs.CodeBlacklistFull, "blacklist full")})
	require.NotNil(t, gotErr)
	assert.Equal(t, errs.CodeBlacklistFull, gotErr.Code)
}

func TestBlacklistCheck(t *testing.T) {
	f := newFixture()
	var in bool
	seqID := f.m.CheckBlacklist("bob", func(got bool, err *errs.Error) {
		require.Nil(t, err)
		in = got
	})
	data, _ := json.Marshal(&protocol.BlacklistCheckReply{InBlacklist: true})
	f.corr.Complete(seqID, &seq.Result{Data: data})
	assert.True(t, in)
}

func TestFriendListPagination(t *testing.T) {
	f := newFixture()
	var next string
	seqID := f.m.QueryFriendList(10, "", func(fs []models.FriendInfo, nf string, err *errs.Error) {
		require.Nil(t, err)
		next = nf
	})
	data, _ := json.Marshal(&protocol.FriendListReply{
		Friends: []models.FriendInfo{{UserID: "bob"}},
	})
	f.corr.Complete(seqID, &seq.Result{Data: data})
	assert.Empty(t, next, "empty nextFlag is the end sentinel")
	_, ok := f.m.Get("bob")
	assert.True(t, ok)
}

func TestEmptyBatchRejectedLocally(t *testing.T) {
	f := newFixture()
	var gotErr *errs.Error
	f.m.DeleteFriends(nil, func(_ []errs.ItemError, err *errs.Error) { gotErr = err })
	require.NotNil(t, gotErr)
	assert.Equal(t, errs.CodeInvalidParam, gotErr.Code)
	assert.Empty(t, f.frames)
}
