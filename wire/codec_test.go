package wire

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridem/replob/membership"
)

func TestAppCommandRoundTrip(t *testing.T) {
	cases := []AppCommand{
		RemoveNodeCommand{Node: 3},
		ChronosAdvanceToCommand{NowUnixNano: 1234567890},
		ChronosCompletedCommand{Node: 7},
		ChronosScheduleCommand{EventID: uuid.New(), JobName: "daily-report", DueUnixNano: 42},
		KVSetCommand{Key: "hello", Value: "world!", HasValue: true},
		&KVGetCommand{Key: "hello"},
	}
	for _, cmd := range cases {
		encoded, err := EncodeAppCommand(cmd)
		require.NoError(t, err)
		decoded, err := DecodeAppCommand(encoded)
		require.NoError(t, err)
		assert.Equal(t, cmd, decoded)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	carries := CarrySet{
		{Cmd: KVSetCommand{Key: "a", Value: "1", HasValue: true}, ID: NewMessageId(1)},
		{Cmd: RemoveNodeCommand{Node: 2}, ID: NewMessageId(2)},
	}
	nodes := membership.NewNodeSet([]membership.NodeId{1, 2, 3})

	vote := VoteMessage{Step: 5, Carries: carries, Source: 1, Nodes: nodes}
	encoded, err := EncodeMessage(vote)
	require.NoError(t, err)
	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)

	got, ok := decoded.(VoteMessage)
	require.True(t, ok)
	assert.Equal(t, vote.Step, got.Step)
	assert.Equal(t, vote.Source, got.Source)
	assert.True(t, vote.Nodes.Equal(got.Nodes))
	require.Len(t, got.Carries, len(carries))

	commit := CommitMessage{Step: 5, Carries: carries}
	encoded, err = EncodeMessage(commit)
	require.NoError(t, err)
	decoded, err = DecodeMessage(encoded)
	require.NoError(t, err)
	gotCommit, ok := decoded.(CommitMessage)
	require.True(t, ok)
	assert.Equal(t, commit.Step, gotCommit.Step)

	hb := HeartbeatMessage{Source: 9}
	encoded, err = EncodeMessage(hb)
	require.NoError(t, err)
	decoded, err = DecodeMessage(encoded)
	require.NoError(t, err)
	assert.Equal(t, hb, decoded)
}

func TestCarrySetOrderedByMessageId(t *testing.T) {
	a := NewMessageId(1)
	b := NewMessageId(1)
	cs := CarrySet{
		{Cmd: RemoveNodeCommand{Node: 1}, ID: b},
		{Cmd: RemoveNodeCommand{Node: 2}, ID: a},
	}
	encoded, err := EncodeMessage(CommitMessage{Step: 1, Carries: cs})
	require.NoError(t, err)
	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)
	got := decoded.(CommitMessage).Carries
	require.Len(t, got, 2)
	assert.True(t, got[0].ID.Less(got[1].ID) || got[0].ID == got[1].ID)
}
