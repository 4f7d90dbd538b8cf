package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/controlbus/catalog"
)

func replayMsg(index, seqNum int) *catalog.Message {
	return &catalog.Message{
		Identity: "Rig",
		SentAt:   time.Now(),
		SeqNum:   int64(seqNum),
		Index:    index,
		Fields:   map[string]any{},
	}
}

func TestReplayRingKeepsMostRecent(t *testing.T) {
	info, err := catalog.NewTopicInfo("Rig", "state", catalog.KindEvent, false, nil)
	require.NoError(t, err)

	b := newReplayBuffer(info, 0, 3)
	for seq := 1; seq <= 5; seq++ {
		b.add(replayMsg(0, seq))
	}

	out := b.drain()
	require.Len(t, out, 3)
	for i, want := range []int64{3, 4, 5} {
		assert.Equal(t, want, out[i].SeqNum)
	}
}

func TestReplayBoundIndexFilters(t *testing.T) {
	info, err := catalog.NewTopicInfo("Rig", "state", catalog.KindEvent, true, nil)
	require.NoError(t, err)

	b := newReplayBuffer(info, 2, 2)
	b.add(replayMsg(1, 1))
	b.add(replayMsg(2, 2))
	b.add(replayMsg(3, 3))
	b.add(replayMsg(2, 4))
	b.add(replayMsg(2, 5))

	out := b.drain()
	require.Len(t, out, 2)
	assert.Equal(t, int64(4), out[0].SeqNum)
	assert.Equal(t, int64(5), out[1].SeqNum)
}

func TestReplayAllIndicesLatestPerIndex(t *testing.T) {
	info, err := catalog.NewTopicInfo("Rig", "state", catalog.KindEvent, true, nil)
	require.NoError(t, err)

	b := newReplayBuffer(info, 0, 1)
	b.add(replayMsg(1, 1))
	b.add(replayMsg(2, 2))
	b.add(replayMsg(3, 3))
	b.add(replayMsg(2, 4)) // index 2 updated last

	out := b.drain()
	require.Len(t, out, 3)
	assert.Equal(t, []int{1, 3, 2}, []int{out[0].Index, out[1].Index, out[2].Index})
	assert.Equal(t, int64(4), out[2].SeqNum)
}

func TestReplayDrainEmpties(t *testing.T) {
	info, err := catalog.NewTopicInfo("Rig", "state", catalog.KindEvent, false, nil)
	require.NoError(t, err)

	b := newReplayBuffer(info, 0, 2)
	b.add(replayMsg(0, 1))
	require.Len(t, b.drain(), 1)
	assert.Empty(t, b.drain())
}
