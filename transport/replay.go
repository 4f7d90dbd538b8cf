package transport

import (
	"github.com/c360/controlbus/catalog"
)

// replayBuffer accumulates historical samples while the read loop works
// through messages at or below the recorded stream watermark. Once the
// watermark is reached the buffer drains, in order, into the handle.
//
// Three shapes, fixed at construction:
//   - plain topic: ring of the depth most recent samples in arrival order
//   - indexed topic bound to one index: ring of the depth most recent
//     samples carrying that index
//   - indexed topic reading all indices: the latest sample per index,
//     drained in last-update order
type replayBuffer struct {
	depth    int
	index    int
	perIndex bool

	ring    []*catalog.Message
	byIndex map[int]*catalog.Message
	order   []int
}

func newReplayBuffer(info *catalog.TopicInfo, boundIndex, depth int) *replayBuffer {
	b := &replayBuffer{
		depth: depth,
		index: boundIndex,
	}
	if info.Indexed && boundIndex == 0 {
		b.perIndex = true
		b.byIndex = make(map[int]*catalog.Message)
	}
	return b
}

func (b *replayBuffer) add(msg *catalog.Message) {
	if b.perIndex {
		if _, seen := b.byIndex[msg.Index]; seen {
			for i, idx := range b.order {
				if idx == msg.Index {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		}
		b.byIndex[msg.Index] = msg
		b.order = append(b.order, msg.Index)
		return
	}

	if b.index != 0 && msg.Index != b.index {
		return
	}
	if len(b.ring) == b.depth {
		copy(b.ring, b.ring[1:])
		b.ring = b.ring[:b.depth-1]
	}
	b.ring = append(b.ring, msg)
}

// drain returns the buffered history in delivery order and empties the
// buffer.
func (b *replayBuffer) drain() []*catalog.Message {
	if b.perIndex {
		out := make([]*catalog.Message, 0, len(b.order))
		for _, idx := range b.order {
			out = append(out, b.byIndex[idx])
		}
		b.byIndex = nil
		b.order = nil
		return out
	}
	out := b.ring
	b.ring = nil
	return out
}
