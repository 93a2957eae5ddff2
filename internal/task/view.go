package task

import (
	"firestige.xyz/streamrt/internal/buffer"
	"firestige.xyz/streamrt/internal/epoch"
	"firestige.xyz/streamrt/internal/subpartition"
)

// localView adapts a producer's subpartition.Subpartition, local to this
// process, to the inputchannel.SubpartitionView contract PollNext/
// ReleaseView — the in-process shortcut referenced by §4.4's channel
// provider abstraction.
type localView struct {
	sp      *subpartition.Subpartition
	tracker *epoch.Tracker
}

func newLocalView(sp *subpartition.Subpartition, tracker *epoch.Tracker) *localView {
	return &localView{sp: sp, tracker: tracker}
}

func (v *localView) PollNext() (buffer.AndBacklog, bool) {
	return v.sp.PollBuffer(v.tracker.CurrentEpoch())
}

func (v *localView) ReleaseView() {
	v.sp.Release()
}

// newFinishedConsumer wraps a complete output buffer as a single-shot,
// already-finished buffer.Consumer ready for subpartition.Add.
func newFinishedConsumer(b *buffer.Buffer) *buffer.Consumer {
	var c *buffer.Consumer
	if b.IsEvent() {
		c = buffer.NewEventConsumer()
	} else {
		c = buffer.NewConsumer()
	}
	c.Append(b.Bytes())
	c.Finish()
	b.Release()
	return c
}
