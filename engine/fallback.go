package engine

import (
	"context"

	"github.com/ac-dcz/flexible-hbbft/messages"
)

// fallback forces PES classification on any height of the lagging epoch
// (curEpoch - fallback window) that has not yet started PREPARE, so
// stragglers left behind by asynchrony still get classified.
func (c *Controller) fallback(ctx context.Context, curEpoch uint64) error {
	if curEpoch < c.params.Fallback {
		return nil
	}
	fallEpoch := curEpoch - c.params.Fallback
	for h := 0; h < c.committee.Size(); h++ {
		height := uint64(h)
		if c.prepareFlags[rankKey{fallEpoch, height}] {
			continue
		}
		if err := c.invokePrepare(ctx, fallEpoch, height, messages.Pes); err != nil {
			return err
		}
	}
	return nil
}
