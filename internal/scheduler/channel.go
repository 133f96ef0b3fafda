// Package scheduler implements the channel scheduler: component F of
// the job pipeline. It picks a channel for a job's requested pipe
// mask, drains per-context entities into channel run-queues in order,
// and performs the fixed push sequence that gets a job's command
// buffer in front of the DMA engine.
package scheduler

import (
	"math/bits"

	"github.com/ehrlich-b/go-host1x/internal/hosterr"
	"github.com/ehrlich-b/go-host1x/internal/pushbuffer"
)

// pickChannel implements the channel-rating selection: among channels
// whose accepted pipe mask is a superset of pipes, rate each
// `64 - popcount(accepted^pipes)`, pick the highest, tie-break by
// list order, short-circuit at a perfect rating of 64.
func pickChannel(channels []*pushbuffer.Channel, pipes uint32) (*pushbuffer.Channel, error) {
	if pipes == 0 {
		// An empty pipe mask would otherwise pass every channel's
		// accepted&pipes==pipes filter vacuously (0&x == 0 for any
		// x), matching every channel instead of none.
		return nil, hosterr.New("pick_channel", hosterr.NoSuitableChannel, "job declares no pipes")
	}
	best := -1
	bestRating := -1
	for i, ch := range channels {
		if ch.AcceptedPipes&pipes != pipes {
			continue
		}
		rating := 64 - bits.OnesCount32(ch.AcceptedPipes^pipes)
		if rating > bestRating {
			bestRating = rating
			best = i
			if rating == 64 {
				break
			}
		}
	}
	if best == -1 {
		return nil, hosterr.New("pick_channel", hosterr.NoSuitableChannel, "no channel accepts the job's full pipe set")
	}
	return channels[best], nil
}
