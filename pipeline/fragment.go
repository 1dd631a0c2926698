package pipeline

import "github.com/doppler/inference/sample"

// DoneReason explains why a Generate stream ended.
type DoneReason int

const (
	DoneNotDone DoneReason = iota
	DoneStop               // hit an EOS/stop-token id or a stop_sequence
	DoneMaxTokens
	DoneCancelled
)

func (r DoneReason) String() string {
	switch r {
	case DoneStop:
		return "stop"
	case DoneMaxTokens:
		return "max_tokens"
	case DoneCancelled:
		return "cancelled"
	default:
		return "not_done"
	}
}

// Fragment is one unit yielded on a Generate stream: either a piece of
// decoded text with the id of the token that completed it, or a
// terminal record with Done set and no further fragments following.
// Text flushed at a stop or on cancellation carries no token id.
type Fragment struct {
	Text    string
	TokenID int32
	Logprob *sample.TokenLogprob

	Done       bool
	DoneReason DoneReason
	Err        error
}
