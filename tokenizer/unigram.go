package tokenizer

// viterbiState tracks, for each position reachable in the DP, the best
// score seen so far and the backpointer needed to reconstruct the
// winning token sequence.
type viterbiState struct {
	score    float64
	fromLen  int // rune length of the edge arriving at this position
	tokenIDs []int32
	reached  bool
}

// encodeUnigram tokenizes a chunk by Viterbi search over per-token
// log-scores, considering vocabulary matches of up to 32 runes at
// each position. Positions with no vocabulary match fall back to a
// single-rune byte-encoded step penalized by -10*byte_len.
func (t *Tokenizer) encodeUnigram(chunk string) ([]int32, error) {
	runes := []rune(chunk)
	n := len(runes)
	best := make([]viterbiState, n+1)
	best[0] = viterbiState{reached: true}

	for i := 0; i < n; i++ {
		if !best[i].reached {
			continue
		}
		max := maxMatchRunes
		if i+max > n {
			max = n - i
		}
		for l := 1; l <= max; l++ {
			cand := string(runes[i : i+l])
			score, ok := t.scores[cand]
			if !ok {
				continue
			}
			id, ok := t.vocab[cand]
			if !ok {
				continue
			}
			t.relax(best, i, i+l, best[i].score+score, l, []int32{id})
		}

		byteIDs, err := t.byteFallback(runes[i])
		if err != nil {
			return nil, err
		}
		byteLen := len([]byte(string(runes[i])))
		penalty := -10.0 * float64(byteLen)
		t.relax(best, i, i+1, best[i].score+penalty, 1, byteIDs)
	}

	if !best[n].reached {
		return nil, ErrUnknownByteToken
	}

	// backtrack
	var rev [][]int32
	pos := n
	for pos > 0 {
		st := best[pos]
		rev = append(rev, st.tokenIDs)
		pos -= st.fromLen
	}
	var ids []int32
	for i := len(rev) - 1; i >= 0; i-- {
		ids = append(ids, rev[i]...)
	}
	return ids, nil
}

// relax updates best[to] if arriving via this edge beats whatever
// already reaches position to.
func (t *Tokenizer) relax(best []viterbiState, from, to int, score float64, fromLen int, ids []int32) {
	if best[to].reached && score <= best[to].score {
		return
	}
	best[to] = viterbiState{
		score:    score,
		fromLen:  fromLen,
		tokenIDs: ids,
		reached:  true,
	}
}
