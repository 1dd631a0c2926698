package tokenizer

import "strings"

// segment is one piece of a special-token-segmented input: either
// plain text to be run through BPE/Unigram, or a special token's id.
type segment struct {
	text      string
	isSpecial bool
	id        int32
}

// splitSpecials segments text around any registered special token,
// repeatedly locating the earliest occurrence of any candidate (ties
// broken toward the longest candidate, since t.specials is sorted by
// decreasing length and the first match found at the winning index is
// kept). This keeps a special token's surface string from ever being
// merged into a neighboring plain-text chunk by the BPE/Unigram pass.
func (t *Tokenizer) splitSpecials(text string) []segment {
	var out []segment
	for len(text) > 0 {
		bestIdx := -1
		bestTok := ""
		for _, s := range t.specials {
			idx := strings.Index(text, s)
			if idx == -1 {
				continue
			}
			if bestIdx == -1 || idx < bestIdx {
				bestIdx = idx
				bestTok = s
			}
		}
		if bestIdx == -1 {
			out = append(out, segment{text: text})
			break
		}
		if bestIdx > 0 {
			out = append(out, segment{text: text[:bestIdx]})
		}
		out = append(out, segment{isSpecial: true, id: t.specialIDs[bestTok], text: bestTok})
		text = text[bestIdx+len(bestTok):]
	}
	return out
}
