package tokenizer

import "strings"

// Encode tokenizes text into ids. Special tokens registered on the
// Tokenizer are segmented out before BPE/Unigram runs on the
// remaining plain-text spans, and BOS/EOS are inserted per Config's
// policy flags.
func (t *Tokenizer) Encode(text string) ([]int32, error) {
	if t.spSpaces {
		text = strings.ReplaceAll(text, " ", "▁")
		if !strings.HasPrefix(text, "▁") {
			text = "▁" + text
		}
	}

	var ids []int32
	if t.addBOS && t.hasBOS {
		ids = append(ids, t.bosID)
	}

	for _, seg := range t.splitSpecials(text) {
		if seg.isSpecial {
			ids = append(ids, seg.id)
			continue
		}
		for _, chunk := range t.pretokenize(seg.text) {
			var chunkIDs []int32
			var err error
			switch t.backend {
			case Unigram:
				chunkIDs, err = t.encodeUnigram(chunk)
			default:
				chunkIDs, err = t.encodeBPE(chunk)
			}
			if err != nil {
				return nil, err
			}
			ids = append(ids, chunkIDs...)
		}
	}

	if t.addEOS && t.hasEOS {
		ids = append(ids, t.eosID)
	}
	return ids, nil
}
