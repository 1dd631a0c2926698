package tokenizer

import "unicode"

// pretokenize splits a plain-text segment into merge-candidate chunks
// ahead of BPE/Unigram. When the vocabulary supplied a pretokenizer
// pattern, that regex (evaluated with regexp2 so lookaheads like
// `(?!\S)` work) drives the split; otherwise chunks are split at
// whitespace/punctuation boundaries, keeping the last whitespace rune
// of a run attached to the chunk that follows it the way a
// SentencePiece-style tokenizer expects (any earlier whitespace in the
// run, and trailing whitespace, form chunks of their own).
func (t *Tokenizer) pretokenize(text string) []string {
	if t.pretok != nil {
		if chunks, ok := t.pretokenizeRegex(text); ok {
			return chunks
		}
	}
	return pretokenizeFallback(text)
}

func (t *Tokenizer) pretokenizeRegex(text string) ([]string, bool) {
	var chunks []string
	m, err := t.pretok.FindStringMatch(text)
	if err != nil {
		return nil, false
	}
	for m != nil {
		chunks = append(chunks, m.String())
		m, err = t.pretok.FindNextMatch(m)
		if err != nil {
			return nil, false
		}
	}
	if chunks == nil {
		return nil, false
	}
	return chunks, true
}

func classOf(r rune) int {
	switch {
	case unicode.IsLetter(r) || unicode.IsDigit(r):
		return 1
	default:
		return 2
	}
}

// pretokenizeFallback splits on runs of letters/digits vs. runs of
// punctuation, attaching a single leading space to the run that
// follows it the way the common GPT-2-style pretokenizer pattern does
// (` ?\p{L}+`, ` ?\p{N}+`, ` ?[^\s\p{L}\p{N}]+`). A run of more than
// one space leaves all but its last space as its own whitespace
// chunk; trailing whitespace with nothing after it is its own chunk.
func pretokenizeFallback(text string) []string {
	runes := []rune(text)
	n := len(runes)
	var chunks []string
	i := 0
	for i < n {
		spaceStart := i
		for i < n && unicode.IsSpace(runes[i]) {
			i++
		}
		spaceCount := i - spaceStart
		if i >= n {
			if spaceCount > 0 {
				chunks = append(chunks, string(runes[spaceStart:i]))
			}
			break
		}
		start := spaceStart
		if spaceCount > 1 {
			chunks = append(chunks, string(runes[spaceStart:i-1]))
			start = i - 1
		}
		cls := classOf(runes[i])
		j := i
		for j < n && !unicode.IsSpace(runes[j]) && classOf(runes[j]) == cls {
			j++
		}
		chunks = append(chunks, string(runes[start:j]))
		i = j
	}
	return chunks
}
