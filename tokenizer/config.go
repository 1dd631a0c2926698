package tokenizer

// Backend selects the tokenization algorithm a Tokenizer runs.
type Backend int

const (
	// BPE performs greedy longest-match tokenization against a flat
	// vocabulary; the merge table (if any) is not consulted after the
	// longest-match choice.
	BPE Backend = iota
	// Unigram performs Viterbi search against per-token log-scores.
	Unigram
)

func (b Backend) String() string {
	switch b {
	case BPE:
		return "bpe"
	case Unigram:
		return "unigram"
	default:
		return "unknown"
	}
}

// SpecialTokens names the well-known slots a vocabulary may bind.
type SpecialTokens struct {
	BOS string
	EOS string
	PAD string
	UNK string
}

// Config describes everything needed to construct a Tokenizer: the
// flat vocabulary, Unigram log-scores (ignored for BPE), the set of
// special tokens, and policy flags governing BOS/EOS insertion.
type Config struct {
	Backend Backend

	// Vocab maps a token's surface string to its id. Must be non-empty.
	Vocab map[string]int32

	// Scores holds Unigram per-token log-scores, keyed by the same
	// surface string as Vocab. Unused for BPE.
	Scores map[string]float64

	// Specials are the token strings registered for special-token
	// pre-encode segmentation (may include but is not limited to the
	// four named slots below).
	Specials []string

	Named SpecialTokens

	// AddBOS / AddEOS control automatic insertion of the BOS/EOS ids
	// around an Encode call's output.
	AddBOS bool
	AddEOS bool

	// SentencePieceSpaces, when set, replaces literal spaces with the
	// U+2581 marker and prepends one before the first word, matching
	// SentencePiece-style BPE vocabularies.
	SentencePieceSpaces bool

	// PretokenizePattern is a Python-style (possibly lookahead-using)
	// regular expression used to split a plain-text segment into
	// merge-candidate chunks before BPE/Unigram runs on each chunk. If
	// empty, a whitespace/punctuation fallback splitter is used.
	PretokenizePattern string
}
