package tokenizer

import (
	"sort"

	"github.com/dlclark/regexp2"
)

// Tokenizer encodes text to token ids and decodes ids back to text,
// using whichever Backend its Config selected. All state is held on
// the value; there is no package-level vocabulary or mutable global —
// every caller owns its own *Tokenizer.
type Tokenizer struct {
	backend Backend

	vocab   map[string]int32
	reverse map[int32]string
	scores  map[string]float64

	specials      []string // sorted by decreasing length
	specialIDs    map[string]int32
	specialIDSet  map[int32]bool
	named         SpecialTokens
	bosID, eosID  int32
	hasBOS, hasEOS bool

	addBOS, addEOS bool
	spSpaces       bool

	pretok *regexp2.Regexp
}

// New validates cfg and constructs a Tokenizer. It returns
// ErrTokenizerUninitialized if cfg.Vocab is empty.
func New(cfg Config) (*Tokenizer, error) {
	if len(cfg.Vocab) == 0 {
		return nil, ErrTokenizerUninitialized
	}

	t := &Tokenizer{
		backend:      cfg.Backend,
		vocab:        cfg.Vocab,
		reverse:      make(map[int32]string, len(cfg.Vocab)),
		scores:       cfg.Scores,
		specialIDs:   make(map[string]int32),
		specialIDSet: make(map[int32]bool),
		named:        cfg.Named,
		addBOS:       cfg.AddBOS,
		addEOS:       cfg.AddEOS,
		spSpaces:     cfg.SentencePieceSpaces,
	}
	for s, id := range cfg.Vocab {
		t.reverse[id] = s
	}

	specials := append([]string(nil), cfg.Specials...)
	for _, s := range []string{cfg.Named.BOS, cfg.Named.EOS, cfg.Named.PAD, cfg.Named.UNK} {
		if s == "" {
			continue
		}
		found := false
		for _, e := range specials {
			if e == s {
				found = true
				break
			}
		}
		if !found {
			specials = append(specials, s)
		}
	}
	sort.Slice(specials, func(i, j int) bool { return len(specials[i]) > len(specials[j]) })
	t.specials = specials
	for _, s := range specials {
		if id, ok := t.vocab[s]; ok {
			t.specialIDs[s] = id
			t.specialIDSet[id] = true
		}
	}

	if id, ok := t.vocab[cfg.Named.BOS]; ok && cfg.Named.BOS != "" {
		t.bosID, t.hasBOS = id, true
	}
	if id, ok := t.vocab[cfg.Named.EOS]; ok && cfg.Named.EOS != "" {
		t.eosID, t.hasEOS = id, true
	}

	if cfg.PretokenizePattern != "" {
		re, err := regexp2.Compile(cfg.PretokenizePattern, regexp2.None)
		if err != nil {
			return nil, err
		}
		t.pretok = re
	}

	return t, nil
}

// Backend reports which algorithm this Tokenizer runs.
func (t *Tokenizer) Backend() Backend { return t.backend }

// VocabSize reports the number of entries in the vocabulary.
func (t *Tokenizer) VocabSize() int { return len(t.vocab) }
