package tokenizer

import (
	"fmt"
	"strconv"
	"strings"
)

// Decode reconstructs text from ids. Special token surface strings are
// dropped when skipSpecial is set; byte-fallback tokens are mapped
// back to their raw byte values (so multi-byte runes survive even
// though each `<0xHH>` token individually isn't valid UTF-8 on its
// own), and the SentencePiece/BPE whitespace markers `▁`/`Ġ` become a
// space and `Ċ` becomes a newline. If trim is set, leading/trailing
// whitespace is stripped from the final result.
func (t *Tokenizer) Decode(ids []int32, skipSpecial bool, trim bool) (string, error) {
	var buf []byte
	for _, id := range ids {
		if skipSpecial && t.specialIDSet[id] {
			continue
		}
		s, ok := t.reverse[id]
		if !ok {
			return "", fmt.Errorf("%w: %d", ErrUnknownTokenID, id)
		}
		if b, ok := byteTokenValue(s); ok {
			buf = append(buf, b)
			continue
		}
		s = strings.ReplaceAll(s, "▁", " ")
		s = strings.ReplaceAll(s, "Ġ", " ")
		s = strings.ReplaceAll(s, "Ċ", "\n")
		buf = append(buf, s...)
	}
	out := string(buf)
	if trim {
		out = strings.TrimSpace(out)
	}
	return out, nil
}

// byteTokenValue parses a `<0xHH>` byte-fallback token surface string
// back into its raw byte value.
func byteTokenValue(s string) (byte, bool) {
	if len(s) != 6 || !strings.HasPrefix(s, "<0x") || !strings.HasSuffix(s, ">") {
		return 0, false
	}
	v, err := strconv.ParseUint(s[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}
