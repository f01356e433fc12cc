package tokenizer

import "unicode/utf8"

// Decoder turns a stream of ids into text fragments. Bytes that end in the
// middle of a UTF-8 sequence are held until the sequence completes.
type Decoder struct {
	t       *Tokenizer
	pending []byte
	// strip drops the space a sentencepiece prefix adds before the first piece.
	strip bool
}

func (t *Tokenizer) NewDecoder() *Decoder {
	return &Decoder{t: t, strip: t.vocab.Mode == ModeSentencePiece && t.vocab.AddSpacePrefix}
}

// Add appends one token and returns the text that is now complete.
func (d *Decoder) Add(id int) string {
	d.pending = d.t.appendPiece(d.pending, id)
	if d.strip && len(d.pending) > 0 {
		d.strip = false
		if d.pending[0] == ' ' {
			d.pending = d.pending[1:]
		}
	}
	cut := completePrefix(d.pending)
	out := string(d.pending[:cut])
	d.pending = append(d.pending[:0], d.pending[cut:]...)
	return out
}

// Flush returns whatever is still held, complete or not.
func (d *Decoder) Flush() string {
	out := string(d.pending)
	d.pending = d.pending[:0]
	return out
}

// completePrefix returns the length of p without a trailing incomplete rune.
func completePrefix(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return len(p)
		}
		return i
	}
	return len(p)
}
