// Package vocab maps caption words to token ids and back.
package vocab

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

const (
	PadToken   = "<pad>"
	StartToken = "<start>"
	EndToken   = "<end>"
	UnkToken   = "<unk>"
)

var (
	ErrInvalid = errors.New("vocab: invalid vocabulary")
	ErrFormat  = errors.New("vocab: malformed vocabulary file")
)

// Special holds the reserved ids.
type Special struct {
	Pad   int
	Start int
	End   int
	Unk   int
}

// DefaultSpecial is the layout produced by Build.
var DefaultSpecial = Special{Pad: 0, Start: 1, End: 2, Unk: 3}

// Vocabulary is a read-only bijection between tokens and ids in [0, Size()).
// It is safe for concurrent use.
type Vocabulary struct {
	tokens    []string
	ids       map[string]int
	special   Special
	threshold int
}

// New builds a vocabulary where tokens[i] has id i.
func New(tokens []string, special Special) (*Vocabulary, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: no tokens", ErrInvalid)
	}
	ids := make(map[string]int, len(tokens))
	for i, tok := range tokens {
		if tok == "" {
			return nil, fmt.Errorf("%w: empty token at id %d", ErrInvalid, i)
		}
		if prev, ok := ids[tok]; ok {
			return nil, fmt.Errorf("%w: token %q has ids %d and %d", ErrInvalid, tok, prev, i)
		}
		ids[tok] = i
	}
	seen := map[int]string{}
	for name, id := range map[string]int{"pad": special.Pad, "start": special.Start, "end": special.End, "unk": special.Unk} {
		if id < 0 || id >= len(tokens) {
			return nil, fmt.Errorf("%w: %s id %d out of range [0, %d)", ErrInvalid, name, id, len(tokens))
		}
		if other, ok := seen[id]; ok {
			return nil, fmt.Errorf("%w: %s and %s share id %d", ErrInvalid, name, other, id)
		}
		seen[id] = name
	}
	return &Vocabulary{tokens: tokens, ids: ids, special: special}, nil
}

// Synthetic returns a vocabulary of size tokens named w<id>, with the
// reserved tokens at the ids given by special.
func Synthetic(size int, special Special) (*Vocabulary, error) {
	if size < 4 {
		return nil, fmt.Errorf("%w: size %d leaves no room for reserved tokens", ErrInvalid, size)
	}
	tokens := make([]string, size)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("w%d", i)
	}
	for id, tok := range map[int]string{special.Pad: PadToken, special.Start: StartToken, special.End: EndToken, special.Unk: UnkToken} {
		if id >= 0 && id < size {
			tokens[id] = tok
		}
	}
	return New(tokens, special)
}

// Build counts words over captions and keeps those seen at least threshold
// times, in order of first appearance, after the reserved tokens.
func Build(captions []string, threshold int) *Vocabulary {
	tokens := []string{PadToken, StartToken, EndToken, UnkToken}
	counts := map[string]int{}
	var order []string
	for _, c := range captions {
		for _, w := range Tokenize(c) {
			if counts[w] == 0 {
				order = append(order, w)
			}
			counts[w]++
		}
	}
	reserved := map[string]bool{PadToken: true, StartToken: true, EndToken: true, UnkToken: true}
	for _, w := range order {
		if counts[w] >= threshold && !reserved[w] {
			tokens = append(tokens, w)
		}
	}
	v, err := New(tokens, DefaultSpecial)
	if err != nil {
		panic(err)
	}
	v.threshold = threshold
	return v
}

// Tokenize lowercases text, drops ASCII punctuation and splits on whitespace.
func Tokenize(text string) []string {
	text = strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsPunct(r) || unicode.IsSymbol(r)) {
			return -1
		}
		return unicode.ToLower(r)
	}, text)
	return strings.Fields(text)
}

func (v *Vocabulary) Size() int { return len(v.tokens) }

func (v *Vocabulary) Special() Special { return v.special }

// Threshold is the frequency threshold the vocabulary was built with.
func (v *Vocabulary) Threshold() int { return v.threshold }

// ID returns the id of tok.
func (v *Vocabulary) ID(tok string) (int, bool) {
	id, ok := v.ids[tok]
	return id, ok
}

// Token returns the token with id.
func (v *Vocabulary) Token(id int) (string, bool) {
	if id < 0 || id >= len(v.tokens) {
		return "", false
	}
	return v.tokens[id], true
}

// Tokens returns a copy of all tokens ordered by id.
func (v *Vocabulary) Tokens() []string {
	return append([]string(nil), v.tokens...)
}

// Encode tokenizes text and wraps the ids in start and end tokens.
// Unknown words map to the unk id.
func (v *Vocabulary) Encode(text string) []int {
	words := Tokenize(text)
	ids := make([]int, 0, len(words)+2)
	ids = append(ids, v.special.Start)
	for _, w := range words {
		id, ok := v.ids[w]
		if !ok {
			id = v.special.Unk
		}
		ids = append(ids, id)
	}
	return append(ids, v.special.End)
}

// Decode joins the words of ids, skipping pad and start tokens and stopping
// at the first end token. Ids outside the vocabulary decode as <unk>.
func (v *Vocabulary) Decode(ids []int) string {
	return strings.Join(v.Words(ids), " ")
}

// Words is Decode without the final join.
func (v *Vocabulary) Words(ids []int) []string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		switch id {
		case v.special.End:
			return words
		case v.special.Pad, v.special.Start:
			continue
		}
		tok, ok := v.Token(id)
		if !ok {
			tok = v.tokens[v.special.Unk]
		}
		words = append(words, tok)
	}
	return words
}
