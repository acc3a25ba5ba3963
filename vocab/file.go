package vocab

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// fileFormat is the on-disk JSON layout.
type fileFormat struct {
	Word2Idx      map[string]int    `json:"word2idx"`
	Idx2Word      map[string]string `json:"idx2word"`
	FreqThreshold int               `json:"freq_threshold"`
}

// Load reads a JSON vocabulary. The reserved ids are looked up by their
// token names.
func Load(r io.Reader) (*Vocabulary, error) {
	var f fileFormat
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	if len(f.Idx2Word) != len(f.Word2Idx) {
		return nil, fmt.Errorf("%w: %d words but %d ids", ErrFormat, len(f.Word2Idx), len(f.Idx2Word))
	}
	tokens := make([]string, len(f.Idx2Word))
	for k, w := range f.Idx2Word {
		id, err := strconv.Atoi(k)
		if err != nil || id < 0 || id >= len(tokens) {
			return nil, fmt.Errorf("%w: id %q", ErrFormat, k)
		}
		if got, ok := f.Word2Idx[w]; !ok || got != id {
			return nil, fmt.Errorf("%w: %q is id %d in idx2word but %d in word2idx", ErrFormat, w, id, got)
		}
		tokens[id] = w
	}
	special, err := specialFromTokens(tokens)
	if err != nil {
		return nil, err
	}
	v, err := New(tokens, special)
	if err != nil {
		return nil, err
	}
	v.threshold = f.FreqThreshold
	return v, nil
}

// Save writes v as indented JSON.
func (v *Vocabulary) Save(w io.Writer) error {
	f := fileFormat{
		Word2Idx:      make(map[string]int, len(v.tokens)),
		Idx2Word:      make(map[string]string, len(v.tokens)),
		FreqThreshold: v.threshold,
	}
	for id, tok := range v.tokens {
		f.Word2Idx[tok] = id
		f.Idx2Word[strconv.Itoa(id)] = tok
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(f)
}

// LoadFile reads a .json vocabulary, or any other file as one token per
// line in id order.
func LoadFile(path string) (*Vocabulary, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return Load(f)
	}
	tokens, err := readLines(path)
	if err != nil {
		return nil, err
	}
	special, err := specialFromTokens(tokens)
	if err != nil {
		return nil, err
	}
	return New(tokens, special)
}

// SaveFile writes v as JSON to path.
func (v *Vocabulary) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := v.Save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readLines(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, l := range strings.Split(string(b), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

func specialFromTokens(tokens []string) (Special, error) {
	find := func(name string) (int, error) {
		for i, t := range tokens {
			if t == name {
				return i, nil
			}
		}
		return 0, fmt.Errorf("%w: missing %s", ErrInvalid, name)
	}
	var s Special
	var err error
	if s.Pad, err = find(PadToken); err != nil {
		return s, err
	}
	if s.Start, err = find(StartToken); err != nil {
		return s, err
	}
	if s.End, err = find(EndToken); err != nil {
		return s, err
	}
	if s.Unk, err = find(UnkToken); err != nil {
		return s, err
	}
	return s, nil
}
