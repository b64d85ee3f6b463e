// Package boolean loads binary-bracketed boolean-logic corpora.
//
// Each line is "label<TAB>sentence" where the sentence is a fully binarized
// parse over space-separated symbols: "(" opens a constituent (structurally
// redundant, it is skipped), ")" closes one and becomes a merge transition,
// and every other symbol is a word and becomes a shift. A sentence of n words
// therefore yields 2n-1 transitions.
package boolean

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sbl8/thinstack/core"
	"github.com/sbl8/thinstack/model"
)

// Reserved vocabulary entries. Padding must be id 0 so zero-filled buffers
// read as padding.
const (
	PaddingToken = "*PADDING*"
	UnknownToken = "*UNK*"

	PaddingID = 0
	UnknownID = 1
)

// Example is one parsed line before numericalization.
type Example struct {
	Label       int
	Tokens      []string
	Transitions []int
}

// Parse reads every line of r. Blank lines are skipped; malformed lines are
// an error with their line number.
func Parse(r io.Reader) ([]Example, error) {
	var out []Example
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		ex, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("boolean: line %d: %w", lineNo, err)
		}
		out = append(out, ex)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("boolean: %w", err)
	}
	return out, nil
}

// ParseFile is Parse over a file path.
func ParseFile(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("boolean: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

func parseLine(line string) (Example, error) {
	var ex Example
	label, rest, ok := strings.Cut(line, "\t")
	if !ok {
		return ex, fmt.Errorf("missing label field")
	}
	lv, err := strconv.Atoi(strings.TrimSpace(label))
	if err != nil {
		return ex, fmt.Errorf("label %q is not an integer", label)
	}
	ex.Label = lv

	depth := 0
	for _, sym := range strings.Fields(rest) {
		switch sym {
		case "(":
			continue
		case ")":
			// A merge needs two completed constituents below it.
			if depth < 2 {
				return ex, fmt.Errorf("unbalanced parse, merge at stack depth %d", depth)
			}
			ex.Transitions = append(ex.Transitions, core.Merge)
			depth--
		default:
			ex.Tokens = append(ex.Tokens, sym)
			ex.Transitions = append(ex.Transitions, core.Shift)
			depth++
		}
	}
	if len(ex.Tokens) == 0 {
		return ex, fmt.Errorf("empty sentence")
	}
	if depth != 1 {
		return ex, fmt.Errorf("parse leaves %d constituents, want 1", depth)
	}
	return ex, nil
}

// Vocabulary maps symbols to dense ids, with padding and unknown reserved.
type Vocabulary struct {
	ids   map[string]int
	words []string
}

// NewVocabulary collects every token of the examples, sorted for determinism.
func NewVocabulary(examples []Example) *Vocabulary {
	seen := map[string]bool{}
	for _, ex := range examples {
		for _, tok := range ex.Tokens {
			seen[tok] = true
		}
	}
	words := make([]string, 0, len(seen))
	for w := range seen {
		words = append(words, w)
	}
	sort.Strings(words)

	v := &Vocabulary{
		ids:   map[string]int{PaddingToken: PaddingID, UnknownToken: UnknownID},
		words: append([]string{PaddingToken, UnknownToken}, words...),
	}
	for i, w := range words {
		v.ids[w] = i + 2
	}
	return v
}

// ID returns the token's id, or UnknownID for out-of-vocabulary symbols.
func (v *Vocabulary) ID(word string) int {
	if id, ok := v.ids[word]; ok {
		return id
	}
	return UnknownID
}

// Word is the inverse of ID.
func (v *Vocabulary) Word(id int) string { return v.words[id] }

// Size is the number of distinct ids, reserved entries included.
func (v *Vocabulary) Size() int { return len(v.words) }

// Save writes the vocabulary as one word per line in id order, so a model
// checkpoint can be paired with the exact token mapping it was trained on.
func (v *Vocabulary) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, word := range v.words {
		if _, err := fmt.Fprintln(bw, word); err != nil {
			return fmt.Errorf("boolean: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("boolean: %w", err)
	}
	return nil
}

// LoadVocabulary reads a vocabulary written by Save.
func LoadVocabulary(r io.Reader) (*Vocabulary, error) {
	v := &Vocabulary{ids: map[string]int{}}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		word := sc.Text()
		v.ids[word] = len(v.words)
		v.words = append(v.words, word)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("boolean: %w", err)
	}
	if len(v.words) < 2 || v.words[PaddingID] != PaddingToken || v.words[UnknownID] != UnknownToken {
		return nil, fmt.Errorf("boolean: vocabulary file is missing the reserved entries")
	}
	return v, nil
}

// Dataset is a numericalized corpus with every example cropped and padded to
// one fixed sequence length.
type Dataset struct {
	SeqLength   int
	Tokens      [][]int // each length SeqLength
	Transitions [][]int // each length SeqLength
	Labels      []int
	Vocab       *Vocabulary
}

// Encode crops and pads every example to seqLen transitions. Overlong
// examples are cropped from the left, dropping as many leading tokens as the
// removed prefix shifted; short examples are front-padded with padding shifts
// so the real merges stay at the end and the root lands on the final step.
func Encode(examples []Example, vocab *Vocabulary, seqLen int) *Dataset {
	ds := &Dataset{SeqLength: seqLen, Vocab: vocab}
	for _, ex := range examples {
		toks, trans := cropAndPad(ex, vocab, seqLen)
		ds.Tokens = append(ds.Tokens, toks)
		ds.Transitions = append(ds.Transitions, trans)
		ds.Labels = append(ds.Labels, ex.Label)
	}
	return ds
}

func cropAndPad(ex Example, vocab *Vocabulary, seqLen int) (tokens, transitions []int) {
	trans := ex.Transitions
	words := ex.Tokens
	if len(trans) > seqLen {
		cut := len(trans) - seqLen
		shifted := 0
		for _, t := range trans[:cut] {
			if t == core.Shift {
				shifted++
			}
		}
		trans = trans[cut:]
		words = words[shifted:]
	}

	tokens = make([]int, seqLen)
	transitions = make([]int, seqLen)
	transPad := seqLen - len(trans)
	for i, t := range trans {
		transitions[transPad+i] = t
	}
	// Word j is consumed by shift number transPad+j, so the words start at
	// buffer position transPad; the leading pad shifts read padding tokens.
	for j, w := range words {
		tokens[transPad+j] = vocab.ID(w)
	}
	return tokens, transitions
}

// Len is the example count.
func (ds *Dataset) Len() int { return len(ds.Labels) }

// FillBatch writes the examples at idxs into batch, padding row-major as the
// engine expects (row b*T+t). len(idxs) must equal the batch capacity the
// batch was allocated for.
func (ds *Dataset) FillBatch(batch *model.Batch, idxs []int) {
	t := ds.SeqLength
	for b, idx := range idxs {
		copy(batch.Tokens[b*t:(b+1)*t], ds.Tokens[idx])
		copy(batch.Transitions[b*t:(b+1)*t], ds.Transitions[idx])
		batch.Labels[b] = ds.Labels[idx]
	}
}

// NewBatch allocates a batch sized for the spec.
func NewBatch(spec core.ModelSpec) *model.Batch {
	return &model.Batch{
		Tokens:      make([]int, spec.BatchSize*spec.SeqLength),
		Transitions: make([]int, spec.BatchSize*spec.SeqLength),
		Labels:      make([]int, spec.BatchSize),
	}
}

// Generate produces a synthetic corpus of fully binarized boolean formulas:
// leaves are "T" or "F", every internal node conjoins two children, and the
// label is the root's truth value. Useful for smoke training without a
// corpus file.
func Generate(rng *rand.Rand, count, maxLeaves int) []Example {
	if maxLeaves < 2 {
		maxLeaves = 2
	}
	out := make([]Example, count)
	for i := range out {
		leaves := 2 + rng.Intn(maxLeaves-1)
		var sb strings.Builder
		value := genTree(rng, leaves, &sb)
		line := strconv.Itoa(value) + "\t" + sb.String()
		ex, err := parseLine(line)
		if err != nil {
			panic(fmt.Sprintf("boolean: generator emitted malformed line: %v", err))
		}
		out[i] = ex
	}
	return out
}

// genTree writes a bracketed formula with n leaves and returns its value
// under conjunction.
func genTree(rng *rand.Rand, n int, sb *strings.Builder) int {
	if n == 1 {
		if rng.Intn(2) == 1 {
			sb.WriteString("T")
			return 1
		}
		sb.WriteString("F")
		return 0
	}
	left := 1 + rng.Intn(n-1)
	sb.WriteString("( ")
	lv := genTree(rng, left, sb)
	sb.WriteString(" ")
	rv := genTree(rng, n-left, sb)
	sb.WriteString(" )")
	return lv & rv
}
