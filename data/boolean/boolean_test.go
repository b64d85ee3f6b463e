package boolean

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"github.com/sbl8/thinstack/core"
)

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		line    string
		wantErr bool
		tokens  []string
		trans   []int
	}{
		{
			name:   "simple pair",
			line:   "1\t( T F )",
			tokens: []string{"T", "F"},
			trans:  []int{core.Shift, core.Shift, core.Merge},
		},
		{
			name:   "nested",
			line:   "0\t( ( T F ) T )",
			tokens: []string{"T", "F", "T"},
			trans:  []int{0, 0, 1, 0, 1},
		},
		{
			name:   "single word",
			line:   "1\tT",
			tokens: []string{"T"},
			trans:  []int{0},
		},
		{name: "missing tab", line: "1 ( T F )", wantErr: true},
		{name: "bad label", line: "yes\t( T F )", wantErr: true},
		{name: "empty sentence", line: "1\t", wantErr: true},
		{name: "merge without operands", line: "1\t( T )", wantErr: true},
		{name: "unclosed constituents", line: "1\tT F", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			examples, err := Parse(strings.NewReader(tt.line))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			ex := examples[0]
			if len(ex.Tokens) != len(tt.tokens) {
				t.Fatalf("tokens = %v, want %v", ex.Tokens, tt.tokens)
			}
			for i := range tt.tokens {
				if ex.Tokens[i] != tt.tokens[i] {
					t.Errorf("token %d = %q, want %q", i, ex.Tokens[i], tt.tokens[i])
				}
			}
			for i := range tt.trans {
				if ex.Transitions[i] != tt.trans[i] {
					t.Errorf("transition %d = %d, want %d", i, ex.Transitions[i], tt.trans[i])
				}
			}
		})
	}
}

func TestParseSkipsBlankLinesAndReportsLineNumbers(t *testing.T) {
	t.Parallel()
	examples, err := Parse(strings.NewReader("1\t( T F )\n\n0\t( F F )\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(examples) != 2 {
		t.Fatalf("got %d examples, want 2", len(examples))
	}

	_, err = Parse(strings.NewReader("1\t( T F )\nbroken\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("error %v does not name the failing line", err)
	}
}

func TestVocabulary(t *testing.T) {
	t.Parallel()
	examples, err := Parse(strings.NewReader("1\t( b a )\n0\t( a c )\n"))
	if err != nil {
		t.Fatal(err)
	}
	v := NewVocabulary(examples)

	if v.ID(PaddingToken) != PaddingID || v.ID(UnknownToken) != UnknownID {
		t.Fatal("reserved ids misplaced")
	}
	// Words sort after the reserved entries.
	if v.ID("a") != 2 || v.ID("b") != 3 || v.ID("c") != 4 {
		t.Errorf("ids: a=%d b=%d c=%d", v.ID("a"), v.ID("b"), v.ID("c"))
	}
	if v.ID("never-seen") != UnknownID {
		t.Errorf("unknown word mapped to %d", v.ID("never-seen"))
	}
	if v.Size() != 5 {
		t.Errorf("Size() = %d, want 5", v.Size())
	}
	if v.Word(2) != "a" {
		t.Errorf("Word(2) = %q", v.Word(2))
	}
}

func TestVocabularySaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	examples, _ := Parse(strings.NewReader("1\t( b a )\n"))
	v := NewVocabulary(examples)

	var buf bytes.Buffer
	if err := v.Save(&buf); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadVocabulary(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Size() != v.Size() || loaded.ID("a") != v.ID("a") || loaded.ID("b") != v.ID("b") {
		t.Error("round trip changed the mapping")
	}

	if _, err := LoadVocabulary(strings.NewReader("a\nb\n")); err == nil {
		t.Error("vocabulary without reserved entries must be rejected")
	}
}

func TestEncodePadsInFront(t *testing.T) {
	t.Parallel()
	examples, err := Parse(strings.NewReader("1\t( T F )"))
	if err != nil {
		t.Fatal(err)
	}
	v := NewVocabulary(examples)
	ds := Encode(examples, v, 5)

	wantTrans := []int{0, 0, 0, 0, 1}
	for i, w := range wantTrans {
		if ds.Transitions[0][i] != w {
			t.Errorf("transition %d = %d, want %d", i, ds.Transitions[0][i], w)
		}
	}
	// Two pad shifts consume the two leading padding tokens; the real words
	// sit right behind them.
	wantTokens := []int{PaddingID, PaddingID, v.ID("T"), v.ID("F"), PaddingID}
	for i, w := range wantTokens {
		if ds.Tokens[0][i] != w {
			t.Errorf("token %d = %d, want %d", i, ds.Tokens[0][i], w)
		}
	}
}

func TestEncodeCropsFromTheLeft(t *testing.T) {
	t.Parallel()
	examples, err := Parse(strings.NewReader("0\t( ( a b ) c )"))
	if err != nil {
		t.Fatal(err)
	}
	v := NewVocabulary(examples)
	ds := Encode(examples, v, 3)

	// Original transitions 0,0,1,0,1 lose their first two shifts, dropping
	// tokens a and b.
	wantTrans := []int{1, 0, 1}
	for i, w := range wantTrans {
		if ds.Transitions[0][i] != w {
			t.Errorf("transition %d = %d, want %d", i, ds.Transitions[0][i], w)
		}
	}
	if ds.Tokens[0][0] != v.ID("c") {
		t.Errorf("first token = %d, want id of c (%d)", ds.Tokens[0][0], v.ID("c"))
	}
}

func TestEncodeShiftCountsMatchTokens(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(5))
	examples := Generate(rng, 50, 6)
	v := NewVocabulary(examples)
	ds := Encode(examples, v, 11)

	for i := range ds.Tokens {
		shifts := 0
		for _, tr := range ds.Transitions[i] {
			if tr == core.Shift {
				shifts++
			}
		}
		// Every shift must have a token row to read.
		if shifts > len(ds.Tokens[i]) {
			t.Fatalf("example %d: %d shifts over %d token slots", i, shifts, len(ds.Tokens[i]))
		}
	}
}

func TestGenerateLabelsAreConjunctions(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(11))
	for i, ex := range Generate(rng, 100, 8) {
		all := 1
		for _, tok := range ex.Tokens {
			if tok != "T" {
				all = 0
			}
		}
		if ex.Label != all {
			t.Fatalf("example %d: label %d, tokens %v", i, ex.Label, ex.Tokens)
		}
		if len(ex.Transitions) != 2*len(ex.Tokens)-1 {
			t.Fatalf("example %d: %d transitions for %d tokens", i, len(ex.Transitions), len(ex.Tokens))
		}
	}
}
