// Package model assembles complete SPINN classifiers from the thin-stack
// engine: embedding lookup and projection in front, the stack in the middle,
// an MLP head with softmax cross-entropy behind. The four historical
// variants (Model0/1/2/2S) differ only in the engine's capability config.
package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/sbl8/thinstack/nn"
)

// Embedding is the mutable token embedding table (vocab x wordDim). It is a
// regular parameter: lookups gather rows, gradients scatter-add rows.
type Embedding struct {
	Table *nn.Param
	vocab int
	dim   int
}

// NewEmbedding registers the table in vs. When initial is non-nil it seeds
// the table (pretrained vectors) instead of the random initializer.
func NewEmbedding(vs *nn.VariableStore, name string, vocab, dim int, initial *mat.Dense) (*Embedding, error) {
	e := &Embedding{
		Table: vs.AddParam(name, vocab, dim, nil),
		vocab: vocab,
		dim:   dim,
	}
	if initial != nil {
		r, c := initial.Dims()
		if r != vocab || c != dim {
			return nil, fmt.Errorf("model: initial embeddings are %dx%d, want %dx%d", r, c, vocab, dim)
		}
		copy(e.Table.Value, initial.RawMatrix().Data)
	}
	return e, nil
}

// Lookup writes the embedding of token X[b*T+t] into dst row b*T+t.
func (e *Embedding) Lookup(dst []float64, x []int) error {
	for i, id := range x {
		if id < 0 || id >= e.vocab {
			return fmt.Errorf("model: token id %d outside vocabulary of %d", id, e.vocab)
		}
		copy(dst[i*e.dim:(i+1)*e.dim], e.Table.Value[id*e.dim:(id+1)*e.dim])
	}
	return nil
}

// AccumulateGrad scatter-adds dRaw rows into the table gradient at the token
// ids of the batch. Rows referenced by several positions sum.
func (e *Embedding) AccumulateGrad(dRaw []float64, x []int) {
	for i, id := range x {
		row := e.Table.Grad[id*e.dim : (id+1)*e.dim]
		src := dRaw[i*e.dim : (i+1)*e.dim]
		for j := range row {
			row[j] += src[j]
		}
	}
}
