package nn

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
)

// checkpointParam is the on-disk form of one parameter.
type checkpointParam struct {
	Name  string
	Rows  int
	Cols  int
	Value []float64
}

// Save serializes every parameter value to w in name-sorted order. Gradients
// and optimizer state are not part of a checkpoint.
func (vs *VariableStore) Save(w io.Writer) error {
	params := vs.Params()
	out := make([]checkpointParam, len(params))
	for i, p := range params {
		out[i] = checkpointParam{Name: p.Name, Rows: p.Rows, Cols: p.Cols, Value: p.Value}
	}
	if err := gob.NewEncoder(w).Encode(out); err != nil {
		return fmt.Errorf("nn: encoding checkpoint: %w", err)
	}
	return nil
}

// Load restores parameter values from a checkpoint written by Save. The store
// must already hold every parameter with matching shape, i.e. the model is
// constructed first and then loaded.
func (vs *VariableStore) Load(r io.Reader) error {
	var in []checkpointParam
	if err := gob.NewDecoder(r).Decode(&in); err != nil {
		return fmt.Errorf("nn: decoding checkpoint: %w", err)
	}

	byName := make(map[string]*Param)
	for _, p := range vs.Params() {
		byName[p.Name] = p
	}
	for _, cp := range in {
		p, ok := byName[cp.Name]
		if !ok {
			return fmt.Errorf("nn: checkpoint parameter %q not in model", cp.Name)
		}
		if p.Rows != cp.Rows || p.Cols != cp.Cols {
			return fmt.Errorf("nn: checkpoint parameter %q is %dx%d, model wants %dx%d",
				cp.Name, cp.Rows, cp.Cols, p.Rows, p.Cols)
		}
		copy(p.Value, cp.Value)
		delete(byName, cp.Name)
	}
	if len(byName) > 0 {
		for name := range byName {
			return fmt.Errorf("nn: checkpoint is missing parameter %q", name)
		}
	}
	return nil
}

// SaveFile writes a checkpoint to path, truncating any existing file.
func (vs *VariableStore) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("nn: %w", err)
	}
	defer f.Close()
	if err := vs.Save(f); err != nil {
		return err
	}
	return f.Close()
}

// LoadFile reads a checkpoint from path.
func (vs *VariableStore) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("nn: %w", err)
	}
	defer f.Close()
	return vs.Load(f)
}
