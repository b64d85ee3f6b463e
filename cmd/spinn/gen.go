package main

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sbl8/thinstack/core"
	"github.com/sbl8/thinstack/data/boolean"
	"github.com/sbl8/thinstack/model"
)

func newGenCommand() *cobra.Command {
	var (
		count     int
		maxLeaves int
		seed      int64
		outPath   string
	)

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a synthetic boolean-logic corpus",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := os.Stdout
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			w := bufio.NewWriter(out)
			rng := rand.New(rand.NewSource(seed))
			for _, ex := range boolean.Generate(rng, count, maxLeaves) {
				if _, err := fmt.Fprintf(w, "%d\t%s\n", ex.Label, render(ex)); err != nil {
					return err
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&count, "count", 10000, "Number of examples")
	cmd.Flags().IntVar(&maxLeaves, "max-leaves", 8, "Maximum leaves per formula")
	cmd.Flags().Int64Var(&seed, "seed", 42, "Generator seed")
	cmd.Flags().StringVar(&outPath, "out", "", "Output file (default stdout)")
	return cmd
}

// render reconstructs the bracketed surface form by replaying the shift
// sequence over a string stack.
func render(ex boolean.Example) string {
	var stack []string
	tok := 0
	for _, t := range ex.Transitions {
		if t == core.Shift {
			stack = append(stack, ex.Tokens[tok])
			tok++
			continue
		}
		right := stack[len(stack)-1]
		left := stack[len(stack)-2]
		stack = stack[:len(stack)-2]
		stack = append(stack, "( "+left+" "+right+" )")
	}
	return strings.Join(stack, " ")
}

// countFloats totals the learned parameter elements of a model.
func countFloats(m *model.SPINN) int {
	n := 0
	for _, p := range m.Store().Params() {
		n += len(p.Value)
	}
	return n
}
