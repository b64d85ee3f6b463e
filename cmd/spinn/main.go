// Command spinn trains and evaluates thin-stack shift-reduce sentence
// classifiers on binary-bracketed boolean-logic corpora.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sbl8/thinstack/core"
	"github.com/sbl8/thinstack/model"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// modelFlags collects every hyperparameter shared by train and eval, bound
// once on the root command so both subcommands build identical models.
type modelFlags struct {
	Variant          string
	ModelDim         int
	WordDim          int
	TrackingDim      int
	BatchSize        int
	SeqLength        int
	MLPHidden        []int
	TransitionWeight float64
	ContextShift     bool
	Seed             int64
	LogLevel         string
}

func newRootCommand() *cobra.Command {
	flags := &modelFlags{}
	var configFile string

	cmd := &cobra.Command{
		Use:           "spinn",
		Short:         "Batched thin-stack shift-reduce sentence encoder",
		Long:          "spinn trains tree-structured sentence classifiers that execute the parse as a\nbatched stack machine over flat buffers, with variants from ground-truth-driven\nto fully self-parsing via scheduled sampling.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				viper.SetConfigFile(configFile)
				if err := viper.ReadInConfig(); err != nil {
					return fmt.Errorf("reading config: %w", err)
				}
			}
			viper.SetEnvPrefix("SPINN")
			viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			viper.AutomaticEnv()
			rootFlags := cmd.Root().PersistentFlags()
			if err := viper.BindPFlags(rootFlags); err != nil {
				return err
			}
			bindOverrides(rootFlags, flags)
			return nil
		},
	}

	// Accept snake_case spellings from config-file-minded users.
	cmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	pf := cmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Path to a viper config file (yaml, json or toml)")
	pf.StringVar(&flags.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.Variant, "variant", "model1", "Model variant: model0, model1, model2 or model2s")
	pf.IntVar(&flags.ModelDim, "model-dim", 64, "Width of stack values (even for the gated composition)")
	pf.IntVar(&flags.WordDim, "word-dim", 32, "Width of raw token embeddings")
	pf.IntVar(&flags.TrackingDim, "tracking-dim", 32, "Hidden width of the tracking LSTM")
	pf.IntVar(&flags.BatchSize, "batch-size", 32, "Examples per minibatch")
	pf.IntVar(&flags.SeqLength, "seq-length", 31, "Transition sequence length (crop/pad target)")
	pf.IntSliceVar(&flags.MLPHidden, "mlp-hidden", []int{64}, "Hidden layer widths of the classifier head")
	pf.Float64Var(&flags.TransitionWeight, "transition-weight", 1.0, "Weight of the auxiliary transition-prediction loss")
	pf.BoolVar(&flags.ContextShift, "context-sensitive-shift", false, "Transform shifted tokens with the tracking context")
	pf.Int64Var(&flags.Seed, "seed", 42, "Seed for parameter init, shuffling and sampling draws")

	cmd.AddCommand(newTrainCommand(flags), newEvalCommand(flags), newGenCommand())
	return cmd
}

// bindOverrides feeds viper's resolved values (config file, env) back into
// flags the user did not set on the command line.
func bindOverrides(fs *pflag.FlagSet, flags *modelFlags) {
	set := func(name string, assign func()) {
		if f := fs.Lookup(name); f != nil && !f.Changed && viper.IsSet(name) {
			assign()
		}
	}
	set("log-level", func() { flags.LogLevel = viper.GetString("log-level") })
	set("variant", func() { flags.Variant = viper.GetString("variant") })
	set("model-dim", func() { flags.ModelDim = viper.GetInt("model-dim") })
	set("word-dim", func() { flags.WordDim = viper.GetInt("word-dim") })
	set("tracking-dim", func() { flags.TrackingDim = viper.GetInt("tracking-dim") })
	set("batch-size", func() { flags.BatchSize = viper.GetInt("batch-size") })
	set("seq-length", func() { flags.SeqLength = viper.GetInt("seq-length") })
	set("transition-weight", func() { flags.TransitionWeight = viper.GetFloat64("transition-weight") })
	set("context-sensitive-shift", func() { flags.ContextShift = viper.GetBool("context-sensitive-shift") })
	set("seed", func() { flags.Seed = viper.GetInt64("seed") })
}

// buildModel assembles a SPINN from the shared flags and a vocabulary size.
func buildModel(flags *modelFlags, vocabSize int) (*model.SPINN, error) {
	variant, err := model.ParseVariant(flags.Variant)
	if err != nil {
		return nil, err
	}
	spec := core.ModelSpec{
		ModelDim:    flags.ModelDim,
		WordDim:     flags.WordDim,
		TrackingDim: flags.TrackingDim,
		BatchSize:   flags.BatchSize,
		SeqLength:   flags.SeqLength,
		VocabSize:   vocabSize,
		NumActions:  2,
	}
	return model.New(model.Options{
		Spec:                  spec,
		Variant:               variant,
		NumClasses:            2,
		MLPHidden:             flags.MLPHidden,
		ContextSensitiveShift: flags.ContextShift,
		TransitionWeight:      flags.TransitionWeight,
		Seed:                  flags.Seed,
	})
}
