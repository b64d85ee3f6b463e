package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sbl8/thinstack/data/boolean"
	"github.com/sbl8/thinstack/internal/logging"
	"github.com/sbl8/thinstack/train"
)

func newTrainCommand(flags *modelFlags) *cobra.Command {
	var (
		dataPath     string
		evalPath     string
		synthetic    int
		steps        int
		logEvery     int
		evalEvery    int
		samplingRamp int
		lr           float64
		l2           float64
		clip         float64
		momentum     float64
		savePath     string
		vocabPath    string
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a classifier on a boolean-logic corpus",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(flags.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			trainEx, err := loadOrGenerate(dataPath, synthetic, flags.Seed, flags.SeqLength)
			if err != nil {
				return err
			}
			vocab := boolean.NewVocabulary(trainEx)
			trainSet := boolean.Encode(trainEx, vocab, flags.SeqLength)

			var evalSet *boolean.Dataset
			if evalPath != "" {
				evalEx, err := boolean.ParseFile(evalPath)
				if err != nil {
					return err
				}
				evalSet = boolean.Encode(evalEx, vocab, flags.SeqLength)
			} else if synthetic > 0 {
				rng := rand.New(rand.NewSource(flags.Seed + 1))
				evalSet = boolean.Encode(boolean.Generate(rng, synthetic/5+flags.BatchSize, maxLeavesFor(flags.SeqLength)), vocab, flags.SeqLength)
			}

			m, err := buildModel(flags, vocab.Size())
			if err != nil {
				return err
			}
			log.Info("model built",
				zap.String("variant", flags.Variant),
				zap.Int("vocab", vocab.Size()),
				zap.Int("examples", trainSet.Len()),
				zap.Int("parameters", countFloats(m)))

			var opt train.Optimizer
			if momentum > 0 {
				opt = &train.Momentum{LR: lr, Mu: momentum, L2: l2, Clip: clip}
			} else {
				opt = &train.SGD{LR: lr, L2: l2, Clip: clip}
			}
			trainer := &train.Trainer{Model: m, Opt: opt, Log: log}
			final, err := trainer.Run(trainSet, evalSet, train.Config{
				Steps:        steps,
				LogEvery:     logEvery,
				EvalEvery:    evalEvery,
				SamplingRamp: samplingRamp,
				Seed:         flags.Seed,
			})
			if err != nil {
				return err
			}
			log.Info("training finished",
				zap.Float64("loss", final.Loss),
				zap.Float64("accuracy", final.Accuracy))

			if savePath != "" {
				if err := m.Store().SaveFile(savePath); err != nil {
					return err
				}
				if vocabPath == "" {
					vocabPath = savePath + ".vocab"
				}
				f, err := os.Create(vocabPath)
				if err != nil {
					return fmt.Errorf("saving vocabulary: %w", err)
				}
				defer f.Close()
				if err := vocab.Save(f); err != nil {
					return err
				}
				log.Info("checkpoint written",
					zap.String("model", savePath),
					zap.String("vocab", vocabPath))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dataPath, "data", "", "Training corpus (label<TAB>bracketed sentence per line)")
	cmd.Flags().StringVar(&evalPath, "eval-data", "", "Held-out corpus evaluated during training")
	cmd.Flags().IntVar(&synthetic, "synthetic", 0, "Generate this many synthetic examples instead of reading --data")
	cmd.Flags().IntVar(&steps, "steps", 1000, "Training steps (minibatches)")
	cmd.Flags().IntVar(&logEvery, "log-every", 50, "Log training metrics every N steps")
	cmd.Flags().IntVar(&evalEvery, "eval-every", 250, "Evaluate every N steps (0 disables)")
	cmd.Flags().IntVar(&samplingRamp, "sampling-ramp", 0, "Linear scheduled-sampling ramp length in steps (model2s)")
	cmd.Flags().Float64Var(&lr, "lr", 0.01, "Learning rate")
	cmd.Flags().Float64Var(&l2, "l2", 0.0, "L2 weight decay")
	cmd.Flags().Float64Var(&clip, "clip", 5.0, "Element-wise gradient clip (0 disables)")
	cmd.Flags().Float64Var(&momentum, "momentum", 0.9, "Momentum coefficient (0 selects plain SGD)")
	cmd.Flags().StringVar(&savePath, "save", "", "Write the trained parameters to this file")
	cmd.Flags().StringVar(&vocabPath, "vocab", "", "Vocabulary file path (defaults to <save>.vocab)")
	return cmd
}

// loadOrGenerate reads the corpus file, or synthesizes one when --synthetic
// is set and no file is given.
func loadOrGenerate(path string, synthetic int, seed int64, seqLen int) ([]boolean.Example, error) {
	if path != "" {
		return boolean.ParseFile(path)
	}
	if synthetic <= 0 {
		return nil, fmt.Errorf("either --data or --synthetic is required")
	}
	rng := rand.New(rand.NewSource(seed))
	return boolean.Generate(rng, synthetic, maxLeavesFor(seqLen)), nil
}

// maxLeavesFor caps generated trees so 2n-1 transitions fit the sequence
// length without cropping.
func maxLeavesFor(seqLen int) int {
	n := (seqLen + 1) / 2
	if n < 2 {
		return 2
	}
	return n
}
