package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sbl8/thinstack/data/boolean"
	"github.com/sbl8/thinstack/internal/logging"
	"github.com/sbl8/thinstack/train"
)

func newEvalCommand(flags *modelFlags) *cobra.Command {
	var (
		dataPath  string
		loadPath  string
		vocabPath string
	)

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a trained checkpoint on a corpus",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(flags.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			if dataPath == "" || loadPath == "" {
				return fmt.Errorf("--data and --load are required")
			}
			if vocabPath == "" {
				vocabPath = loadPath + ".vocab"
			}
			vf, err := os.Open(vocabPath)
			if err != nil {
				return fmt.Errorf("opening vocabulary: %w", err)
			}
			defer vf.Close()
			vocab, err := boolean.LoadVocabulary(vf)
			if err != nil {
				return err
			}

			examples, err := boolean.ParseFile(dataPath)
			if err != nil {
				return err
			}
			ds := boolean.Encode(examples, vocab, flags.SeqLength)

			m, err := buildModel(flags, vocab.Size())
			if err != nil {
				return err
			}
			if err := m.Store().LoadFile(loadPath); err != nil {
				return err
			}

			trainer := &train.Trainer{Model: m, Log: log}
			mt, err := trainer.Evaluate(ds)
			if err != nil {
				return err
			}
			log.Info("eval",
				zap.String("data", dataPath),
				zap.Int("examples", ds.Len()),
				zap.Float64("loss", mt.Loss),
				zap.Float64("class_loss", mt.ClassLoss),
				zap.Float64("transition_loss", mt.TransitionLoss),
				zap.Float64("accuracy", mt.Accuracy))
			return nil
		},
	}

	cmd.Flags().StringVar(&dataPath, "data", "", "Corpus to evaluate")
	cmd.Flags().StringVar(&loadPath, "load", "", "Checkpoint written by 'spinn train --save'")
	cmd.Flags().StringVar(&vocabPath, "vocab", "", "Vocabulary file (defaults to <load>.vocab)")
	return cmd
}
