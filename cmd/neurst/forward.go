package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"

	"github.com/intUnderflow/neurst/ml"
	"github.com/intUnderflow/neurst/model"
)

func newForwardCmd() *cobra.Command {
	var file string
	var seed int64
	var batch, length int
	var dump bool

	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Run a forward pass over random token ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}

			var desc model.Description
			if err := json.Unmarshal(data, &desc); err != nil {
				return err
			}

			// Enough of the config to size random inputs.
			var probe struct {
				VocabSize int `json:"vocab_size"`
			}
			if err := json.Unmarshal(desc.Config, &probe); err != nil {
				return err
			}
			if probe.VocabSize <= 0 {
				return fmt.Errorf("description %s has no usable vocab_size", file)
			}

			backend, m, err := buildModel(file, seed)
			if err != nil {
				return err
			}

			ctx := backend.NewContext()
			defer ctx.Close()

			rng := rand.New(rand.NewSource(seed))
			ids := make([]int32, batch*length)
			for i := range ids {
				ids[i] = rng.Int31n(int32(probe.VocabSize))
			}

			inputs, err := ctx.FromIntSlice(ids, batch, length)
			if err != nil {
				return err
			}

			out := m.Forward(ctx, inputs)

			f32s := out.Floats()
			f64s := make([]float64, len(f32s))
			for i, v := range f32s {
				f64s[i] = float64(v)
			}

			fmt.Printf("output shape: %v\n", out.Shape())
			fmt.Printf("min %.4f  max %.4f  mean %.4f\n",
				floats.Min(f64s), floats.Max(f64s), floats.Sum(f64s)/float64(len(f64s)))
			if dump {
				fmt.Println(ml.Dump(out))
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "model.json", "model description file")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed for weights and inputs")
	cmd.Flags().IntVar(&batch, "batch", 2, "batch size")
	cmd.Flags().IntVar(&length, "length", 8, "sequence length")
	cmd.Flags().BoolVar(&dump, "dump", false, "print the output tensor")

	return cmd
}
