package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/intUnderflow/neurst/ml"
	"github.com/intUnderflow/neurst/model"

	_ "github.com/intUnderflow/neurst/ml/backend/cpu"
)

func newDescribeCmd() *cobra.Command {
	var file string
	var seed int64

	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Build a model from a description file and list its weights",
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, _, err := buildModel(file, seed)
			if err != nil {
				return err
			}

			var data [][]string
			var total int
			for _, name := range backend.Weights() {
				t := backend.Get(name)

				params := 1
				for _, dim := range t.Shape() {
					params *= dim
				}
				total += params

				data = append(data, []string{name, fmt.Sprint(t.Shape()), t.DType().String(), fmt.Sprint(params)})
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"WEIGHT", "SHAPE", "DTYPE", "PARAMS"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			table.AppendBulk(data)
			table.Render()

			fmt.Printf("\ntotal parameters: %d\n", total)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "model.json", "model description file")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed for weight initialization")

	return cmd
}

func buildModel(file string, seed int64) (ml.Backend, model.Model, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, nil, err
	}

	m, err := model.Unmarshal(data)
	if err != nil {
		return nil, nil, err
	}

	backend, err := ml.NewBackend("cpu", ml.BackendParams{Seed: seed})
	if err != nil {
		return nil, nil, err
	}

	ctx := backend.NewContext()
	defer ctx.Close()

	if err := m.Build(ctx); err != nil {
		return nil, nil, err
	}

	return backend, m, nil
}
