package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/local/parsemd/internal/filetype"
)

var detectInputType string

var detectCmd = &cobra.Command{
	Use:   "detect <file>",
	Short: "Print the detected format of a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runDetect,
}

func init() {
	detectCmd.Flags().StringVarP(&detectInputType, "input-type", "t", "", "explicit input type, e.g. docx or pdf")
	rootCmd.AddCommand(detectCmd)
}

func runDetect(cmd *cobra.Command, args []string) error {
	payload, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	format, err := filetype.New().Classify(args[0], payload, detectInputType)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), format)
	return nil
}
