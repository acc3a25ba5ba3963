package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/krau/konacaption/vocab"
	"github.com/spf13/cobra"
)

func newVocabCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vocab",
		Short: "Manage caption vocabularies",
	}

	var (
		captions  string
		threshold int
		out       string
	)
	build := &cobra.Command{
		Use:   "build",
		Short: "Build a vocabulary from a caption file, one caption per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if captions == "" || out == "" {
				return errors.New("--captions and --out are required")
			}
			if threshold < 1 {
				return fmt.Errorf("--threshold must be at least 1, got %d", threshold)
			}
			data, err := os.ReadFile(captions)
			if err != nil {
				return err
			}
			var lines []string
			for _, l := range strings.Split(string(data), "\n") {
				if l = strings.TrimSpace(l); l != "" {
					lines = append(lines, l)
				}
			}
			v := vocab.Build(lines, threshold)
			if err := v.SaveFile(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "vocabulary of %d tokens from %d captions written to %s\n", v.Size(), len(lines), out)
			return nil
		},
	}
	build.Flags().StringVar(&captions, "captions", "", "caption file")
	build.Flags().IntVar(&threshold, "threshold", 5, "minimum word frequency")
	build.Flags().StringVar(&out, "out", "vocab.json", "output path")

	show := &cobra.Command{
		Use:   "show <vocab>",
		Short: "Print a vocabulary, one id and token per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := vocab.LoadFile(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			sp := v.Special()
			fmt.Fprintf(w, "# size=%d pad=%d start=%d end=%d unk=%d\n", v.Size(), sp.Pad, sp.Start, sp.End, sp.Unk)
			for id, tok := range v.Tokens() {
				fmt.Fprintf(w, "%d\t%s\n", id, tok)
			}
			return nil
		},
	}

	cmd.AddCommand(build, show)
	return cmd
}
