package cmd

import (
	"encoding/json"
	"fmt"
	"image"
	"os"

	"github.com/krau/konacaption/decoding"
	"github.com/krau/konacaption/service"
	"github.com/spf13/cobra"
)

func newCaptionCmd(g *globalFlags) *cobra.Command {
	var (
		method      string
		maxLength   int
		beamWidth   int
		temperature float64
		topK        int
		seed        uint64
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "caption <image>...",
		Short: "Caption image files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			rt, err := service.New(cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			req := rt.Defaults()
			maxLen, maxBeam := rt.Limits()
			flags := cmd.Flags()
			if flags.Changed("method") {
				if req.Method, err = decoding.ParseMethod(method); err != nil {
					return err
				}
			}
			if flags.Changed("max-length") {
				if maxLength < 1 || maxLength > maxLen {
					return fmt.Errorf("--max-length must be in [1, %d], got %d", maxLen, maxLength)
				}
				req.MaxLength = maxLength
			}
			if flags.Changed("beam-width") {
				if beamWidth < 1 || beamWidth > maxBeam {
					return fmt.Errorf("--beam-width must be in [1, %d], got %d", maxBeam, beamWidth)
				}
				req.BeamWidth = beamWidth
			}
			if flags.Changed("temperature") {
				req.Temperature = temperature
			}
			if flags.Changed("top-k") {
				req.TopK = topK
			}
			req.Seed = seed

			imgs := make([]image.Image, len(args))
			for i, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				if imgs[i], _, err = service.DecodeImage(data); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}
			caps, err := rt.GenerateBatch(cmd.Context(), imgs, req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, c := range caps {
				if asJSON {
					line, err := json.Marshal(captionJSON{
						File:      args[i],
						Caption:   c.Text,
						Method:    string(c.Method),
						Score:     c.Score,
						Truncated: c.Truncated,
						Tokens:    c.Tokens,
					})
					if err != nil {
						return err
					}
					fmt.Fprintln(out, string(line))
					continue
				}
				fmt.Fprintf(out, "%s\t%s\n", args[i], c.Text)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&method, "method", "", "decoding method: greedy, beam_search or sample")
	f.IntVar(&maxLength, "max-length", 0, "maximum sequence length including the start token")
	f.IntVar(&beamWidth, "beam-width", 0, "beam width for beam_search")
	f.Float64Var(&temperature, "temperature", 1, "softmax temperature")
	f.IntVar(&topK, "top-k", 0, "sample only among the k most likely tokens")
	f.Uint64Var(&seed, "seed", 0, "sampling seed")
	f.BoolVar(&asJSON, "json", false, "print one JSON object per image")
	return cmd
}

type captionJSON struct {
	File      string  `json:"file"`
	Caption   string  `json:"caption"`
	Method    string  `json:"method"`
	Score     float64 `json:"score"`
	Truncated bool    `json:"truncated"`
	Tokens    []int   `json:"tokens"`
}
