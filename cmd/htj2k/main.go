// Command htj2k encodes and decodes images using the jpeg2000 package.
package main

import (
	"fmt"
	"image/png"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/arvoimg/htj2k"
	"github.com/arvoimg/htj2k/internal/diag"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "htj2k",
		Short: "Encode and decode JPEG 2000 / HTJ2K images",
	}
	root.AddCommand(newEncodeCmd())
	root.AddCommand(newDecodeCmd())
	return root
}

func newEncodeCmd() *cobra.Command {
	var (
		lossless       bool
		quality        int
		highThroughput bool
		htMixed        bool
		format         string
	)

	cmd := &cobra.Command{
		Use:   "encode <input.png> <output>",
		Short: "Encode a PNG image to JPEG 2000 or HTJ2K",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			img, err := png.Decode(in)
			if err != nil {
				return fmt.Errorf("decoding input PNG: %w", err)
			}

			out, err := os.Create(args[1])
			if err != nil {
				return err
			}
			defer out.Close()

			opts := jpeg2000.DefaultOptions()
			opts.Lossless = lossless
			opts.Quality = quality
			opts.HighThroughput = highThroughput
			opts.HTMixed = htMixed
			opts.Diag = diag.NewSink(os.Stderr)
			opts.JobID = uuid.New()
			if format == "j2k" {
				opts.Format = jpeg2000.FormatJ2K
			}

			return jpeg2000.Encode(out, img, opts)
		},
	}

	cmd.Flags().BoolVar(&lossless, "lossless", false, "use the 5-3 reversible wavelet transform")
	cmd.Flags().IntVar(&quality, "quality", 75, "compression quality (1-100), ignored when --lossless is set")
	cmd.Flags().BoolVar(&highThroughput, "ht", false, "use the HTJ2K (Part 15) block coder")
	cmd.Flags().BoolVar(&htMixed, "ht-mixed", false, "carry a SigProp+MagRef refinement segment on HT code-blocks")
	cmd.Flags().StringVar(&format, "format", "jp2", "output format: jp2 or j2k")

	return cmd
}

func newDecodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode <input> <output.png>",
		Short: "Decode a JPEG 2000 / HTJ2K codestream to PNG",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			cfg := &jpeg2000.Config{
				Diag:  diag.NewSink(os.Stderr),
				JobID: uuid.New(),
			}
			img, err := jpeg2000.DecodeConfig(in, cfg)
			if err != nil {
				return fmt.Errorf("decoding: %w", err)
			}

			out, err := os.Create(args[1])
			if err != nil {
				return err
			}
			defer out.Close()

			return png.Encode(out, img)
		},
	}
	return cmd
}
