package main

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sys/cpu"
	"k8s.io/klog/v2"

	"decoderlm/pkg/model"
	"decoderlm/pkg/tensor"
)

func newInitCommand() *cobra.Command {
	var (
		configPath string
		outPath    string
		seed       uint64
		overrides  configOverrides
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a randomly initialised model checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			config := model.DefaultConfig()
			if configPath != "" {
				var err error
				if config, err = model.LoadConfig(configPath); err != nil {
					return err
				}
			}
			overrides.apply(cmd, &config)

			m, err := model.NewSequenceModel(config, seed)
			if err != nil {
				return err
			}
			if err := m.SaveCheckpoint(outPath); err != nil {
				return err
			}
			klog.InfoS("Initialised model", "path", outPath, "parameters", m.NumParameters(), "seed", seed)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "JSON model config (defaults when empty)")
	cmd.Flags().StringVar(&outPath, "out", "model.ckpt", "Checkpoint to write")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Initialisation seed")
	overrides.register(cmd)
	return cmd
}

func newGenerateCommand() *cobra.Command {
	var (
		checkpoint   string
		req          model.GenerateRequest
		forbid       string
		conditioning string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Sample token sequences from a checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := model.LoadCheckpoint(checkpoint)
			if err != nil {
				return err
			}
			if req.ForbiddenIDs, err = parseInts(forbid); err != nil {
				return fmt.Errorf("--forbid: %w", err)
			}
			if req.Conditioning, err = parseConditioning(conditioning, req.BatchSize); err != nil {
				return fmt.Errorf("--conditioning: %w", err)
			}

			result, err := m.Generate(cmd.Context(), req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, strings.Repeat("=", 50))
			fmt.Fprintf(out, "Generated %d sequences of length %d (temperature %g, seed %d)\n",
				req.BatchSize, req.MaxLength, req.Temperature, req.Seed)
			fmt.Fprintln(out, strings.Repeat("=", 50))
			for _, row := range result.OutputIDs {
				fmt.Fprintln(out, formatInts(row))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "model.ckpt", "Checkpoint to load")
	cmd.Flags().IntVar(&req.BatchSize, "batch", 1, "Number of sequences")
	cmd.Flags().IntVar(&req.MaxLength, "max-length", 32, "Length of each sequence, start token included")
	cmd.Flags().IntVar(&req.StartID, "start-id", 0, "Start token id")
	cmd.Flags().Float64Var(&req.Temperature, "temperature", 1, "Sampling temperature (<= 0 for greedy)")
	cmd.Flags().StringVar(&forbid, "forbid", "", "Comma-separated token ids never to sample")
	cmd.Flags().Uint64Var(&req.Seed, "seed", 0, "Sampling seed")
	cmd.Flags().BoolVar(&req.UseCache, "cache", false, "Reuse keys and values between steps")
	cmd.Flags().StringVar(&conditioning, "conditioning", "", "Comma-separated conditioning values shared by every sequence")
	return cmd
}

func newScoreCommand() *cobra.Command {
	var (
		checkpoint   string
		ids          string
		conditioning string
	)
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Print per-position log-probabilities of a token sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := model.LoadCheckpoint(checkpoint)
			if err != nil {
				return err
			}
			seq, err := parseInts(ids)
			if err != nil {
				return fmt.Errorf("--ids: %w", err)
			}
			if len(seq) < 2 {
				return fmt.Errorf("--ids needs at least two tokens")
			}
			cond, err := parseConditioning(conditioning, 1)
			if err != nil {
				return fmt.Errorf("--conditioning: %w", err)
			}

			scores, err := m.LogProbs([][]int{seq}, nil, cond)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var total float64
			for t, lp := range scores[0] {
				fmt.Fprintf(out, "%4d  %6d  %10.4f\n", t+1, seq[t+1], lp)
				total += float64(lp)
			}
			fmt.Fprintf(out, "total log-probability: %.4f\n", total)
			return nil
		},
	}
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "model.ckpt", "Checkpoint to load")
	cmd.Flags().StringVar(&ids, "ids", "", "Comma-separated token ids")
	cmd.Flags().StringVar(&conditioning, "conditioning", "", "Comma-separated conditioning values")
	return cmd
}

func newInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print CPU features and parallelism settings",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "GOOS: %s\n", runtime.GOOS)
			fmt.Fprintf(out, "GOARCH: %s\n", runtime.GOARCH)
			fmt.Fprintf(out, "Go: %s\n", runtime.Version())
			fmt.Fprintf(out, "NumCPU: %d\n", runtime.NumCPU())
			fmt.Fprintf(out, "CPU: %s\n", cpuid.CPU.BrandName)
			fmt.Fprintf(out, "Physical cores: %d, logical cores: %d\n", cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores)
			fmt.Fprintf(out, "Tensor workers: %d\n", tensor.Workers())
			fmt.Fprintln(out)

			switch runtime.GOARCH {
			case "amd64":
				fmt.Fprintln(out, "=== golang.org/x/sys/cpu.X86 ===")
				fmt.Fprintf(out, "  HasAVX:     %v\n", cpu.X86.HasAVX)
				fmt.Fprintf(out, "  HasAVX2:    %v\n", cpu.X86.HasAVX2)
				fmt.Fprintf(out, "  HasAVX512F: %v\n", cpu.X86.HasAVX512F)
				fmt.Fprintf(out, "  HasFMA:     %v\n", cpu.X86.HasFMA)
			case "arm64":
				fmt.Fprintln(out, "=== golang.org/x/sys/cpu.ARM64 ===")
				fmt.Fprintf(out, "  HasASIMD:   %v\n", cpu.ARM64.HasASIMD)
				fmt.Fprintf(out, "  HasFP:      %v\n", cpu.ARM64.HasFP)
				fmt.Fprintf(out, "  HasSVE:     %v\n", cpu.ARM64.HasSVE)
			}
			fmt.Fprintf(out, "cpuid AVX2+FMA3: %v\n", cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3))
		},
	}
}

// configOverrides are init flags that replace single config fields.
type configOverrides struct {
	vocabSize, dModel, heads, layers, feedForward, positions, condChannels int
	dropout                                                               float32
	activation, positional                                                string
}

func (o *configOverrides) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVar(&o.vocabSize, "vocab-size", 0, "Override vocab_size")
	f.IntVar(&o.dModel, "dmodel", 0, "Override dmodel")
	f.IntVar(&o.heads, "nhead", 0, "Override nhead")
	f.IntVar(&o.layers, "decoder-layers", 0, "Override decoder_layers")
	f.IntVar(&o.feedForward, "dim-feedforward", 0, "Override dim_feedforward")
	f.IntVar(&o.positions, "num-positions", 0, "Override num_positions")
	f.IntVar(&o.condChannels, "n-conditional-channels", 0, "Override n_conditional_channels")
	f.Float32Var(&o.dropout, "dropout", 0, "Override dropout")
	f.StringVar(&o.activation, "activation", "", "Override activation (relu, gelu)")
	f.StringVar(&o.positional, "positional-encoding", "", "Override positional_encoding (sinusoidal, legacy-sine)")
}

// apply copies every flag the user actually set onto config.
func (o *configOverrides) apply(cmd *cobra.Command, config *model.Config) {
	f := cmd.Flags()
	ints := map[string]struct {
		src int
		dst *int
	}{
		"vocab-size":             {o.vocabSize, &config.VocabSize},
		"dmodel":                 {o.dModel, &config.DModel},
		"nhead":                  {o.heads, &config.NumHeads},
		"decoder-layers":         {o.layers, &config.DecoderLayers},
		"dim-feedforward":        {o.feedForward, &config.DimFeedForward},
		"num-positions":          {o.positions, &config.NumPositions},
		"n-conditional-channels": {o.condChannels, &config.NConditionalChannels},
	}
	for name, v := range ints {
		if f.Changed(name) {
			*v.dst = v.src
		}
	}
	if f.Changed("dropout") {
		config.Dropout = o.dropout
	}
	if f.Changed("activation") {
		config.Activation = o.activation
	}
	if f.Changed("positional-encoding") {
		config.PositionalEncoding = o.positional
	}
}
