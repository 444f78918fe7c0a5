// Command decoderlm builds, samples from and scores decoder-only sequence
// models stored as checkpoints.
package main

import (
	"context"
	goflag "flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"decoderlm/pkg/tensor"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		klog.ErrorS(err, "Command failed")
		klog.Flush()
		stop()
		os.Exit(1)
	}
	klog.Flush()
}

func newRootCommand() *cobra.Command {
	var workers int

	root := &cobra.Command{
		Use:           "decoderlm",
		Short:         "Autoregressive decoder-only sequence model",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			tensor.SetWorkers(workers)
		},
	}
	root.PersistentFlags().IntVar(&workers, "workers", 0, "Goroutines per tensor op (0 = one per logical core)")

	klogFlags := goflag.NewFlagSet("klog", goflag.ExitOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	root.AddCommand(
		newInitCommand(),
		newGenerateCommand(),
		newScoreCommand(),
		newInfoCommand(),
	)
	return root
}
