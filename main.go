package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kcore-os/kcore/klog"
	"github.com/kcore-os/kcore/monitor"
)

var (
	rootCmd = &cobra.Command{
		Use:           "kcore",
		Short:         "Kernel core for dual-core MPU microcontrollers",
		Long:          "Build app images and initrds, run them on the simulated board, or monitor a real one.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	monitorOpts = struct {
		port string
		baud int
	}{}

	monitorCmd = &cobra.Command{
		Use:   "monitor",
		Short: "Open the serial console of a board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			port := monitorOpts.port
			if port == "" {
				ports, err := monitor.Ports()
				if err != nil {
					return err
				}
				if len(ports) != 1 {
					return fmt.Errorf("found %d serial ports, select one with --port", len(ports))
				}
				port = ports[0]
			}
			fd := os.Stdout.Fd()
			return monitor.Run(cmd.Context(), monitor.Options{
				Port:  port,
				Baud:  monitorOpts.baud,
				Out:   colorable.NewColorableStdout(),
				Color: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd),
				Log:   klog.Stdout(klog.InfoMask | klog.WarnMask | klog.ErrorMask),
			})
		},
	}

	portsCmd = &cobra.Command{
		Use:   "ports",
		Short: "List the serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := monitor.Ports()
			if err != nil {
				return err
			}
			for _, p := range ports {
				fmt.Println(p)
			}
			return nil
		},
	}
)

func init() {
	monitorCmd.Flags().StringVarP(&monitorOpts.port, "port", "p", "", "serial port, detected when there is only one")
	monitorCmd.Flags().IntVarP(&monitorOpts.baud, "baud", "b", 115200, "baud rate")

	rootCmd.AddCommand(runCmd, asmCmd, mkinitrdCmd, monitorCmd, portsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
