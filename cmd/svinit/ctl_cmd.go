package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/svinit/svinit/internal/ctl"
)

var ctlFlags struct {
	socket  string
	timeout time.Duration
}

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Talk to a running svinit daemon over its control socket",
}

var ctlSendCmd = &cobra.Command{
	Use:   "send FIELD [FIELD...]",
	Short: "Send one raw protocol command and print replies until the socket goes quiet",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialCtl()
		if err != nil {
			return err
		}
		defer c.Close()
		lines, err := c.Call("", args...)
		for _, l := range lines {
			fmt.Fprintln(cmd.OutOrStdout(), l)
		}
		return err
	},
}

var ctlStatedumpCmd = &cobra.Command{
	Use:   "statedump",
	Short: "Print the full service/fd state dump",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialCtl()
		if err != nil {
			return err
		}
		defer c.Close()
		lines, err := c.Call("statedump\tcomplete", "statedump")
		for _, l := range lines {
			fmt.Fprintln(cmd.OutOrStdout(), l)
		}
		return err
	},
}

var ctlShutdownCmd = &cobra.Command{
	Use:   "shutdown [t1] [t2] [t3]",
	Short: "Request an orderly shutdown",
	Args:  cobra.MaximumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialCtl()
		if err != nil {
			return err
		}
		defer c.Close()
		fields := append([]string{"shutdown"}, args...)
		return c.Send(fields...)
	},
}

var ctlTerminateCmd = &cobra.Command{
	Use:   "terminate VALUE [CODE]",
	Short: "Terminate immediately, proving the failsafe code if armed",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialCtl()
		if err != nil {
			return err
		}
		defer c.Close()
		fields := append([]string{"terminate"}, args...)
		return c.Send(fields...)
	},
}

func dialCtl() (*ctl.Client, error) {
	if ctlFlags.socket == "" {
		return nil, fmt.Errorf("ctl: --socket is required")
	}
	c, err := ctl.DialUnix(ctlFlags.socket)
	if err != nil {
		return nil, err
	}
	c.SetTimeout(ctlFlags.timeout)
	return c, nil
}

func init() {
	ctlCmd.PersistentFlags().StringVar(&ctlFlags.socket, "socket", "", "path to the daemon's control socket")
	ctlCmd.PersistentFlags().DurationVar(&ctlFlags.timeout, "timeout", 5*time.Second, "per-read timeout waiting for replies")
	ctlCmd.AddCommand(ctlSendCmd, ctlStatedumpCmd, ctlShutdownCmd, ctlTerminateCmd)
	rootCmd.AddCommand(ctlCmd)
}
