package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/turtacn/broadcastd/internal/control"
	"github.com/turtacn/broadcastd/internal/orchestrator"
	"github.com/turtacn/broadcastd/pkg/codec"
	"github.com/turtacn/broadcastd/pkg/consts"
	"github.com/turtacn/broadcastd/pkg/logger"
	"github.com/turtacn/broadcastd/pkg/protocol"
)

var (
	cfgFile   string
	headless  bool
	addr      string
	encodings []string
	timeout   time.Duration
	follow    bool
)

var rootCmd = &cobra.Command{
	Use:           "broadcastd",
	Short:         "broadcastd: remote-controlled broadcast and recording daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the broadcast daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. Load Config
		cfg, err := protocol.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("headless") {
			cfg.UI.Headless = headless
		}
		if cmd.Flags().Changed("addr") {
			cfg.Control.Addr = addr
		}

		// 2. Init Logger
		logger.InitLogger(cfg.Observability.LogLevel, logger.FileOptions{Path: cfg.Observability.LogFile})
		logger.Log.Info("Booting broadcastd...", "config", cfgFile, "headless", cfg.UI.Headless)

		// 3. Run Engine
		engine := orchestrator.NewEngine(&cfg)
		if err := engine.Run(context.Background()); err != nil {
			logger.Log.Error("Engine fatal error", "err", err)
			return err
		}
		logger.Log.Info("broadcastd stopped")
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <command>...",
	Short: "Send one command to a running daemon and print the response",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return request(cmd, strings.Join(args, " "))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the worker status; with --follow, stream pushed events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !follow {
			return request(cmd, "status")
		}
		return watch(cmd)
	},
}

func dial(ctx context.Context) (*control.Client, error) {
	d := &control.Dialer{Addr: addr, Encodings: encodings, DialTimeout: consts.DefaultDialTimeout}
	return d.Dial(ctx)
}

func request(cmd *cobra.Command, line string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.Request(ctx, line)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp)
	return nil
}

// watch prints every pushed line until the daemon disconnects or ctx ends.
func watch(cmd *cobra.Command) error {
	ctx := cmd.Context()
	dctx, cancel := context.WithTimeout(ctx, timeout)
	c, err := dial(dctx)
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()

	go c.KeepAlive(ctx, consts.DefaultClientPing)
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	if err := c.Send("status"); err != nil {
		return err
	}
	for {
		line, err := c.ReadLine()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if line == consts.PongReply {
			continue
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "broadcastd.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", consts.DefaultControlAddr, "control address")

	startCmd.Flags().BoolVar(&headless, "headless", false, "start with the UI hidden")

	for _, c := range []*cobra.Command{sendCmd, statusCmd} {
		c.Flags().StringSliceVar(&encodings, "encoding", codec.FallbackOrder, "encodings to try, in order")
		c.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "connect and response timeout")
	}
	statusCmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing pushed status events")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(statusCmd)
}

// Execute runs the root command and returns the process exit code. An
// interrupt cancels client commands.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "broadcastd:", err)
		return 1
	}
	return 0
}

// Personal.AI order the ending
