package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tomyedwab/pinup/sidecarhost/auth"
	"github.com/tomyedwab/pinup/sidecarhost/config"
	"github.com/tomyedwab/pinup/sidecarhost/controlclient"
)

var rootCmd = &cobra.Command{
	Use:   "pinupctl",
	Short: "Inspect and control a running Pin-Up supervisor",
	Long: `pinupctl talks to the supervisor's local control API to show the backend
status, follow its output, watch notifications and request a restart.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("addr", controlclient.DefaultBaseURL, "Control API address")
	rootCmd.PersistentFlags().String("token", "", "Bearer token for restart (default: from "+auth.DefaultOverrideEnv+" or /bootstrap)")
	rootCmd.PersistentFlags().Duration("timeout", 60*time.Second, "Request timeout")

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.AutomaticEnv()
	viper.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr"))
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))

	logsCmd.Flags().Int64("from", 0, "Only show entries after this ID")
	logsCmd.Flags().BoolP("follow", "f", false, "Keep streaming new output")
	journalCmd.Flags().Int("limit", 20, "Number of events to show")

	rootCmd.AddCommand(statusCmd, portCmd, bootstrapCmd, restartCmd, logsCmd, journalCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newClient() *controlclient.Client {
	token := viper.GetString("token")
	if token == "" {
		token = os.Getenv(auth.DefaultOverrideEnv)
	}
	return controlclient.NewClient(viper.GetString("addr"), controlclient.WithToken(token))
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show supervisor and backend status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		status, err := newClient().Status(ctx)
		if err != nil {
			return err
		}
		fmt.Println(controlclient.FormatStatus(status))
		return nil
	},
}

var portCmd = &cobra.Command{
	Use:   "port",
	Short: "Print the backend port (0 before the first launch)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		port, err := newClient().Port(ctx)
		if err != nil {
			return err
		}
		fmt.Println(strconv.Itoa(int(port)))
		return nil
	},
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Print the bootstrap configuration handed to the shell",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		cfg, err := newClient().Bootstrap(ctx)
		if err != nil {
			return err
		}
		return printJSON(cfg)
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the backend and wait until it is healthy",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		client := newClient()
		if viper.GetString("token") == "" && os.Getenv(auth.DefaultOverrideEnv) == "" {
			// The token handed to the shell is accepted for restart too.
			if cfg, err := client.Bootstrap(ctx); err == nil {
				client.SetToken(cfg.Token)
			}
		}
		msg, err := client.Restart(ctx)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show buffered backend output",
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		client := newClient()
		if follow {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			monitor := controlclient.NewMonitor(client, controlclient.MonitorConfig{Logger: logger})
			for entry := range monitor.TailLogs(ctx) {
				fmt.Println(controlclient.FormatLogEntry(entry))
			}
			return nil
		}

		from, _ := cmd.Flags().GetInt64("from")
		ctx, cancel := requestContext(cmd)
		defer cancel()
		entries, err := client.Logs(ctx, from)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			fmt.Println(controlclient.FormatLogEntry(entry))
		}
		return nil
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show recent lifecycle events",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		ctx, cancel := requestContext(cmd)
		defer cancel()
		events, err := newClient().Journal(ctx, limit)
		if err != nil {
			return err
		}
		for _, e := range events {
			line := fmt.Sprintf("%s %-17s port=%d", time.UnixMilli(e.Timestamp).Format(time.RFC3339), e.EventType, e.Port)
			if e.PID > 0 {
				line += fmt.Sprintf(" pid=%d", e.PID)
			}
			if e.Message != "" {
				line += " " + e.Message
			}
			fmt.Println(line)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print backend notifications as they happen",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		notifications, err := newClient().WatchNotifications(ctx)
		if err != nil {
			return err
		}
		for n := range notifications {
			if err := printJSON(n); err != nil {
				return err
			}
		}
		return nil
	},
}
