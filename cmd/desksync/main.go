package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/desksync/internal/credentials"
	"github.com/agentworkforce/desksync/internal/desksync"
	"github.com/agentworkforce/desksync/internal/localinv"
	"github.com/agentworkforce/desksync/internal/remotestore"
)

const agentVersion = "0.3.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("desksync: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "desksync",
		Short:         "desksync keeps a desktop session visible to its control plane and executes remotely dispatched commands",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.AddCommand(newRunCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), agentVersion)
			return err
		},
	}
}

func newRunCmd() *cobra.Command {
	v := newConfigViper()
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the presence and command sync agent until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context(), v)
		},
	}
	flags := runCmd.Flags()
	flags.String("store-dsn", "", "remote store DSN (postgres:// or memory://)")
	flags.String("realtime-url", "", "optional websocket change-feed gateway URL")
	flags.String("data-dir", "", "local workspace inventory directory")
	flags.String("session-file", "", "session credentials file maintained by the session manager")
	flags.String("device-name", "", "device name advertised in presence records")
	flags.Duration("heartbeat-interval", 30*time.Second, "presence heartbeat period")
	flags.Duration("poll-interval", 5*time.Second, "command polling fallback period")
	flags.Int("resync-every", 10, "full inventory resync every Nth heartbeat")
	flags.Int("workload-limit", 50, "max workload items carried per heartbeat")
	for _, name := range []string{
		"store-dsn", "realtime-url", "data-dir", "session-file", "device-name",
		"heartbeat-interval", "poll-interval", "resync-every", "workload-limit",
	} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	return runCmd
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("DESKSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func runAgent(ctx context.Context, v *viper.Viper) error {
	dsn := strings.TrimSpace(v.GetString("store-dsn"))
	if dsn == "" {
		return fmt.Errorf("store DSN is required (--store-dsn or DESKSYNC_STORE_DSN)")
	}
	dataDir, sessionFile, err := resolvePaths(v)
	if err != nil {
		return err
	}

	logger := log.New(os.Stderr, "desksync ", log.LstdFlags)

	client, err := remotestore.BuildClientFromDSN(dsn, remotestore.ClientOptions{
		RealtimeURL: strings.TrimSpace(v.GetString("realtime-url")),
	})
	if err != nil {
		return fmt.Errorf("build store client: %w", err)
	}
	defer client.Close()

	source, err := localinv.NewSource(dataDir)
	if err != nil {
		return fmt.Errorf("open inventory: %w", err)
	}
	watcher, err := localinv.NewWatcher(source.Root())
	if err != nil {
		return fmt.Errorf("watch inventory: %w", err)
	}
	defer watcher.Close()

	provider, err := credentials.NewSessionFile(sessionFile)
	if err != nil {
		return fmt.Errorf("open session file provider: %w", err)
	}

	service, err := desksync.NewService(desksync.Options{
		Store:       client,
		Credentials: provider,
		Inventory:   source,
		Executor:    &logExecutor{logger: logger},
		Changes:     watcher.Changes(),
		Config: desksync.Config{
			DeviceName:        strings.TrimSpace(v.GetString("device-name")),
			AgentVersion:      agentVersion,
			HeartbeatInterval: v.GetDuration("heartbeat-interval"),
			PollInterval:      v.GetDuration("poll-interval"),
			ResyncEvery:       v.GetInt("resync-every"),
			WorkloadLimit:     v.GetInt("workload-limit"),
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := service.Start(runCtx); err != nil {
		return err
	}
	logger.Printf("agent started (session %s)", service.SessionID())
	<-runCtx.Done()
	service.Stop()
	logger.Printf("agent stopped")
	return nil
}

func resolvePaths(v *viper.Viper) (dataDir, sessionFile string, err error) {
	dataDir = strings.TrimSpace(v.GetString("data-dir"))
	sessionFile = strings.TrimSpace(v.GetString("session-file"))
	if dataDir != "" && sessionFile != "" {
		return dataDir, sessionFile, nil
	}
	homeDir, homeErr := os.UserHomeDir()
	if homeErr != nil {
		return "", "", fmt.Errorf("resolve home directory: %w", homeErr)
	}
	if dataDir == "" {
		dataDir = filepath.Join(homeDir, ".desksync", "workspaces")
	}
	if sessionFile == "" {
		sessionFile = filepath.Join(homeDir, ".desksync", "session.json")
	}
	return dataDir, sessionFile, nil
}

// logExecutor stands in for the desktop shell: the real application
// surfaces the window and opens the conversation UI.
type logExecutor struct {
	logger *log.Logger
}

func (e *logExecutor) BringToForeground(ctx context.Context) error {
	e.logger.Printf("executor: bring to foreground")
	return nil
}

func (e *logExecutor) BeginConversation(ctx context.Context, req desksync.ConversationRequest) error {
	e.logger.Printf("executor: begin conversation %s in workspace %s (model %q, %d attachments)",
		req.ConversationID, req.WorkspaceID, req.Model, len(req.Attachments))
	return nil
}
