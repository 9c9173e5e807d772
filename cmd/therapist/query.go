package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kailas-cloud/therapist/internal/domain"
)

var (
	contextAsync bool
	contextJSON  bool
)

var contextCmd = &cobra.Command{
	Use:   "context <query>",
	Short: "Gather web and knowledge base context for a query",
	Long: `Run the context agent once and print the fused context.
An empty string is a valid query.`,
	Args: cobra.ExactArgs(1),
	RunE: runContext,
}

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Reply to a message using gathered context",
	Args:  cobra.ExactArgs(1),
	RunE:  runChat,
}

func init() {
	contextCmd.Flags().BoolVar(&contextAsync, "async", false, "run web and vector search concurrently")
	contextCmd.Flags().BoolVar(&contextJSON, "json", false, "output the context as JSON")
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(chatCmd)
}

func runContext(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	process := a.agent.Process
	if contextAsync {
		process = a.agent.ProcessAsync
	}
	info, err := process(ctx, args[0])
	if err != nil {
		return fmt.Errorf("gather context: %w", err)
	}

	if contextJSON {
		return printJSON(cmd, info)
	}
	cmd.Println(info.CombinedContext())
	return nil
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	info, err := a.agent.ProcessAsync(ctx, args[0])
	if err != nil {
		return fmt.Errorf("gather context: %w", err)
	}
	reply, err := a.therapist.Respond(ctx, args[0], info)
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	if info.WebFailed() || info.VectorFailed() {
		cmd.PrintErrln("note: part of the context was unavailable")
	}
	cmd.Println(reply)
	return nil
}

func openApp(ctx context.Context) (*app, error) {
	cfg, logger, err := bootstrap()
	if err != nil {
		return nil, err
	}
	return buildApp(ctx, cfg, logger)
}

func printJSON(cmd *cobra.Command, info domain.ContextInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
