package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sagehq/sage/internal/app"
	"github.com/sagehq/sage/internal/config"
	"github.com/sagehq/sage/internal/engine"
)

var (
	queryConversation string
	queryProject      string
)

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Ask a single question and print the cited answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd.Context(), strings.Join(args, " "))
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryConversation, "conversation", "", "conversation UUID (scopes knowledge search)")
	queryCmd.Flags().StringVar(&queryProject, "project", "", "project UUID (enables memory recall)")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(parent context.Context, question string) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	req := engine.Request{Query: question, ConversationID: uuid.New()}
	if queryConversation != "" {
		id, err := uuid.Parse(queryConversation)
		if err != nil {
			return fmt.Errorf("invalid --conversation: %w", err)
		}
		req.ConversationID = id
	}
	if queryProject != "" {
		id, err := uuid.Parse(queryProject)
		if err != nil {
			return fmt.Errorf("invalid --project: %w", err)
		}
		req.ProjectID = &id
	}

	// Progress goes to stderr so stdout stays clean for the answer.
	events := make(chan engine.StatusEvent, 16)
	go func() {
		for ev := range events {
			fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.Stage, ev.Message)
		}
	}()

	result, err := a.Engine.RunQuery(ctx, req, events)
	close(events)
	if err != nil {
		return err
	}

	fmt.Println(result.Content)
	if len(result.Citations) > 0 {
		fmt.Println("\nSources:")
		for i, c := range result.Citations {
			fmt.Printf("  [%d] %s — %s\n", i+1, c.Title, c.URL)
		}
	}
	return nil
}
