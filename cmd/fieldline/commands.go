package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/alpacapurpura/fieldline/internal/auth"
	"github.com/alpacapurpura/fieldline/internal/checkpoint"
	"github.com/alpacapurpura/fieldline/internal/config"
	"github.com/alpacapurpura/fieldline/internal/knowledge"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <path>",
	Short: "Index documents into the knowledge base",
	Long: `Index documents into the knowledge base.

The path may be a single file or a directory; directories are walked
recursively. Supported formats: .txt, .md, .pdf.

Examples:
  fieldline ingest ./manuals --type manual
  fieldline ingest ./safety-checklist.pdf --type checklist`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		docType, _ := cmd.Flags().GetString("type")

		cfg, err := config.Load(cfgPath, version)
		if err != nil {
			return err
		}

		store, err := checkpoint.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer store.Close()

		printStep("Indexing %s...", args[0])
		indexer := knowledge.NewIndexer(knowledge.NewStore(store.DB()))
		count, err := indexer.IndexPath(cmd.Context(), args[0], docType)
		if err != nil {
			return fmt.Errorf("indexing %s: %w", args[0], err)
		}

		printSuccess("Indexed %d document(s)", count)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("type", "manual", "document type (manual, checklist, procedure)")
}

// --- token ---

var tokenCmd = &cobra.Command{
	Use:   "token <username>",
	Short: "Mint a signed bearer token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, err := config.Load(cfgPath, version)
		if err != nil {
			return err
		}

		verifier := auth.NewVerifier([]byte(cfg.Auth.SigningKey))
		token, err := verifier.Mint(args[0], ttl)
		if err != nil {
			return fmt.Errorf("minting token: %w", err)
		}

		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fieldline system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath, version)
		if err != nil {
			printError("config error: %v", err)
			return nil
		}

		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get("http://" + cfg.Addr() + "/health")
		if err != nil {
			printStatus("Server", "stopped")
			printStatus("Data dir", "%s", cfg.Storage.DataDir)
			return nil
		}

		var health struct {
			Status     string          `json:"status"`
			Components map[string]bool `json:"components"`
		}
		if err := decodeJSON(resp, &health); err != nil {
			printStatus("Server", "error (%v)", err)
			return nil
		}

		printStatus("Server", "%s on %s", health.Status, cfg.Addr())
		printStatus("Store", "%s", componentLabel(health.Components["store"]))
		printStatus("Gateway", "%s", componentLabel(health.Components["gateway"]))
		printStatus("Records", "%s", cfg.Records.BaseURL)
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	},
}

func componentLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "unavailable"
}

// --- send ---

var sendCmd = &cobra.Command{
	Use:   "send <thread-id> <message>",
	Short: "Send a message to a conversation thread",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		message := strings.Join(args[1:], " ")

		client, err := newAPIClient(token)
		if err != nil {
			return err
		}

		body := map[string]any{
			"message": map[string]any{"role": "user", "content": message},
		}
		resp, err := client.post(cmd.Context(), "/conversation/"+args[0]+"/message", body)
		if err != nil {
			return err
		}

		var result struct {
			Response string `json:"response"`
			Phase    string `json:"phase"`
			Actions  []struct {
				ActionType           string `json:"action_type"`
				Target               string `json:"target"`
				RequiresConfirmation bool   `json:"requires_confirmation"`
			} `json:"actions"`
			Persisted bool `json:"persisted"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Response)
		printStatus("Phase", "%s", result.Phase)
		for _, a := range result.Actions {
			label := a.ActionType
			if a.Target != "" {
				label += " → " + a.Target
			}
			if a.RequiresConfirmation {
				label += " (needs confirmation)"
			}
			printStep("%s", label)
		}
		if !result.Persisted {
			printWarning("Turn was not persisted; it will not survive a restart")
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().String("token", "", "bearer token (see 'fieldline token')")
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history <thread-id>",
	Short: "Show the message history of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient("")
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/conversation/"+args[0]+"/history")
		if err != nil {
			return err
		}

		var history struct {
			ThreadID string `json:"thread_id"`
			Phase    string `json:"phase"`
			Messages []struct {
				Role      string    `json:"role"`
				Content   string    `json:"content"`
				Timestamp time.Time `json:"timestamp"`
			} `json:"messages"`
		}
		if err := decodeJSON(resp, &history); err != nil {
			return err
		}

		printStatus("Thread", "%s", history.ThreadID)
		printStatus("Phase", "%s", history.Phase)
		for _, m := range history.Messages {
			role := m.Role
			if role == "user" {
				role = colorize(colorCyan, role)
			}
			fmt.Printf("%s  [%s] %s\n", m.Timestamp.Format("15:04:05"), role, m.Content)
		}
		return nil
	},
}
