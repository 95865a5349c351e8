package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/flashbox/internal/config"
	"github.com/kalambet/flashbox/internal/inbox"
	"github.com/kalambet/flashbox/internal/settings"
	"github.com/kalambet/flashbox/internal/storage"
)

// --- capture ---

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Add text, a link or a PDF to the inbox",
	Long: `Add text, a link or a PDF to the inbox.

Examples:
  flashbox capture --text "The mitochondrion is the powerhouse of the cell"
  flashbox capture --url https://en.wikipedia.org/wiki/Mitochondrion
  flashbox capture --pdf ./lecture-04.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		url, _ := cmd.Flags().GetString("url")
		pdf, _ := cmd.Flags().GetString("pdf")

		set := 0
		for _, v := range []string{text, url, pdf} {
			if v != "" {
				set++
			}
		}
		if set != 1 {
			return fmt.Errorf("exactly one of --text, --url or --pdf is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		e, err := captureEntry(cmd.Context(), client, text, url, pdf)
		if err != nil {
			return err
		}
		printSuccess("Captured %s entry %s", e.ContentType, e.ID)
		return nil
	},
}

func captureEntry(ctx context.Context, client *apiClient, text, url, pdf string) (storage.Entry, error) {
	var e storage.Entry
	if pdf != "" {
		resp, err := client.uploadPDF(ctx, pdf)
		if err != nil {
			return e, err
		}
		return e, decodeJSON(resp, &e)
	}

	content := text
	if url != "" {
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return e, fmt.Errorf("--url must start with http:// or https://")
		}
		content = url
	}
	resp, err := client.post(ctx, "/capture", map[string]string{"content": content})
	if err != nil {
		return e, err
	}
	return e, decodeJSON(resp, &e)
}

func init() {
	captureCmd.Flags().String("text", "", "text to capture")
	captureCmd.Flags().String("url", "", "web page to capture")
	captureCmd.Flags().String("pdf", "", "PDF file to capture")
}

// --- inbox ---

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Inspect and process inbox entries",
}

var inboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List inbox entries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/entries")
		if err != nil {
			return err
		}
		var entries []storage.Entry
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Inbox is empty.")
			return nil
		}
		fmt.Println(entriesTable(entries))
		return nil
	},
}

func entriesTable(entries []storage.Entry) string {
	rows := make([][]string, len(entries))
	for i, e := range entries {
		state := "new"
		if e.IsLocked {
			state = "processed"
		}
		rows[i] = []string{
			e.ID,
			string(e.ContentType),
			shorten(e.Preview, 60),
			e.DeckName,
			state,
			e.CreatedAt.Local().Format("2006-01-02 15:04"),
		}
	}
	return renderTable(
		[]string{"ID", "Type", "Preview", "Deck", "State", "Captured"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	)
}

var inboxShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an entry with its cards",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/entries/"+args[0])
		if err != nil {
			return err
		}
		var ewc storage.EntryWithCards
		if err := decodeJSON(resp, &ewc); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(ewc)
		}
		printEntry(ewc)
		return nil
	},
}

func printEntry(ewc storage.EntryWithCards) {
	e := ewc.Entry
	fmt.Printf("%s %s\n", colorize(colorBold, e.ID), e.ContentType)
	if e.Title != "" {
		fmt.Printf("  Title: %s\n", e.Title)
	}
	fmt.Printf("  Content: %s\n", shorten(e.Content, 200))
	if e.DeckName != "" {
		fmt.Printf("  Deck: %s\n", e.DeckName)
	}
	if e.ExtractedText != "" {
		fmt.Printf("  Extracted: %s\n", shorten(strings.ReplaceAll(e.ExtractedText, "\n", " "), 300))
	}
	if len(ewc.Cards) == 0 {
		fmt.Println("  No cards yet.")
		return
	}

	rows := make([][]string, len(ewc.Cards))
	for i, c := range ewc.Cards {
		note := ""
		if c.NoteID != nil {
			note = strconv.FormatInt(*c.NoteID, 10)
		}
		rows[i] = []string{c.ID, shorten(c.Front, 40), shorten(c.Back, 40), string(c.Status), note}
	}
	fmt.Println(renderTable(
		[]string{"Card", "Front", "Back", "Status", "Note"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	))
}

var inboxDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an entry and its cards",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/entries/"+args[0])
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted entry %s", args[0])
		return nil
	},
}

var inboxLockCmd = &cobra.Command{
	Use:   "lock <id>",
	Short: "Mark an entry as processed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/entries/"+args[0]+"/lock", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Locked entry %s", args[0])
		return nil
	},
}

var inboxDeckCmd = &cobra.Command{
	Use:   "deck <id> [deck]",
	Short: "Set the Anki deck of an entry (omit deck to use the default)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		deck := ""
		if len(args) == 2 {
			deck = args[1]
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/entries/"+args[0]+"/deck", map[string]string{"deck_name": deck})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if deck == "" {
			printSuccess("Entry %s uses the default deck", args[0])
		} else {
			printSuccess("Entry %s goes to deck %s", args[0], deck)
		}
		return nil
	},
}

var inboxCardsCmd = &cobra.Command{
	Use:   "cards <id> <file>",
	Short: "Attach generated cards from a JSON file (use - for stdin)",
	Long: `Attach generated cards to an entry. The file holds a JSON array of
{"front", "back", "tags"} objects. The entry is locked afterwards unless
--no-lock is given; a locked entry only accepts cards with --replace.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		noLock, _ := cmd.Flags().GetBool("no-lock")
		replace, _ := cmd.Flags().GetBool("replace")

		drafts, err := readDrafts(args[1])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/entries/"+args[0]+"/cards", map[string]any{
			"cards":   drafts,
			"lock":    !noLock,
			"replace": replace,
		})
		if err != nil {
			return err
		}
		var result struct {
			Saved int `json:"saved"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Saved %d cards for entry %s", result.Saved, args[0])
		return nil
	},
}

func readDrafts(path string) ([]inbox.CardDraft, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading cards: %w", err)
	}
	var drafts []inbox.CardDraft
	if err := json.Unmarshal(data, &drafts); err != nil {
		return nil, fmt.Errorf("parsing cards: %w", err)
	}
	if len(drafts) == 0 {
		return nil, fmt.Errorf("no cards in %s", path)
	}
	return drafts, nil
}

var inboxSyncCmd = &cobra.Command{
	Use:   "sync <id>",
	Short: "Send the entry's pending cards to Anki",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/entries/"+args[0]+"/sync", nil)
		if err != nil {
			return err
		}
		var report inbox.SyncReport
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}

		for _, c := range report.Cards {
			if c.Error != "" {
				printError("card %s: %s", c.CardID, c.Error)
			}
		}
		switch {
		case report.Removed:
			printSuccess("Added %d cards; entry %s is done and was removed", report.Added, args[0])
		case report.Failed > 0:
			printWarning("Added %d cards, %d failed", report.Added, report.Failed)
		default:
			printSuccess("Added %d cards (%d already in Anki)", report.Added, report.Skipped)
		}
		return nil
	},
}

var inboxReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Remove every entry whose cards are all in Anki",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		removed, err := reconcile(cmd.Context(), client)
		if err != nil {
			return err
		}
		printSuccess("Removed %d resolved entries", removed)
		return nil
	},
}

func reconcile(ctx context.Context, client *apiClient) (int, error) {
	resp, err := client.get(ctx, "/entries")
	if err != nil {
		return 0, err
	}
	var entries []storage.Entry
	if err := decodeJSON(resp, &entries); err != nil {
		return 0, err
	}

	printStep("Checking %d entries", len(entries))
	removed := 0
	for _, e := range entries {
		resp, err := client.post(ctx, "/entries/"+e.ID+"/auto-remove", nil)
		if err != nil {
			return removed, err
		}
		var result map[string]bool
		if err := decodeJSON(resp, &result); err != nil {
			printError("entry %s: %v", e.ID, err)
			continue
		}
		if result["removed"] {
			removed++
		}
	}
	return removed, nil
}

func init() {
	inboxShowCmd.Flags().Bool("json", false, "print the entry as JSON")
	inboxCardsCmd.Flags().Bool("no-lock", false, "leave the entry unlocked")
	inboxCardsCmd.Flags().Bool("replace", false, "discard the entry's unsynced cards first")

	inboxCmd.AddCommand(inboxListCmd)
	inboxCmd.AddCommand(inboxShowCmd)
	inboxCmd.AddCommand(inboxDeleteCmd)
	inboxCmd.AddCommand(inboxLockCmd)
	inboxCmd.AddCommand(inboxDeckCmd)
	inboxCmd.AddCommand(inboxCardsCmd)
	inboxCmd.AddCommand(inboxSyncCmd)
	inboxCmd.AddCommand(inboxReconcileCmd)
}

// --- settings ---

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change app settings stored with the inbox",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/settings")
		if err != nil {
			return err
		}
		var s settings.Settings
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		fmt.Printf("  %s = %s\n", colorize(colorBold, settings.KeyDefaultDeck), s.DefaultDeck)
		fmt.Printf("  %s = %s\n", colorize(colorBold, settings.KeyModelName), s.ModelName)
		fmt.Printf("  %s = %s\n", colorize(colorBold, settings.KeyFactPrompt), shorten(oneLine(s.FactPrompt), 80))
		fmt.Printf("  %s = %s\n", colorize(colorBold, settings.KeyFlashcardPrompt), shorten(oneLine(s.FlashcardPrompt), 80))
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> [value]",
	Short: "Set a setting (omit value to restore the default)",
	Long:  "Set a setting. Valid keys: " + strings.Join(settings.ValidKeys(), ", "),
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value := ""
		if len(args) == 2 {
			value = args[1]
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/settings/"+args[0], map[string]string{"value": value})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if value == "" {
			printSuccess("Reset %s", args[0])
		} else {
			printSuccess("Set %s = %s", args[0], shorten(oneLine(value), 60))
		}
		return nil
	},
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			if k.FromEnv {
				fmt.Printf("  %s = %s %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorYellow, "(from "+k.EnvVar+")"))
				continue
			}
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		if key == "anki.api_key" {
			printSuccess("Stored %s in the secrets file", key)
			return nil
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configResetCmd = &cobra.Command{
	Use:   "reset <key>",
	Short: "Remove a stored configuration value so the default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ResetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Reset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configResetCmd)
}
