package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/flashbox/internal/inbox"
	"github.com/kalambet/flashbox/internal/settings"
	"github.com/kalambet/flashbox/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Inbox    *inbox.Service
	Settings *settings.Manager
}

// NewMCPServer creates an MCP server with the inbox tools and resources
// registered. Card drafting clients read the prompts resource, generate
// cards for an entry and hand them back through submit_cards.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"flashbox",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("flashbox keeps an inbox of captured text, links and PDFs waiting to become Anki flashcards."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_inbox",
			mcp.WithDescription("List inbox entries, newest first, with their pending card counts."),
		),
		mcpListInbox(deps),
	)

	s.AddTool(
		mcp.NewTool("get_entry",
			mcp.WithDescription("Return one entry with its extracted text and card drafts."),
			mcp.WithString("id", mcp.Description("Entry ID"), mcp.Required()),
		),
		mcpGetEntry(deps),
	)

	s.AddTool(
		mcp.NewTool("capture",
			mcp.WithDescription("Add text, a URL or a local PDF file to the inbox."),
			mcp.WithString("content", mcp.Description("Text or http(s) URL to capture")),
			mcp.WithString("pdf_path", mcp.Description("Path of a local PDF file to capture instead of content")),
		),
		mcpCapture(deps),
	)

	s.AddTool(
		mcp.NewTool("submit_cards",
			mcp.WithDescription("Save generated flashcards for an entry and mark the entry as processed."),
			mcp.WithString("entry_id", mcp.Description("Entry the cards were generated from"), mcp.Required()),
			mcp.WithArray("cards",
				mcp.Description("Cards as {front, back, tags} objects"),
				mcp.Required(),
				mcp.Items(map[string]any{
					"type": "object",
					"properties": map[string]any{
						"front": map[string]any{"type": "string"},
						"back":  map[string]any{"type": "string"},
						"tags":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
					"required": []string{"front", "back"},
				}),
			),
			mcp.WithBoolean("replace", mcp.Description("Discard the entry's unsynced cards first (required for locked entries)")),
		),
		mcpSubmitCards(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_entry",
			mcp.WithDescription("Add the entry's pending cards to Anki. The entry is removed once every card is in Anki."),
			mcp.WithString("entry_id", mcp.Description("Entry ID"), mcp.Required()),
		),
		mcpSyncEntry(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"inbox://entries",
			"Inbox",
			mcp.WithResourceDescription("All inbox entries as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceEntries(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"inbox://prompts",
			"Card Prompts",
			mcp.WithResourceDescription("Fact extraction and flashcard creation prompts from settings"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePrompts(deps),
	)

	return s
}

type inboxItem struct {
	ID           string `json:"id"`
	ContentType  string `json:"content_type"`
	Preview      string `json:"preview"`
	Title        string `json:"title,omitempty"`
	IsLocked     bool   `json:"is_locked"`
	PendingCards int    `json:"pending_cards"`
	CreatedAt    string `json:"created_at"`
}

func listInbox(ctx context.Context, store *storage.Store) ([]inboxItem, error) {
	entries, err := store.ListEntries(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]inboxItem, len(entries))
	for i, e := range entries {
		pending, err := store.PendingCardCount(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		items[i] = inboxItem{
			ID:           e.ID,
			ContentType:  string(e.ContentType),
			Preview:      e.Preview,
			Title:        e.Title,
			IsLocked:     e.IsLocked,
			PendingCards: pending,
			CreatedAt:    e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
	}
	return items, nil
}

func mcpListInbox(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		items, err := listInbox(ctx, deps.Store)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list inbox: %v", err)), nil
		}
		return mcpJSON(items), nil
	}
}

func mcpGetEntry(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		ewc, err := deps.Store.GetEntryWithCards(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get entry: %v", err)), nil
		}
		if ewc.Cards == nil {
			ewc.Cards = []storage.Card{}
		}
		return mcpJSON(ewc), nil
	}
}

func mcpCapture(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content := req.GetString("content", "")
		path := req.GetString("pdf_path", "")

		var (
			e   storage.Entry
			err error
		)
		switch {
		case content != "" && path != "":
			return mcpError("pass either content or pdf_path, not both"), nil
		case path != "":
			e, err = deps.Inbox.CaptureLocalPDF(ctx, path)
		case content != "":
			e, err = deps.Inbox.CaptureText(ctx, content)
		default:
			return mcpError("content or pdf_path is required"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("capture failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Captured %s entry %s", e.ContentType, e.ID)), nil
	}
}

func mcpSubmitCards(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entryID, err := req.RequireString("entry_id")
		if err != nil {
			return mcpError("entry_id is required"), nil
		}
		raw, ok := req.GetArguments()["cards"]
		if !ok {
			return mcpError("cards is required"), nil
		}

		// Arguments arrive as generic JSON values; round-trip them into drafts.
		b, err := json.Marshal(raw)
		if err != nil {
			return mcpError(fmt.Sprintf("invalid cards: %v", err)), nil
		}
		var drafts []inbox.CardDraft
		if err := json.Unmarshal(b, &drafts); err != nil {
			return mcpError(fmt.Sprintf("invalid cards: %v", err)), nil
		}
		if err := validate.Var(drafts, "required,min=1,dive"); err != nil {
			return mcpError(describeValidation(err)), nil
		}

		cards, err := deps.Inbox.SaveCards(ctx, entryID, drafts, inbox.SaveOptions{
			Lock:    true,
			Replace: req.GetBool("replace", false),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save cards: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Saved %d cards for entry %s (%d on entry)", len(drafts), entryID, len(cards))), nil
	}
}

func mcpSyncEntry(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entryID, err := req.RequireString("entry_id")
		if err != nil {
			return mcpError("entry_id is required"), nil
		}
		report, err := deps.Inbox.SyncEntry(ctx, entryID)
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}
		return mcpJSON(report), nil
	}
}

func mcpResourceEntries(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		items, err := listInbox(ctx, deps.Store)
		if err != nil {
			return nil, fmt.Errorf("failed to list inbox: %w", err)
		}
		return jsonResource(req.Params.URI, items)
	}
}

func mcpResourcePrompts(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		s, err := deps.Settings.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load settings: %w", err)
		}
		return jsonResource(req.Params.URI, map[string]string{
			settings.KeyFactPrompt:      s.FactPrompt,
			settings.KeyFlashcardPrompt: s.FlashcardPrompt,
		})
	}
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(b)},
	}, nil
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
