// Package anki talks to a running Anki desktop through the AnkiConnect add-on.
package anki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// apiVersion is the AnkiConnect protocol version this client speaks.
const apiVersion = 6

// Note field names of the basic two-sided model.
const (
	FieldFront = "Front"
	FieldBack  = "Back"
)

// Client sends AnkiConnect actions over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client targeting the given AnkiConnect URL. apiKey may be
// empty when AnkiConnect does not require one.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// request is the envelope of every AnkiConnect call.
type request struct {
	Action  string `json:"action"`
	Version int    `json:"version"`
	Key     string `json:"key,omitempty"`
	Params  any    `json:"params,omitempty"`
}

// response is the envelope of every AnkiConnect reply.
type response struct {
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
}

// ActionError is an error reported by AnkiConnect itself rather than by the
// transport.
type ActionError struct {
	Action  string
	Message string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("anki %s: %s", e.Action, e.Message)
}

// invoke runs one action and decodes its result into out (which may be nil).
func (c *Client) invoke(ctx context.Context, action string, params, out any) error {
	body, err := json.Marshal(request{Action: action, Version: apiVersion, Key: c.apiKey, Params: params})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", action, resp.StatusCode)
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("decoding %s response: %w", action, err)
	}
	if r.Error != nil {
		return &ActionError{Action: action, Message: *r.Error}
	}
	if out == nil {
		return nil
	}
	if len(r.Result) == 0 || string(r.Result) == "null" {
		return &ActionError{Action: action, Message: "empty result"}
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", action, err)
	}
	return nil
}

// Version returns the AnkiConnect protocol version of the running add-on.
func (c *Client) Version(ctx context.Context) (int, error) {
	var v int
	if err := c.invoke(ctx, "version", nil, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// PermissionResult mirrors the requestPermission reply.
type PermissionResult struct {
	Permission    string `json:"permission"`
	RequireAPIKey bool   `json:"requireApikey"`
	Version       int    `json:"version"`
}

// RequestPermission asks Anki to trust this client. On first use Anki shows
// a dialog and the call blocks until the user answers.
func (c *Client) RequestPermission(ctx context.Context) (PermissionResult, error) {
	var res PermissionResult
	if err := c.invoke(ctx, "requestPermission", nil, &res); err != nil {
		return PermissionResult{}, err
	}
	return res, nil
}

// DeckNamesAndIDs lists every deck.
func (c *Client) DeckNamesAndIDs(ctx context.Context) (map[string]int64, error) {
	decks := map[string]int64{}
	if err := c.invoke(ctx, "deckNamesAndIds", nil, &decks); err != nil {
		return nil, err
	}
	return decks, nil
}

// CreateDeck creates a deck and returns its id. Creating an existing deck
// returns the existing id.
func (c *Client) CreateDeck(ctx context.Context, name string) (int64, error) {
	var id int64
	if err := c.invoke(ctx, "createDeck", map[string]string{"deck": name}, &id); err != nil {
		return 0, err
	}
	return id, nil
}

// ModelNamesAndIDs lists every note type.
func (c *Client) ModelNamesAndIDs(ctx context.Context) (map[string]int64, error) {
	models := map[string]int64{}
	if err := c.invoke(ctx, "modelNamesAndIds", nil, &models); err != nil {
		return nil, err
	}
	return models, nil
}

// ModelFieldNames lists the fields of the named note type in order.
func (c *Client) ModelFieldNames(ctx context.Context, name string) ([]string, error) {
	var fields []string
	if err := c.invoke(ctx, "modelFieldNames", map[string]string{"modelName": name}, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

type cardTemplate struct {
	Name  string `json:"Name"`
	Front string `json:"Front"`
	Back  string `json:"Back"`
}

type createModelParams struct {
	ModelName     string         `json:"modelName"`
	InOrderFields []string       `json:"inOrderFields"`
	CardTemplates []cardTemplate `json:"cardTemplates"`
}

// CreateBasicModel creates a two-field Front/Back note type named name.
func (c *Client) CreateBasicModel(ctx context.Context, name string) (int64, error) {
	params := createModelParams{
		ModelName:     name,
		InOrderFields: []string{FieldFront, FieldBack},
		CardTemplates: []cardTemplate{{
			Name:  "Card 1",
			Front: "{{" + FieldFront + "}}",
			Back:  "{{FrontSide}}<hr id=answer>{{" + FieldBack + "}}",
		}},
	}
	var model struct {
		ID int64 `json:"id"`
	}
	if err := c.invoke(ctx, "createModel", params, &model); err != nil {
		return 0, err
	}
	if model.ID == 0 {
		return 0, &ActionError{Action: "createModel", Message: "no model id returned"}
	}
	return model.ID, nil
}

// Note is a note to add.
type Note struct {
	DeckName  string            `json:"deckName"`
	ModelName string            `json:"modelName"`
	Fields    map[string]string `json:"fields"`
	Tags      []string          `json:"tags"`
	Options   noteOptions       `json:"options"`
}

type noteOptions struct {
	AllowDuplicate bool   `json:"allowDuplicate"`
	DuplicateScope string `json:"duplicateScope,omitempty"`
}

// AddNote adds note and returns the new note id.
func (c *Client) AddNote(ctx context.Context, note Note) (int64, error) {
	if note.Tags == nil {
		note.Tags = []string{}
	}
	var id int64
	if err := c.invoke(ctx, "addNote", map[string]any{"note": note}, &id); err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, errors.New("addNote: no note id returned")
	}
	return id, nil
}
