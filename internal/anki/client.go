// Package anki talks to the remote flashcard store through the
// AnkiConnect HTTP API.
//
// The API is a single JSON POST endpoint; every operation is an action
// name plus parameters. Transport failures are retried with exponential
// backoff, API-level errors are not (they are deterministic).
package anki

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// apiVersion is the AnkiConnect protocol version this client speaks.
const apiVersion = 6

var (
	// ErrNotReachable is returned when the store does not answer the
	// startup probe. Outside dry runs this aborts before any side effect.
	ErrNotReachable = errors.New("anki is not reachable (is AnkiConnect installed and Anki running?)")

	// ErrMediaNotFound is returned when a requested media file does not
	// exist in the store.
	ErrMediaNotFound = errors.New("media file not found")

	// ErrBasicModelNotFound is returned when no localized Basic note
	// model exists in the collection.
	ErrBasicModelNotFound = errors.New("basic note model not found")
)

// APIError is an error reported by the store itself rather than the
// transport.
type APIError struct {
	Action  string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("anki api error in %s: %s", e.Action, e.Message)
}

// Client is an AnkiConnect API client. It is safe for concurrent use;
// the store serializes its own writes.
type Client struct {
	url  string
	http *http.Client
}

// NewClient creates a client for the given AnkiConnect URL.
func NewClient(url string) *Client {
	return &Client{
		url:  url,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type request struct {
	Action  string `json:"action"`
	Version int    `json:"version"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
}

// invoke posts one action and decodes the result into out (which may be
// nil when the result is not needed).
func (c *Client) invoke(ctx context.Context, action string, params, out any) error {
	body, err := json.Marshal(request{Action: action, Version: apiVersion, Params: params})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", action, err)
	}

	var raw json.RawMessage
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var decoded response
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", action, err)
		}
		if decoded.Error != nil {
			return backoff.Permanent(&APIError{Action: action, Message: *decoded.Error})
		}
		raw = decoded.Result
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("%s failed: %w", action, err)
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", action, err)
		}
	}
	return nil
}

// Ping probes the store. It is called once at run start in non-dry-run
// mode; an unreachable store is a validation failure.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotReachable, err)
	}
	defer resp.Body.Close()

	var probe struct {
		APIVersion *int `json:"apiVersion"`
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil || json.Unmarshal(data, &probe) != nil || probe.APIVersion == nil {
		return ErrNotReachable
	}
	return nil
}

// DeckNames lists every deck in the collection.
func (c *Client) DeckNames(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.invoke(ctx, "deckNames", nil, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// CreateDeck creates a deck. The store treats creation as idempotent.
func (c *Client) CreateDeck(ctx context.Context, name string) error {
	return c.invoke(ctx, "createDeck", map[string]string{"deck": name}, nil)
}

// StoreMedia uploads bytes under the given media name and returns the
// name used to reference the file in note fields.
func (c *Client) StoreMedia(ctx context.Context, name string, data []byte) (string, error) {
	params := map[string]string{
		"filename": name,
		"data":     base64.StdEncoding.EncodeToString(data),
	}
	if err := c.invoke(ctx, "storeMediaFile", params, nil); err != nil {
		return "", err
	}
	return name, nil
}

// RetrieveMedia downloads a media file by name.
func (c *Client) RetrieveMedia(ctx context.Context, name string) ([]byte, error) {
	var encoded string
	err := c.invoke(ctx, "retrieveMediaFile", map[string]string{"filename": name}, &encoded)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("%w: %s", ErrMediaNotFound, name)
		}
		return nil, err
	}
	if encoded == "" {
		return nil, fmt.Errorf("%w: %s", ErrMediaNotFound, name)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode media %s: %w", name, err)
	}
	return data, nil
}

// FindNotesByTag returns the ids of notes carrying the exact tag.
func (c *Client) FindNotesByTag(ctx context.Context, tag string) ([]int64, error) {
	var ids []int64
	params := map[string]string{"query": "tag:" + tag}
	if err := c.invoke(ctx, "findNotes", params, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// note is the addNote payload.
type note struct {
	DeckName  string            `json:"deckName"`
	ModelName string            `json:"modelName"`
	Fields    map[string]string `json:"fields"`
	Tags      []string          `json:"tags"`
}

// AddNote creates a note and returns its id.
func (c *Client) AddNote(ctx context.Context, deck, model string, fields map[string]string, tags []string) (int64, error) {
	var id int64
	params := map[string]note{"note": {
		DeckName:  deck,
		ModelName: model,
		Fields:    fields,
		Tags:      tags,
	}}
	if err := c.invoke(ctx, "addNote", params, &id); err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateNoteFields updates an existing note's fields in place.
func (c *Client) UpdateNoteFields(ctx context.Context, id int64, fields map[string]string, tags []string) error {
	params := map[string]any{"note": map[string]any{
		"id":     id,
		"fields": fields,
		"tags":   tags,
	}}
	return c.invoke(ctx, "updateNoteFields", params, nil)
}

// ModelNames lists the note models in the collection.
func (c *Client) ModelNames(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.invoke(ctx, "modelNames", nil, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// ModelFieldNames lists a model's field names in order.
func (c *Client) ModelFieldNames(ctx context.Context, model string) ([]string, error) {
	var fields []string
	params := map[string]string{"modelName": model}
	if err := c.invoke(ctx, "modelFieldNames", params, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
