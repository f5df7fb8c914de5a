/**
 * @description
 * This package provides a client for the subset of the Discord REST API the
 * verification-service needs: granting the trusted role and sending direct
 * messages. It encapsulates bot-token authentication, request construction
 * and response handling.
 *
 * @notes
 * - Role assignment is an HTTP PUT and therefore idempotent on Discord's
 *   side: granting an already-granted role is a no-op, which is what lets
 *   the dispatcher retry the grant_role action safely.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, io, net/http, time: Standard Go libraries.
 */

package discordclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultBaseURL = "https://discord.com/api/v10"

// Embed colors used by the verification notifications.
const (
	ColorOK   = 0x2ecc71
	ColorWarn = 0xe67e22
	ColorInfo = 0x3498db
)

// EmbedField is one name/value pair inside an embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Embed is the rich message payload sent in direct messages.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

// Client is a client for the Discord REST API.
type Client struct {
	BaseURL    string
	BotToken   string
	HTTPClient *http.Client
}

// NewClient creates a new Discord API client authenticated as a bot.
func NewClient(botToken string) *Client {
	return &Client{
		BaseURL:  defaultBaseURL,
		BotToken: botToken,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GrantRole adds a role to a guild member. The underlying PUT is idempotent:
// repeating the call never stacks roles.
func (c *Client) GrantRole(ctx context.Context, guildID, userID, roleID int64) error {
	url := fmt.Sprintf("%s/guilds/%d/members/%d/roles/%d", c.BaseURL, guildID, userID, roleID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to grant role: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("grant role returned status %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}
	return nil
}

// DirectMessage opens (or reuses) the DM channel with the user and posts the
// embed there.
func (c *Client) DirectMessage(ctx context.Context, userID int64, embed Embed) error {
	channelID, err := c.openDMChannel(ctx, userID)
	if err != nil {
		return err
	}

	payload := map[string]interface{}{
		"embeds": []Embed{embed},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/channels/%s/messages", c.BaseURL, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send direct message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("direct message returned status %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}
	return nil
}

func (c *Client) openDMChannel(ctx context.Context, userID int64) (string, error) {
	body, err := json.Marshal(map[string]interface{}{"recipient_id": fmt.Sprintf("%d", userID)})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/users/@me/channels", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to open DM channel: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("open DM channel returned status %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}

	var channel struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&channel); err != nil {
		return "", fmt.Errorf("failed to decode DM channel response: %w", err)
	}
	return channel.ID, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bot "+c.BotToken)
}

func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil {
		return "<unreadable>"
	}
	return string(data)
}
