/**
 * @description
 * This package provides a client for the SendGrid v3 mail API, restricted to
 * the dynamic-template sends the verification-service performs (confirmation
 * and rejection mail).
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, io, net/http, time: Standard Go libraries.
 */

package mailclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.sendgrid.com/v3"

// Client is a client for the SendGrid mail API.
type Client struct {
	BaseURL    string
	APIKey     string
	FromEmail  string
	FromName   string
	HTTPClient *http.Client
}

// NewClient creates a new SendGrid client sending from the given address.
func NewClient(apiKey, fromEmail, fromName string) *Client {
	return &Client{
		BaseURL:   defaultBaseURL,
		APIKey:    apiKey,
		FromEmail: fromEmail,
		FromName:  fromName,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type personalization struct {
	To                  []address         `json:"to"`
	DynamicTemplateData map[string]string `json:"dynamic_template_data,omitempty"`
}

type sendRequest struct {
	Personalizations []personalization `json:"personalizations"`
	From             address           `json:"from"`
	TemplateID       string            `json:"template_id"`
}

// SendTemplated sends one dynamic-template mail to the recipient.
func (c *Client) SendTemplated(ctx context.Context, to, templateID string, data map[string]string) error {
	payload := sendRequest{
		Personalizations: []personalization{{
			To:                  []address{{Email: to}},
			DynamicTemplateData: data,
		}},
		From:       address{Email: c.FromEmail, Name: c.FromName},
		TemplateID: templateID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/mail/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mail send returned status %d: %s", resp.StatusCode, string(detail))
	}
	return nil
}
