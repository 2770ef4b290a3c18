// Package legionsdk is a minimal Print Legion HTTP API client.
package legionsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a Print Legion server.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Job represents the API job model.
type Job struct {
	ID                string   `json:"id"`
	CreatorID         string   `json:"creator_id"`
	AssignedPrinterID *string  `json:"assigned_printer_id,omitempty"`
	Status            string   `json:"status"`
	ItemName          string   `json:"item_name"`
	ItemDescription   string   `json:"item_description,omitempty"`
	PartCount         int      `json:"part_count"`
	Topic             string   `json:"topic,omitempty"`
	FilamentUsedGrams *float64 `json:"filament_used_grams,omitempty"`
	CreatedAt         string   `json:"created_at"`
	UpdatedAt         string   `json:"updated_at"`
}

// User represents the API user model.
type User struct {
	SlackID           string   `json:"slack_id"`
	HasPrinter        bool     `json:"has_printer"`
	RegionCoordinates string   `json:"region_coordinates,omitempty"`
	RegionName        string   `json:"region_name,omitempty"`
	PreferredRadius   string   `json:"preferred_radius,omitempty"`
	PreferredTopics   []string `json:"preferred_topics,omitempty"`
}

// SearchResult is one open job near the caller.
type SearchResult struct {
	Job           Job     `json:"job"`
	DistanceKm    float64 `json:"distance_km"`
	CreatorRegion string  `json:"creator_region,omitempty"`
	TopicMatch    bool    `json:"topic_match"`
}

// Stats mirrors the global stats snapshot.
type Stats struct {
	LastUpdated       string          `json:"last_updated"`
	Calculating       bool            `json:"calculating"`
	TotalUsers        int             `json:"total_users"`
	TotalPrinters     int             `json:"total_printers"`
	TotalJobs         int             `json:"total_jobs"`
	TotalFilamentUsed float64         `json:"total_filament_used_grams"`
	JobsByStatus      map[string]int  `json:"jobs_by_status"`
	NearbyPrinters    *NearbyPrinters `json:"nearby_printers,omitempty"`
}

// NearbyPrinters counts printer owners around the caller's region.
type NearbyPrinters struct {
	Within5Km  int `json:"within_5km"`
	Within25Km int `json:"within_25km"`
	Within50Km int `json:"within_50km"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Me fetches the caller's profile.
func (c *Client) Me(ctx context.Context) (User, error) {
	var u User
	err := c.do(ctx, http.MethodGet, "v0/me", nil, &u)
	return u, err
}

// UpdateSettings patches the caller's profile. Only keys present in the map
// are changed.
func (c *Client) UpdateSettings(ctx context.Context, settings map[string]any) (User, error) {
	var u User
	err := c.do(ctx, http.MethodPatch, "v0/me/settings", settings, &u)
	return u, err
}

// CreateJob submits a print job.
func (c *Client) CreateJob(ctx context.Context, itemName, itemDescription string) (Job, error) {
	body := map[string]any{
		"item_name":        itemName,
		"item_description": itemDescription,
	}
	var j Job
	err := c.do(ctx, http.MethodPost, "v0/jobs", body, &j)
	return j, err
}

// GetJob fetches one job.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var j Job
	err := c.do(ctx, http.MethodGet, "v0/jobs/"+url.PathEscape(jobID), nil, &j)
	return j, err
}

// Claim claims an open job for the caller.
func (c *Client) Claim(ctx context.Context, jobID string) (Job, error) {
	return c.action(ctx, jobID, "claim", nil)
}

// Unclaim releases a claimed job.
func (c *Client) Unclaim(ctx context.Context, jobID string) (Job, error) {
	return c.action(ctx, jobID, "unclaim", nil)
}

// StartPrinting marks the print as started.
func (c *Client) StartPrinting(ctx context.Context, jobID string) (Job, error) {
	return c.action(ctx, jobID, "start", nil)
}

// CompletePrinting records the finished print.
func (c *Client) CompletePrinting(ctx context.Context, jobID string, filamentGrams float64, notes string) (Job, error) {
	body := map[string]any{"filament_used_grams": filamentGrams}
	if notes != "" {
		body["printing_notes"] = notes
	}
	return c.action(ctx, jobID, "complete", body)
}

// Fulfil records the hand-off.
func (c *Client) Fulfil(ctx context.Context, jobID, notes string) (Job, error) {
	body := map[string]any{}
	if notes != "" {
		body["fulfilment_notes"] = notes
	}
	return c.action(ctx, jobID, "fulfil", body)
}

// Confirm finishes the job as the creator.
func (c *Client) Confirm(ctx context.Context, jobID string) (Job, error) {
	return c.action(ctx, jobID, "confirm", nil)
}

// Cancel terminates the job.
func (c *Client) Cancel(ctx context.Context, jobID string) (Job, error) {
	return c.action(ctx, jobID, "cancel", nil)
}

// Search lists open jobs near the caller.
func (c *Client) Search(ctx context.Context, query, radius string) ([]SearchResult, error) {
	q := url.Values{}
	if query != "" {
		q.Set("q", query)
	}
	if radius != "" {
		q.Set("radius", radius)
	}
	endpoint := "v0/jobs/search"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var results []SearchResult
	err := c.do(ctx, http.MethodGet, endpoint, nil, &results)
	return results, err
}

// Stats fetches the global stats snapshot.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.do(ctx, http.MethodGet, "v0/stats", nil, &s)
	return s, err
}

func (c *Client) action(ctx context.Context, jobID, name string, body any) (Job, error) {
	var j Job
	err := c.do(ctx, http.MethodPost, "v0/jobs/"+url.PathEscape(jobID)+"/"+name, body, &j)
	return j, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
