package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/staylytics/funnel-core/internal/models"
	"github.com/staylytics/funnel-core/internal/period"
)

const metaGraphBase = "https://graph.facebook.com/v18.0"

// Meta error subcodes that mean throttling rather than hard failure.
var metaThrottleCodes = map[int]bool{4: true, 17: true, 32: true, 613: true, 80000: true}

// MetaConnector fetches campaign insights from the Meta Graph API.
type MetaConnector struct {
	httpc   HTTPClient
	baseURL string
	logger  *zap.Logger
}

// NewMetaConnector constructs a connector against the public Graph API.
func NewMetaConnector(httpc HTTPClient, logger *zap.Logger) *MetaConnector {
	return &MetaConnector{httpc: httpc, baseURL: metaGraphBase, logger: logger}
}

// NewMetaConnectorWithBase overrides the API base URL, for tests.
func NewMetaConnectorWithBase(httpc HTTPClient, baseURL string, logger *zap.Logger) *MetaConnector {
	return &MetaConnector{httpc: httpc, baseURL: baseURL, logger: logger}
}

func (c *MetaConnector) Platform() models.Platform { return models.PlatformMeta }

// metaAction mirrors one entry of the Graph API "actions"/"action_values"
// lists. Values come back as strings.
type metaAction struct {
	ActionType string `json:"action_type"`
	Value      string `json:"value"`
}

type metaInsightRow struct {
	CampaignID   string       `json:"campaign_id"`
	CampaignName string       `json:"campaign_name"`
	Spend        string       `json:"spend"`
	Impressions  string       `json:"impressions"`
	Clicks       string       `json:"clicks"`
	Conversions  string       `json:"conversions"`
	Actions      []metaAction `json:"actions"`
	ActionValues []metaAction `json:"action_values"`
}

type metaInsightsResponse struct {
	Data   []metaInsightRow `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
	Error *metaError `json:"error"`
}

type metaError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
}

// Fetch requests campaign-level insights for the exact date range and
// translates them into raw insight rows, following pagination.
func (c *MetaConnector) Fetch(ctx context.Context, client *models.Client, r period.Range) ([]models.RawInsightRow, error) {
	if !client.HasPlatform(models.PlatformMeta) {
		return nil, &CredentialError{ClientID: client.ID, Platform: models.PlatformMeta, Reason: "no stored token or ad account"}
	}

	timeRange, err := json.Marshal(map[string]string{
		"since": r.Start.Format("2006-01-02"),
		"until": r.End.Format("2006-01-02"),
	})
	if err != nil {
		return nil, fmt.Errorf("encode time range: %w", err)
	}

	q := url.Values{}
	q.Set("level", "campaign")
	q.Set("fields", "campaign_id,campaign_name,spend,impressions,clicks,conversions,actions,action_values")
	q.Set("time_range", string(timeRange))
	q.Set("limit", "200")
	q.Set("access_token", client.Meta.AccessToken)

	next := fmt.Sprintf("%s/act_%s/insights?%s", c.baseURL, client.Meta.AdAccountID, q.Encode())

	var rows []models.RawInsightRow
	for next != "" {
		var resp metaInsightsResponse
		if err := c.get(ctx, client, next, &resp); err != nil {
			return nil, err
		}
		for _, raw := range resp.Data {
			rows = append(rows, translateMetaRow(raw))
		}
		next = resp.Paging.Next
	}

	c.logger.Debug("fetched meta insights",
		zap.String("client_id", client.ID),
		zap.String("ad_account", client.Meta.AdAccountID),
		zap.Int("campaigns", len(rows)),
	)
	return rows, nil
}

func (c *MetaConnector) get(ctx context.Context, client *models.Client, rawURL string, out *metaInsightsResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &UpstreamError{Platform: models.PlatformMeta, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &UpstreamError{Platform: models.PlatformMeta, Status: resp.StatusCode, Err: err}
	}

	// The Graph API reports most failures as 400 with a structured error,
	// so classification uses the payload before the status code.
	if err := json.Unmarshal(body, out); err != nil {
		if resp.StatusCode >= 500 {
			return &UpstreamError{Platform: models.PlatformMeta, Status: resp.StatusCode, Err: err}
		}
		return &UpstreamError{Platform: models.PlatformMeta, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	if out.Error != nil {
		return c.classify(client, resp, out.Error)
	}
	if resp.StatusCode >= 500 {
		return &UpstreamError{Platform: models.PlatformMeta, Status: resp.StatusCode, Err: fmt.Errorf("server error")}
	}
	if resp.StatusCode >= 400 {
		return &UpstreamError{Platform: models.PlatformMeta, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status")}
	}
	return nil
}

func (c *MetaConnector) classify(client *models.Client, resp *http.Response, apiErr *metaError) error {
	switch {
	case apiErr.Code == 190 || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &CredentialError{ClientID: client.ID, Platform: models.PlatformMeta, Reason: apiErr.Message}
	case metaThrottleCodes[apiErr.Code] || resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{Platform: models.PlatformMeta, RetryAfter: retryAfter(resp)}
	default:
		return &UpstreamError{
			Platform: models.PlatformMeta,
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("graph api error %d: %s", apiErr.Code, apiErr.Message),
		}
	}
}

func translateMetaRow(raw metaInsightRow) models.RawInsightRow {
	row := models.RawInsightRow{
		CampaignID:   raw.CampaignID,
		CampaignName: raw.CampaignName,
		Spend:        parseFloat(raw.Spend),
		Impressions:  parseInt(raw.Impressions),
		Clicks:       parseInt(raw.Clicks),
		Conversions:  parseFloat(raw.Conversions),
	}
	for _, a := range raw.Actions {
		row.Actions = append(row.Actions, models.ActionEntry{Type: a.ActionType, Value: parseFloat(a.Value)})
	}
	for _, a := range raw.ActionValues {
		row.ActionValues = append(row.ActionValues, models.ActionEntry{Type: a.ActionType, Value: parseFloat(a.Value)})
	}
	return row
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt(s string) int64 {
	i, _ := strconv.ParseInt(s, 10, 64)
	return i
}
