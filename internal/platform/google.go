package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/staylytics/funnel-core/internal/models"
	"github.com/staylytics/funnel-core/internal/period"
)

const (
	googleAdsBase   = "https://googleads.googleapis.com/v16"
	googleTokenURL  = "https://oauth2.googleapis.com/token"
	tokenExpirySlop = 2 * time.Minute
)

// GoogleOAuthApp is the application-level OAuth client used to exchange
// per-client refresh tokens for access tokens.
type GoogleOAuthApp struct {
	ClientID     string
	ClientSecret string
}

// GoogleConnector fetches campaign performance from the Google Ads API.
// It issues two searchStream queries per fetch: one for campaign totals
// and one segmented by conversion action, which becomes the action list.
type GoogleConnector struct {
	httpc    HTTPClient
	baseURL  string
	tokenURL string
	app      GoogleOAuthApp
	logger   *zap.Logger

	mu     sync.Mutex
	tokens map[string]cachedToken // refresh token -> access token
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// NewGoogleConnector constructs a connector against the public API.
func NewGoogleConnector(httpc HTTPClient, app GoogleOAuthApp, logger *zap.Logger) *GoogleConnector {
	return &GoogleConnector{
		httpc:    httpc,
		baseURL:  googleAdsBase,
		tokenURL: googleTokenURL,
		app:      app,
		logger:   logger,
		tokens:   make(map[string]cachedToken),
	}
}

// NewGoogleConnectorWithBase overrides the API and token URLs, for tests.
func NewGoogleConnectorWithBase(httpc HTTPClient, app GoogleOAuthApp, baseURL, tokenURL string, logger *zap.Logger) *GoogleConnector {
	c := NewGoogleConnector(httpc, app, logger)
	c.baseURL = baseURL
	c.tokenURL = tokenURL
	return c
}

func (c *GoogleConnector) Platform() models.Platform { return models.PlatformGoogle }

type googleSearchRequest struct {
	Query string `json:"query"`
}

type googleSearchBatch struct {
	Results []googleResult `json:"results"`
	Error   *googleError   `json:"error"`
}

type googleResult struct {
	Campaign struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"campaign"`
	Metrics struct {
		CostMicros          string  `json:"costMicros"`
		Impressions         string  `json:"impressions"`
		Clicks              string  `json:"clicks"`
		Conversions         float64 `json:"conversions"`
		AllConversions      float64 `json:"allConversions"`
		AllConversionsValue float64 `json:"allConversionsValue"`
	} `json:"metrics"`
	Segments struct {
		ConversionActionName string `json:"conversionActionName"`
	} `json:"segments"`
}

type googleError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Fetch requests campaign rows for the exact date range.
func (c *GoogleConnector) Fetch(ctx context.Context, client *models.Client, r period.Range) ([]models.RawInsightRow, error) {
	if !client.HasPlatform(models.PlatformGoogle) {
		return nil, &CredentialError{ClientID: client.ID, Platform: models.PlatformGoogle, Reason: "no stored developer token or customer id"}
	}

	token, err := c.accessToken(ctx, client)
	if err != nil {
		return nil, err
	}

	since, until := r.Start.Format("2006-01-02"), r.End.Format("2006-01-02")

	campaignQuery := fmt.Sprintf(`SELECT campaign.id, campaign.name, metrics.cost_micros,
		metrics.impressions, metrics.clicks, metrics.conversions
		FROM campaign WHERE segments.date BETWEEN '%s' AND '%s'`, since, until)

	totals, err := c.search(ctx, client, token, campaignQuery)
	if err != nil {
		return nil, err
	}

	actionQuery := fmt.Sprintf(`SELECT campaign.id, segments.conversion_action_name,
		metrics.all_conversions, metrics.all_conversions_value
		FROM campaign WHERE segments.date BETWEEN '%s' AND '%s'
		AND metrics.all_conversions > 0`, since, until)

	actions, err := c.search(ctx, client, token, actionQuery)
	if err != nil {
		return nil, err
	}

	byCampaign := make(map[string]*models.RawInsightRow)
	var order []string
	for _, res := range totals {
		row := &models.RawInsightRow{
			CampaignID:   res.Campaign.ID,
			CampaignName: res.Campaign.Name,
			Spend:        float64(parseInt(res.Metrics.CostMicros)) / 1e6,
			Impressions:  parseInt(res.Metrics.Impressions),
			Clicks:       parseInt(res.Metrics.Clicks),
			Conversions:  res.Metrics.Conversions,
		}
		byCampaign[res.Campaign.ID] = row
		order = append(order, res.Campaign.ID)
	}
	for _, res := range actions {
		row, ok := byCampaign[res.Campaign.ID]
		if !ok {
			continue
		}
		name := res.Segments.ConversionActionName
		row.Actions = append(row.Actions, models.ActionEntry{Type: name, Value: res.Metrics.AllConversions})
		if res.Metrics.AllConversionsValue != 0 {
			row.ActionValues = append(row.ActionValues, models.ActionEntry{Type: name, Value: res.Metrics.AllConversionsValue})
		}
	}

	rows := make([]models.RawInsightRow, 0, len(order))
	for _, id := range order {
		rows = append(rows, *byCampaign[id])
	}

	c.logger.Debug("fetched google insights",
		zap.String("client_id", client.ID),
		zap.String("customer_id", client.Google.CustomerID),
		zap.Int("campaigns", len(rows)),
	)
	return rows, nil
}

func (c *GoogleConnector) search(ctx context.Context, client *models.Client, token, query string) ([]googleResult, error) {
	body, err := json.Marshal(googleSearchRequest{Query: query})
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	endpoint := fmt.Sprintf("%s/customers/%s/googleAds:searchStream", c.baseURL, client.Google.CustomerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("developer-token", client.Google.DeveloperToken)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &UpstreamError{Platform: models.PlatformGoogle, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &UpstreamError{Platform: models.PlatformGoogle, Status: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &CredentialError{ClientID: client.ID, Platform: models.PlatformGoogle, Reason: apiMessage(raw)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{Platform: models.PlatformGoogle, RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return nil, &UpstreamError{Platform: models.PlatformGoogle, Status: resp.StatusCode, Err: fmt.Errorf("%s", apiMessage(raw))}
	case resp.StatusCode >= 400:
		// RESOURCE_EXHAUSTED arrives as 400/429 depending on the quota hit.
		if strings.Contains(string(raw), "RESOURCE_EXHAUSTED") {
			return nil, &RateLimitError{Platform: models.PlatformGoogle, RetryAfter: retryAfter(resp)}
		}
		return nil, &UpstreamError{Platform: models.PlatformGoogle, Status: resp.StatusCode, Err: fmt.Errorf("%s", apiMessage(raw))}
	}

	// searchStream responds with an array of result batches.
	var batches []googleSearchBatch
	if err := json.Unmarshal(raw, &batches); err != nil {
		return nil, &UpstreamError{Platform: models.PlatformGoogle, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	var results []googleResult
	for _, b := range batches {
		results = append(results, b.Results...)
	}
	return results, nil
}

// accessToken exchanges the client's refresh token, caching the result
// until shortly before expiry.
func (c *GoogleConnector) accessToken(ctx context.Context, client *models.Client) (string, error) {
	refresh := client.Google.RefreshToken
	if refresh == "" {
		return "", &CredentialError{ClientID: client.ID, Platform: models.PlatformGoogle, Reason: "no refresh token"}
	}

	c.mu.Lock()
	if cached, ok := c.tokens[refresh]; ok && time.Now().Before(cached.expiresAt.Add(-tokenExpirySlop)) {
		c.mu.Unlock()
		return cached.token, nil
	}
	c.mu.Unlock()

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refresh)
	form.Set("client_id", c.app.ClientID)
	form.Set("client_secret", c.app.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", &UpstreamError{Platform: models.PlatformGoogle, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		return "", &CredentialError{ClientID: client.ID, Platform: models.PlatformGoogle, Reason: "refresh token rejected"}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &UpstreamError{Platform: models.PlatformGoogle, Status: resp.StatusCode, Err: fmt.Errorf("token exchange failed")}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", &UpstreamError{Platform: models.PlatformGoogle, Err: fmt.Errorf("decode token response: %w", err)}
	}

	c.mu.Lock()
	c.tokens[refresh] = cachedToken{
		token:     tok.AccessToken,
		expiresAt: time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	c.mu.Unlock()

	return tok.AccessToken, nil
}

func apiMessage(raw []byte) string {
	var wrapper struct {
		Error *googleError `json:"error"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Error != nil {
		return wrapper.Error.Message
	}
	if len(raw) > 256 {
		raw = raw[:256]
	}
	return string(raw)
}
