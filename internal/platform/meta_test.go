package platform

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/staylytics/funnel-core/internal/models"
	"github.com/staylytics/funnel-core/internal/period"
)

// stubHTTP returns canned responses in order, one per request.
type stubHTTP struct {
	responses []*http.Response
	errs      []error
	calls     int
}

func (s *stubHTTP) Do(req *http.Request) (*http.Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.responses) {
		return nil, errors.New("stub: no response queued")
	}
	return s.responses[i], nil
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func metaClient() *models.Client {
	return &models.Client{
		ID:   "client-1",
		Meta: &MetaTestCreds,
	}
}

// MetaTestCreds is shared by the connector tests.
var MetaTestCreds = models.MetaCredentials{AccessToken: "tok", AdAccountID: "123"}

func testRange(t *testing.T) period.Range {
	t.Helper()
	p, err := period.Resolve("2025-10")
	require.NoError(t, err)
	r, err := p.FetchRange(time.Date(2025, 11, 12, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return r
}

func TestMetaFetchTranslatesRows(t *testing.T) {
	body := `{"data":[{
		"campaign_id":"c1","campaign_name":"Autumn","spend":"120.50",
		"impressions":"1000","clicks":"80","conversions":"5",
		"actions":[{"action_type":"click_to_call","value":"3"},{"action_type":"purchase","value":"2"}],
		"action_values":[{"action_type":"purchase","value":"540.00"}]
	}],"paging":{}}`

	httpc := &stubHTTP{responses: []*http.Response{jsonResponse(200, body)}}
	conn := NewMetaConnector(httpc, zap.NewNop())

	rows, err := conn.Fetch(context.Background(), metaClient(), testRange(t))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, "c1", row.CampaignID)
	assert.Equal(t, 120.50, row.Spend)
	assert.Equal(t, int64(1000), row.Impressions)
	assert.Equal(t, int64(80), row.Clicks)
	require.Len(t, row.Actions, 2)
	assert.Equal(t, models.ActionEntry{Type: "click_to_call", Value: 3}, row.Actions[0])
	require.Len(t, row.ActionValues, 1)
	assert.Equal(t, 540.0, row.ActionValues[0].Value)
}

func TestMetaFetchFollowsPagination(t *testing.T) {
	page1 := `{"data":[{"campaign_id":"c1","spend":"1"}],"paging":{"next":"https://graph.example/page2"}}`
	page2 := `{"data":[{"campaign_id":"c2","spend":"2"}],"paging":{}}`

	httpc := &stubHTTP{responses: []*http.Response{jsonResponse(200, page1), jsonResponse(200, page2)}}
	conn := NewMetaConnector(httpc, zap.NewNop())

	rows, err := conn.Fetch(context.Background(), metaClient(), testRange(t))
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, 2, httpc.calls)
}

func TestMetaFetchClassifiesCredentialError(t *testing.T) {
	body := `{"error":{"message":"Invalid OAuth access token","code":190}}`
	httpc := &stubHTTP{responses: []*http.Response{jsonResponse(400, body)}}
	conn := NewMetaConnector(httpc, zap.NewNop())

	_, err := conn.Fetch(context.Background(), metaClient(), testRange(t))
	assert.True(t, IsCredential(err), "expected CredentialError, got %v", err)
	assert.False(t, Retryable(err))
}

func TestMetaFetchClassifiesRateLimit(t *testing.T) {
	body := `{"error":{"message":"User request limit reached","code":17}}`
	httpc := &stubHTTP{responses: []*http.Response{jsonResponse(400, body)}}
	conn := NewMetaConnector(httpc, zap.NewNop())

	_, err := conn.Fetch(context.Background(), metaClient(), testRange(t))
	assert.True(t, IsRateLimit(err), "expected RateLimitError, got %v", err)
	assert.True(t, Retryable(err))
}

func TestMetaFetchClassifiesUpstream(t *testing.T) {
	httpc := &stubHTTP{errs: []error{errors.New("connection refused")}}
	conn := NewMetaConnector(httpc, zap.NewNop())

	_, err := conn.Fetch(context.Background(), metaClient(), testRange(t))
	var ue *UpstreamError
	assert.True(t, errors.As(err, &ue), "expected UpstreamError, got %v", err)
	assert.True(t, Retryable(err))
}

func TestMetaFetchMissingCredentials(t *testing.T) {
	httpc := &stubHTTP{}
	conn := NewMetaConnector(httpc, zap.NewNop())
	_, err := conn.Fetch(context.Background(), &models.Client{ID: "c"}, testRange(t))
	assert.True(t, IsCredential(err))
	assert.Equal(t, 0, httpc.calls, "no HTTP call without credentials")
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "credential", ErrorKind(&CredentialError{}))
	assert.Equal(t, "rate_limit", ErrorKind(&RateLimitError{}))
	assert.Equal(t, "upstream", ErrorKind(&UpstreamError{Err: errors.New("x")}))
	assert.Equal(t, "internal", ErrorKind(errors.New("other")))
	assert.Equal(t, "", ErrorKind(nil))
}

func TestBackoffStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Backoff{Base: time.Millisecond, MaxAttempts: 5}.Do(context.Background(), func() error {
		calls++
		return &CredentialError{ClientID: "c", Platform: models.PlatformMeta}
	})
	assert.True(t, IsCredential(err))
	assert.Equal(t, 1, calls)
}

func TestBackoffRetriesThenSucceeds(t *testing.T) {
	calls := 0
	err := Backoff{Base: time.Millisecond, MaxAttempts: 4}.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &UpstreamError{Platform: models.PlatformMeta, Err: errors.New("boom")}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestBackoffExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Backoff{Base: time.Millisecond, MaxAttempts: 3}.Do(context.Background(), func() error {
		calls++
		return &RateLimitError{Platform: models.PlatformMeta}
	})
	assert.True(t, IsRateLimit(err))
	assert.Equal(t, 3, calls)
}
