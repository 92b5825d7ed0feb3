package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/staylytics/funnel-core/internal/models"
	"github.com/staylytics/funnel-core/internal/period"
)

// PostgresSummaryStore implements SummaryStore on PostgreSQL. The unique
// index on (client_id, platform, summary_type, summary_date) is the
// composite-key invariant; ON CONFLICT against it makes the upsert
// idempotent.
type PostgresSummaryStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresSummaryStore creates a summary store over the given pool.
func NewPostgresSummaryStore(pool *pgxpool.Pool) *PostgresSummaryStore {
	return &PostgresSummaryStore{pool: pool, now: time.Now}
}

func (s *PostgresSummaryStore) Upsert(ctx context.Context, sum *models.PeriodSummary) error {
	if err := sum.Validate(s.now()); err != nil {
		return err
	}

	campaignData, err := json.Marshal(sum.Campaigns)
	if err != nil {
		return fmt.Errorf("marshal campaign data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO period_summaries (
			client_id, platform, summary_type, summary_date,
			total_spend, total_impressions, total_clicks,
			click_to_call, booking_step_1, booking_step_2, booking_step_3,
			reservations, reservation_value, campaign_data, data_source, last_updated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (client_id, platform, summary_type, summary_date) DO UPDATE SET
			total_spend = EXCLUDED.total_spend,
			total_impressions = EXCLUDED.total_impressions,
			total_clicks = EXCLUDED.total_clicks,
			click_to_call = EXCLUDED.click_to_call,
			booking_step_1 = EXCLUDED.booking_step_1,
			booking_step_2 = EXCLUDED.booking_step_2,
			booking_step_3 = EXCLUDED.booking_step_3,
			reservations = EXCLUDED.reservations,
			reservation_value = EXCLUDED.reservation_value,
			campaign_data = EXCLUDED.campaign_data,
			data_source = EXCLUDED.data_source,
			last_updated = EXCLUDED.last_updated
	`,
		sum.ClientID, string(sum.Platform), string(sum.SummaryType), sum.SummaryDate,
		sum.TotalSpend, sum.TotalImpressions, sum.TotalClicks,
		sum.Funnel.ClickToCall, sum.Funnel.BookingStep1, sum.Funnel.BookingStep2, sum.Funnel.BookingStep3,
		sum.Funnel.Reservations, sum.Funnel.ReservationValue, campaignData, sum.DataSource, sum.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("upsert period summary: %w", err)
	}
	return nil
}

func (s *PostgresSummaryStore) Get(ctx context.Context, clientID string, platform models.Platform, g period.Granularity, date time.Time) (*models.PeriodSummary, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT client_id, platform, summary_type, summary_date,
			   total_spend, total_impressions, total_clicks,
			   click_to_call, booking_step_1, booking_step_2, booking_step_3,
			   reservations, reservation_value, campaign_data, data_source, last_updated
		FROM period_summaries
		WHERE client_id = $1 AND platform = $2 AND summary_type = $3 AND summary_date = $4
	`, clientID, string(platform), string(g), date)

	sum, err := scanSummary(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get period summary: %w", err)
	}
	return sum, nil
}

func (s *PostgresSummaryStore) ListDates(ctx context.Context, clientID string, platform models.Platform, g period.Granularity) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT summary_date FROM period_summaries
		WHERE client_id = $1 AND platform = $2 AND summary_type = $3
		ORDER BY summary_date
	`, clientID, string(platform), string(g))
	if err != nil {
		return nil, fmt.Errorf("list summary dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, d.UTC())
	}
	return dates, rows.Err()
}

// DeleteOutside deletes by explicit keep-list, never by relative age
// arithmetic, so a boundary row can only survive, not vanish.
func (s *PostgresSummaryStore) DeleteOutside(ctx context.Context, g period.Granularity, keep []time.Time) (int64, error) {
	if len(keep) == 0 {
		return 0, fmt.Errorf("refusing retention sweep with an empty keep list")
	}

	keepDates := make([]string, len(keep))
	for i, d := range keep {
		keepDates[i] = d.Format("2006-01-02")
	}

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM period_summaries
		WHERE summary_type = $1 AND summary_date <> ALL ($2::date[])
	`, string(g), keepDates)
	if err != nil {
		return 0, fmt.Errorf("retention delete: %w", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (*models.PeriodSummary, error) {
	var sum models.PeriodSummary
	var platform, summaryType string
	var campaignData []byte

	err := row.Scan(
		&sum.ClientID, &platform, &summaryType, &sum.SummaryDate,
		&sum.TotalSpend, &sum.TotalImpressions, &sum.TotalClicks,
		&sum.Funnel.ClickToCall, &sum.Funnel.BookingStep1, &sum.Funnel.BookingStep2, &sum.Funnel.BookingStep3,
		&sum.Funnel.Reservations, &sum.Funnel.ReservationValue, &campaignData, &sum.DataSource, &sum.LastUpdated,
	)
	if err != nil {
		return nil, err
	}

	sum.Platform = models.Platform(platform)
	sum.SummaryType = period.Granularity(summaryType)
	sum.SummaryDate = sum.SummaryDate.UTC()
	if len(campaignData) > 0 {
		if err := json.Unmarshal(campaignData, &sum.Campaigns); err != nil {
			return nil, fmt.Errorf("parse campaign data: %w", err)
		}
	}
	sum.Funnel.Derive(sum.TotalSpend)
	return &sum, nil
}

// PostgresClientRepo implements ClientRepo on PostgreSQL.
type PostgresClientRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresClientRepo creates a client repo over the given pool.
func NewPostgresClientRepo(pool *pgxpool.Pool) *PostgresClientRepo {
	return &PostgresClientRepo{pool: pool}
}

func (r *PostgresClientRepo) ListAll(ctx context.Context) ([]*models.Client, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, meta_credentials, google_credentials, health, created_at, updated_at
		FROM clients ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var clients []*models.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (r *PostgresClientRepo) GetByID(ctx context.Context, id string) (*models.Client, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, meta_credentials, google_credentials, health, created_at, updated_at
		FROM clients WHERE id = $1
	`, id)

	c, err := scanClient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return c, nil
}

func (r *PostgresClientRepo) SetHealth(ctx context.Context, id string, health models.ClientHealth) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE clients SET health = $2, updated_at = now() WHERE id = $1
	`, id, string(health))
	if err != nil {
		return fmt.Errorf("set client health: %w", err)
	}
	return nil
}

func scanClient(row rowScanner) (*models.Client, error) {
	var c models.Client
	var health string
	var metaJSON, googleJSON []byte

	if err := row.Scan(&c.ID, &c.Name, &metaJSON, &googleJSON, &health, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Health = models.ClientHealth(health)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &c.Meta); err != nil {
			return nil, fmt.Errorf("parse meta credentials: %w", err)
		}
	}
	if len(googleJSON) > 0 {
		if err := json.Unmarshal(googleJSON, &c.Google); err != nil {
			return nil, fmt.Errorf("parse google credentials: %w", err)
		}
	}
	return &c, nil
}
