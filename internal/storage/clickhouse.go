package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/staylytics/funnel-core/internal/models"
)

// ClickHouseKPIStore implements DailyKPIStore on ClickHouse. The table is
// a ReplacingMergeTree ordered by (client_id, platform, date), so
// re-inserting a day's row replaces it on merge; reads use FINAL to see
// the latest version regardless of merge state.
type ClickHouseKPIStore struct {
	conn driver.Conn
}

// NewClickHouseKPIStore creates a KPI store over the given connection.
func NewClickHouseKPIStore(conn driver.Conn) *ClickHouseKPIStore {
	return &ClickHouseKPIStore{conn: conn}
}

func (s *ClickHouseKPIStore) Upsert(ctx context.Context, rows []models.DailyKPIRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO daily_kpi (
			client_id, platform, date,
			total_spend, total_impressions, total_clicks,
			click_to_call, reservations, reservation_value, inserted_at
		)`)
	if err != nil {
		return fmt.Errorf("prepare kpi batch: %w", err)
	}

	now := time.Now().UTC()
	for _, r := range rows {
		if err := batch.Append(
			r.ClientID, string(r.Platform), r.Date,
			r.TotalSpend, r.TotalImpressions, r.TotalClicks,
			r.ClickToCall, r.Reservations, r.ReservationValue, now,
		); err != nil {
			return fmt.Errorf("append kpi row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send kpi batch: %w", err)
	}
	return nil
}

func (s *ClickHouseKPIStore) Range(ctx context.Context, clientID string, platform models.Platform, from, to time.Time) ([]models.DailyKPIRow, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT client_id, platform, date,
			   total_spend, total_impressions, total_clicks,
			   click_to_call, reservations, reservation_value
		FROM daily_kpi FINAL
		WHERE client_id = ? AND platform = ? AND date >= ? AND date <= ?
		ORDER BY date
	`, clientID, string(platform), from, to)
	if err != nil {
		return nil, fmt.Errorf("query daily kpi: %w", err)
	}
	defer rows.Close()

	var out []models.DailyKPIRow
	for rows.Next() {
		var r models.DailyKPIRow
		var p string
		if err := rows.Scan(
			&r.ClientID, &p, &r.Date,
			&r.TotalSpend, &r.TotalImpressions, &r.TotalClicks,
			&r.ClickToCall, &r.Reservations, &r.ReservationValue,
		); err != nil {
			return nil, err
		}
		r.Platform = models.Platform(p)
		r.Date = r.Date.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteOutside issues a lightweight delete for every date not on the
// keep list. Like the summary store it refuses an empty keep list.
func (s *ClickHouseKPIStore) DeleteOutside(ctx context.Context, keep []time.Time) (int64, error) {
	if len(keep) == 0 {
		return 0, fmt.Errorf("refusing KPI retention sweep with an empty keep list")
	}

	keepDates := make([]time.Time, len(keep))
	copy(keepDates, keep)

	var before uint64
	if err := s.conn.QueryRow(ctx, `SELECT count() FROM daily_kpi FINAL WHERE date NOT IN (?)`, keepDates).Scan(&before); err != nil {
		return 0, fmt.Errorf("count kpi rows: %w", err)
	}
	if before == 0 {
		return 0, nil
	}

	if err := s.conn.Exec(ctx, `DELETE FROM daily_kpi WHERE date NOT IN (?)`, keepDates); err != nil {
		return 0, fmt.Errorf("kpi retention delete: %w", err)
	}
	return int64(before), nil
}
