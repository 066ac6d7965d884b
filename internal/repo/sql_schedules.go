package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/LeventeLantos/medication-reminders/internal/model"
)

type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

func (d Dialect) String() string {
	if d == DialectSQLite {
		return "sqlite"
	}
	return "postgres"
}

// timestamps are stored as fixed-width UTC text on sqlite so that they sort
// lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// SQLRepo implements ScheduleRepository over database/sql. Queries are
// written with $N placeholders and rebound to ?N for sqlite.
type SQLRepo struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
	closers []func() error
}

var _ ScheduleRepository = (*SQLRepo)(nil)

func NewSQLRepo(db *sql.DB, dialect Dialect) *SQLRepo {
	return &SQLRepo{db: db, dialect: dialect, now: time.Now}
}

func (r *SQLRepo) Dialect() Dialect { return r.dialect }

// Close releases the database handle and anything opened alongside it.
func (r *SQLRepo) Close() error {
	var errs []error
	if r.db != nil {
		errs = append(errs, r.db.Close())
	}
	for _, c := range r.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func (r *SQLRepo) q(query string) string {
	if r.dialect == DialectSQLite {
		return placeholderRe.ReplaceAllString(query, "?$1")
	}
	return query
}

func (r *SQLRepo) ts(t time.Time) any {
	t = t.UTC()
	if r.dialect == DialectSQLite {
		return t.Format(sqliteTimeLayout)
	}
	return t
}

func (r *SQLRepo) CreateGroup(ctx context.Context, g model.ScheduleGroup) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("create group", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, r.q(`
		INSERT INTO schedule_groups (id, chat_id, created_at)
		VALUES ($1, $2, $3)
	`), g.ID, g.ChatID, r.ts(g.CreatedAt)); err != nil {
		return unavailable("create group", err)
	}

	for _, it := range g.Items {
		var lastFired any
		if it.LastFiredDate != nil {
			lastFired = it.LastFiredDate.String()
		}
		updatedAt := it.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = g.CreatedAt
		}
		if _, err := tx.ExecContext(ctx, r.q(`
			INSERT INTO schedule_items (
				id, group_id, chat_id, position, medicine, dosage, time_of_day,
				duration_days, last_fired_date, state, failure_count, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`),
			it.ID, g.ID, g.ChatID, it.Position, it.Medicine, it.Dosage, it.TimeOfDay.String(),
			it.DurationDays, lastFired, string(it.State), it.FailureCount, r.ts(updatedAt),
		); err != nil {
			return unavailable("create group", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("create group", err)
	}
	return nil
}

const groupItemColumns = `
	g.id, g.chat_id, g.created_at,
	i.id, i.position, i.medicine, i.dosage, i.time_of_day, i.duration_days,
	i.last_fired_date, i.state, i.state_reason, i.failure_count, i.last_error, i.updated_at`

func (r *SQLRepo) GetGroup(ctx context.Context, groupID string) (model.ScheduleGroup, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT `+groupItemColumns+`
		FROM schedule_groups g
		JOIN schedule_items i ON i.group_id = g.id
		WHERE g.id = $1
		ORDER BY i.position ASC
	`), groupID)
	if err != nil {
		return model.ScheduleGroup{}, unavailable("get group", err)
	}
	defer rows.Close()

	groups, err := collectGroups(rows)
	if err != nil {
		return model.ScheduleGroup{}, unavailable("get group", err)
	}
	if len(groups) == 0 {
		return model.ScheduleGroup{}, ErrNotFound
	}
	return groups[0], nil
}

func (r *SQLRepo) ListGroupsByChat(ctx context.Context, chatID string) ([]model.ScheduleGroup, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT `+groupItemColumns+`
		FROM schedule_groups g
		JOIN schedule_items i ON i.group_id = g.id
		WHERE g.chat_id = $1
		ORDER BY g.created_at DESC, g.id DESC, i.position ASC
	`), chatID)
	if err != nil {
		return nil, unavailable("list groups", err)
	}
	defer rows.Close()

	groups, err := collectGroups(rows)
	return groups, unavailable("list groups", err)
}

func (r *SQLRepo) ListActiveGroups(ctx context.Context) ([]model.ScheduleGroup, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT `+groupItemColumns+`
		FROM schedule_items i
		JOIN schedule_groups g ON g.id = i.group_id
		WHERE i.state = 'active'
		ORDER BY g.created_at ASC, g.id ASC, i.position ASC
	`))
	if err != nil {
		return nil, unavailable("list active", err)
	}
	defer rows.Close()

	groups, err := collectGroups(rows)
	return groups, unavailable("list active", err)
}

func (r *SQLRepo) CancelGroup(ctx context.Context, groupID, reason string) (int, error) {
	var one int
	err := r.db.QueryRowContext(ctx, r.q(`SELECT 1 FROM schedule_groups WHERE id = $1`), groupID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, unavailable("cancel group", err)
	}

	res, err := r.db.ExecContext(ctx, r.q(`
		UPDATE schedule_items
		SET state = 'cancelled', state_reason = $2, updated_at = $3
		WHERE group_id = $1 AND state = 'active'
	`), groupID, reason, r.ts(r.now()))
	if err != nil {
		return 0, unavailable("cancel group", err)
	}
	n, err := res.RowsAffected()
	return int(n), unavailable("cancel group", err)
}

func (r *SQLRepo) CancelItem(ctx context.Context, itemID, reason string) (bool, error) {
	return r.transition(ctx, "cancel item", itemID, model.Cancelled, reason)
}

func (r *SQLRepo) ExpireItem(ctx context.Context, itemID string) (bool, error) {
	return r.transition(ctx, "expire item", itemID, model.Expired, reasonExpired)
}

func (r *SQLRepo) transition(ctx context.Context, op, itemID string, to model.State, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.q(`
		UPDATE schedule_items
		SET state = $2, state_reason = $3, updated_at = $4
		WHERE id = $1 AND state = 'active'
	`), itemID, string(to), reason, r.ts(r.now()))
	if err != nil {
		return false, unavailable(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(op, err)
	}
	return n == 1, nil
}

func (r *SQLRepo) MarkFired(ctx context.Context, itemID string, date model.Date) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.q(`
		UPDATE schedule_items
		SET last_fired_date = $2, failure_count = 0, last_error = NULL, updated_at = $3
		WHERE id = $1 AND (last_fired_date IS NULL OR last_fired_date <> $2)
	`), itemID, date.String(), r.ts(r.now()))
	if err != nil {
		return false, unavailable("mark fired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("mark fired", err)
	}
	return n == 1, nil
}

func (r *SQLRepo) RecordFailure(ctx context.Context, itemID, reason string) error {
	_, err := r.db.ExecContext(ctx, r.q(`
		UPDATE schedule_items
		SET failure_count = failure_count + 1, last_error = $2, updated_at = $3
		WHERE id = $1
	`), itemID, reason, r.ts(r.now()))
	return unavailable("record failure", err)
}

func (r *SQLRepo) CountItemsByState(ctx context.Context) (map[model.State]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM schedule_items GROUP BY state`)
	if err != nil {
		return nil, unavailable("count items", err)
	}
	defer rows.Close()

	out := map[model.State]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, unavailable("count items", err)
		}
		out[model.State(state)] = n
	}
	return out, unavailable("count items", rows.Err())
}

// collectGroups folds joined group/item rows into groups, preserving the
// row order for both groups and items.
func collectGroups(rows *sql.Rows) ([]model.ScheduleGroup, error) {
	var out []model.ScheduleGroup
	for rows.Next() {
		var (
			g         model.ScheduleGroup
			it        model.ScheduleItem
			createdAt dbTime
			updatedAt dbTime
			tod       string
			state     string
			lastFired sql.NullString
			reason    sql.NullString
			lastErr   sql.NullString
		)
		if err := rows.Scan(
			&g.ID, &g.ChatID, &createdAt,
			&it.ID, &it.Position, &it.Medicine, &it.Dosage, &tod, &it.DurationDays,
			&lastFired, &state, &reason, &it.FailureCount, &lastErr, &updatedAt,
		); err != nil {
			return nil, err
		}

		parsed, err := model.ParseTimeOfDay(tod)
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", it.ID, err)
		}
		it.TimeOfDay = parsed
		it.GroupID = g.ID
		it.State = model.State(state)
		it.UpdatedAt = updatedAt.Time
		if lastFired.Valid {
			d, err := model.ParseDate(lastFired.String)
			if err != nil {
				return nil, fmt.Errorf("item %s: %w", it.ID, err)
			}
			it.LastFiredDate = &d
		}
		if reason.Valid {
			s := reason.String
			it.StateReason = &s
		}
		if lastErr.Valid {
			s := lastErr.String
			it.LastError = &s
		}

		if n := len(out); n == 0 || out[n-1].ID != g.ID {
			g.CreatedAt = createdAt.Time
			out = append(out, g)
		}
		last := &out[len(out)-1]
		last.Items = append(last.Items, it)
	}
	return out, rows.Err()
}

// dbTime scans timestamps from both native time values (postgres) and
// text columns (sqlite).
type dbTime struct{ time.Time }

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		t.Time = time.Time{}
		return nil
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (t *dbTime) parse(s string) error {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if v, err := time.Parse(layout, s); err == nil {
			t.Time = v
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}
