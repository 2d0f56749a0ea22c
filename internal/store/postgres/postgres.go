package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"confreg/backend/internal/domain"
	"confreg/backend/internal/store"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an already opened handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates any missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// WithTx runs fn in a serializable transaction. Serialization failures and
// lost unique races surface as store.ErrConflict.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(&tx{q: pgTx}); err != nil {
		return mapError(err)
	}
	return mapError(pgTx.Commit())
}

func (s *Store) ImportCatalog(ctx context.Context, catalog domain.Catalog) error {
	if err := catalog.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	for _, c := range catalog.Categories {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO categories (id, name, description, limit_per_user, required, display_order, render_type)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name, description = EXCLUDED.description,
				limit_per_user = EXCLUDED.limit_per_user, required = EXCLUDED.required,
				display_order = EXCLUDED.display_order, render_type = EXCLUDED.render_type
		`, c.ID, c.Name, c.Description, nullInt(c.LimitPerUser), c.Required, c.Order, c.RenderType)
		if err != nil {
			return mapError(err)
		}
	}

	for _, p := range catalog.Products {
		data, err := nullJSON(p.AdditionalData)
		if err != nil {
			return err
		}
		var slotStart, slotEnd any
		if p.Slot != nil {
			slotStart, slotEnd = p.Slot.Start, p.Slot.End
		}
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO products (
				id, category_id, name, description, price_cents, limit_per_user, pay_what_you_want,
				reservation_minutes, display_order, slot_start, slot_end, is_donation, additional_data
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (id) DO UPDATE SET
				category_id = EXCLUDED.category_id, name = EXCLUDED.name, description = EXCLUDED.description,
				price_cents = EXCLUDED.price_cents, limit_per_user = EXCLUDED.limit_per_user,
				pay_what_you_want = EXCLUDED.pay_what_you_want, reservation_minutes = EXCLUDED.reservation_minutes,
				display_order = EXCLUDED.display_order, slot_start = EXCLUDED.slot_start, slot_end = EXCLUDED.slot_end,
				is_donation = EXCLUDED.is_donation, additional_data = EXCLUDED.additional_data
		`, p.ID, p.CategoryID, p.Name, p.Description, p.PriceCents, nullInt(p.LimitPerUser), p.PayWhatYouWant,
			p.ReservationMinutes, p.Order, slotStart, slotEnd, p.IsDonation, data)
		if err != nil {
			return mapError(err)
		}
	}

	for _, v := range catalog.Vouchers {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO vouchers (id, code, recipient, usage_limit)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (id) DO UPDATE SET code = EXCLUDED.code, recipient = EXCLUDED.recipient, usage_limit = EXCLUDED.usage_limit
		`, v.ID, domain.NormalizeVoucherCode(v.Code), v.Recipient, v.Limit)
		if err != nil {
			return mapError(err)
		}
	}

	if _, err := pgTx.ExecContext(ctx, `DELETE FROM discounts`); err != nil {
		return err
	}
	for i, d := range catalog.Discounts {
		condition, err := json.Marshal(d.Condition)
		if err != nil {
			return err
		}
		productClauses, err := json.Marshal(nonNil(d.ProductClauses))
		if err != nil {
			return err
		}
		categoryClauses, err := json.Marshal(nonNil(d.CategoryClauses))
		if err != nil {
			return err
		}
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO discounts (id, position, description, condition, product_clauses, category_clauses)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, d.ID, i, d.Description, string(condition), string(productClauses), string(categoryClauses))
		if err != nil {
			return mapError(err)
		}
	}

	if _, err := pgTx.ExecContext(ctx, `DELETE FROM flags`); err != nil {
		return err
	}
	for i, f := range catalog.Flags {
		condition, err := json.Marshal(f.Condition)
		if err != nil {
			return err
		}
		productIDs, err := json.Marshal(nonNil(f.ProductIDs))
		if err != nil {
			return err
		}
		categoryIDs, err := json.Marshal(nonNil(f.CategoryIDs))
		if err != nil {
			return err
		}
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO flags (id, position, description, mode, condition, product_ids, category_ids)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, f.ID, i, f.Description, string(f.Mode), string(condition), string(productIDs), string(categoryIDs))
		if err != nil {
			return mapError(err)
		}
	}

	return mapError(pgTx.Commit())
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, username, user.Password, user.Role, user.Active, user.CreatedAt)
	return mapError(err)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.CreatedAt = u.CreatedAt.UTC()
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2 WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username)), password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// mapError translates constraint and serialization failures into the store
// sentinels the service layer understands.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505", "40001", "40P01":
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
	case "23503":
		return fmt.Errorf("%w: %s", store.ErrNotFound, pgErr.Message)
	case "23514":
		return fmt.Errorf("%w: %s", store.ErrInvalidInput, pgErr.Message)
	}
	return err
}

func nullInt(val *int) any {
	if val == nil {
		return nil
	}
	return int64(*val)
}

func intPtr(val sql.NullInt64) *int {
	if !val.Valid {
		return nil
	}
	n := int(val.Int64)
	return &n
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullJSON(val map[string]any) (any, error) {
	if len(val) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nonNil[T any](val []T) []T {
	if val == nil {
		return []T{}
	}
	return val
}

func statusStrings[T ~string](statuses []T) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
