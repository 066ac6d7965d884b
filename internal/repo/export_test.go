package repo

import "context"

func (r *SQLRepo) Exec(ctx context.Context, query string) error {
	_, err := r.db.ExecContext(ctx, query)
	return err
}
