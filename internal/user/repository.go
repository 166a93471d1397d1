package user

import (
	"context"
	"database/sql"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetProfiles loads many profiles in one round trip. Unknown ids are absent
// from the result.
func (r *Repository) GetProfiles(ctx context.Context, ids []string) (map[string]Profile, error) {
	out := make(map[string]Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := "SELECT id, username, full_name, COALESCE(avatar_url, '') FROM users WHERE id = ANY($1)"
	profiles, err := r.queryProfiles(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		out[p.ID] = p
	}
	return out, nil
}

// SearchUsers matches username or full name, excluding the caller.
func (r *Repository) SearchUsers(ctx context.Context, term, excludeID string) ([]Profile, error) {
	// We limit to 10 to keep it fast
	q := `
		SELECT id, username, full_name, COALESCE(avatar_url, '')
		FROM users
		WHERE (username ILIKE $1 OR full_name ILIKE $1) AND id <> $2
		ORDER BY username
		LIMIT 10`
	return r.queryProfiles(ctx, q, "%"+term+"%", excludeID)
}

func (r *Repository) queryProfiles(ctx context.Context, query string, args ...any) ([]Profile, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	profiles := []Profile{}
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.Username, &p.FullName, &p.AvatarURL); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}
