package backup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
)

// Retention is the number of daily, weekly and monthly backups to keep.
type Retention struct {
	Daily   int
	Weekly  int
	Monthly int
}

// DefaultRetention keeps 7 daily, 4 weekly and 3 monthly backups.
func DefaultRetention() Retention {
	return Retention{Daily: 7, Weekly: 4, Monthly: 3}
}

// ApplyRetention prunes completed database backups that fall outside the
// retention window of their project and database. Failures on a single
// backup are logged and skipped.
func (s Service) ApplyRetention(ctx context.Context) (int, error) {
	backups, err := s.backups.ListBackupsByStatus(ctx, domain.BackupKindDatabase, domain.BackupCompleted)
	if err != nil {
		return 0, fmt.Errorf("list backups: %w", err)
	}
	groups := make(map[string][]domain.Backup)
	for _, b := range backups {
		key := b.ProjectID + "/" + b.DatabaseName
		groups[key] = append(groups[key], b)
	}

	now := s.now()
	deleted := 0
	for key, group := range groups {
		keep := s.retention.Keep(group, now)
		pruned := 0
		for i := range group {
			b := group[i]
			if _, ok := keep[b.ID]; ok {
				continue
			}
			if err := s.remove(ctx, &b); err != nil {
				s.logger.Error("failed to prune backup", "backup_id", b.ID, "error", err)
				continue
			}
			pruned++
		}
		deleted += pruned
		if pruned > 0 {
			s.logger.Info("old backups pruned", "group", key, "pruned", pruned, "kept", len(keep))
		}
	}
	return deleted, nil
}

// Keep selects the ids to retain from backups of one database: the newest
// Daily from the last 30 days, the newest per ISO week from the last 12
// weeks up to Weekly, and the newest per calendar month up to Monthly.
func (r Retention) Keep(backups []domain.Backup, now time.Time) map[string]struct{} {
	sorted := append([]domain.Backup(nil), backups...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	keep := make(map[string]struct{})
	taken := 0
	dailyCutoff := now.AddDate(0, 0, -30)
	for _, b := range sorted {
		if taken >= r.Daily {
			break
		}
		if b.CreatedAt.After(dailyCutoff) {
			keep[b.ID] = struct{}{}
			taken++
		}
	}

	weeklyCutoff := now.AddDate(0, 0, -12*7)
	for _, b := range newestPerBucket(sorted, r.Weekly, func(b domain.Backup) (string, bool) {
		if !b.CreatedAt.After(weeklyCutoff) {
			return "", false
		}
		year, week := b.CreatedAt.ISOWeek()
		return fmt.Sprintf("%d-%02d", year, week), true
	}) {
		keep[b.ID] = struct{}{}
	}

	for _, b := range newestPerBucket(sorted, r.Monthly, func(b domain.Backup) (string, bool) {
		return b.CreatedAt.Format("2006-01"), true
	}) {
		keep[b.ID] = struct{}{}
	}
	return keep
}

// newestPerBucket walks backups newest first and returns the first backup
// of each bucket, up to limit buckets.
func newestPerBucket(sorted []domain.Backup, limit int, bucket func(domain.Backup) (string, bool)) []domain.Backup {
	seen := make(map[string]struct{})
	var out []domain.Backup
	for _, b := range sorted {
		if len(out) >= limit {
			break
		}
		key, ok := bucket(b)
		if !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, b)
	}
	return out
}
