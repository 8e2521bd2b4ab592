package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/models"
	"github.com/BTreeMap/ShoraBot/internal/util"
	"github.com/lib/pq"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlBackend implements the entity repositories for both SQL backends.
// Queries are written with ? placeholders and rebound for Postgres.
type sqlBackend struct {
	db      *sql.DB
	dialect dialect
	name    string
}

func (b *sqlBackend) rebind(query string) string {
	if b.dialect != dialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *sqlBackend) exec(query string, args ...any) (sql.Result, error) {
	return b.db.Exec(b.rebind(query), args...)
}

func (b *sqlBackend) query(query string, args ...any) (*sql.Rows, error) {
	return b.db.Query(b.rebind(query), args...)
}

func (b *sqlBackend) queryRow(query string, args ...any) *sql.Row {
	return b.db.QueryRow(b.rebind(query), args...)
}

// openBackend opens db, lets tune set pool limits, then pings and migrates.
func openBackend(name, driver, dsn, migrations string, d dialect, tune func(*sql.DB)) (*sqlBackend, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: open: %w", name, err)
	}
	if tune != nil {
		tune(db)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: ping: %w", name, err)
	}
	if _, err := db.Exec(migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: migrate: %w", name, err)
	}
	slog.Debug(name+".open: schema ready", "driver", driver)
	return &sqlBackend{db: db, dialect: d, name: name}, nil
}

// Close closes the database connection.
func (b *sqlBackend) Close() error {
	slog.Debug(b.name + ".Close: closing database")
	return b.db.Close()
}

const userColumns = `id, phone, name, profession, site_type, language, modality, state, onboarding_step,
	validated, active, points, presence_confirmed, pending_quiz_id, last_interaction, created_at, updated_at`

func (b *sqlBackend) GetUser(id string) (*models.UserProfile, error) {
	return b.getUserWhere("id = ?", id)
}

func (b *sqlBackend) GetUserByPhone(phone string) (*models.UserProfile, error) {
	return b.getUserWhere("phone = ?", phone)
}

func (b *sqlBackend) getUserWhere(cond string, arg any) (*models.UserProfile, error) {
	row := b.queryRow(`SELECT `+userColumns+` FROM users WHERE `+cond, arg)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user failed: %w", err)
	}
	return u, nil
}

func (b *sqlBackend) SaveUser(u *models.UserProfile) error {
	if u.ID == "" {
		u.ID = util.NewID(util.PrefixUser)
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	_, err := b.exec(`INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			phone = excluded.phone, name = excluded.name, profession = excluded.profession,
			site_type = excluded.site_type, language = excluded.language, modality = excluded.modality,
			state = excluded.state, onboarding_step = excluded.onboarding_step, validated = excluded.validated,
			active = excluded.active, points = excluded.points, presence_confirmed = excluded.presence_confirmed,
			pending_quiz_id = excluded.pending_quiz_id, last_interaction = excluded.last_interaction,
			updated_at = excluded.updated_at`,
		u.ID, u.Phone, u.Name, u.Profession, u.SiteType, string(u.Language), string(u.Modality), string(u.State),
		u.OnboardingStep, u.Validated, u.Active, u.Points, u.PresenceConfirmed, u.PendingQuizID,
		u.LastInteraction.UTC(), u.CreatedAt.UTC(), u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save user %s failed: %w", u.Phone, err)
	}
	return nil
}

func (b *sqlBackend) ListUsers(f models.UserFilter) ([]models.UserProfile, error) {
	var where []string
	var args []any
	if f.ActiveOnly {
		where = append(where, "active = ?")
		args = append(args, true)
	}
	if f.ValidatedOnly {
		where = append(where, "validated = ?")
		args = append(args, true)
	}
	if f.PresenceConfirmedOnly {
		where = append(where, "presence_confirmed = ?")
		args = append(args, true)
	}
	if len(f.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(f.States))+")")
		for _, s := range f.States {
			args = append(args, string(s))
		}
	}
	if len(f.Professions) > 0 {
		if b.dialect == dialectPostgres {
			where = append(where, "profession = ANY(?)")
			args = append(args, pq.Array(f.Professions))
		} else {
			where = append(where, "profession IN ("+placeholders(len(f.Professions))+")")
			for _, p := range f.Professions {
				args = append(args, p)
			}
		}
	}
	if f.Language != "" {
		where = append(where, "language = ?")
		args = append(args, string(f.Language))
	}
	if !f.LastInteractionBefore.IsZero() {
		where = append(where, "last_interaction < ?")
		args = append(args, f.LastInteractionBefore.UTC())
	}
	q := `SELECT ` + userColumns + ` FROM users`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"

	rows, err := b.query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list users failed: %w", err)
	}
	defer rows.Close()
	var out []models.UserProfile
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user failed: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (b *sqlBackend) CountUsersByState() (map[models.ConversationState]int, error) {
	rows, err := b.query(`SELECT state, COUNT(*) FROM users GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count users failed: %w", err)
	}
	defer rows.Close()
	counts := make(map[models.ConversationState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan user count failed: %w", err)
		}
		counts[models.ConversationState(state)] = n
	}
	return counts, rows.Err()
}

func (b *sqlBackend) TouchUser(id string, at time.Time) error {
	res, err := b.exec(`UPDATE users SET last_interaction = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch user failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *sqlBackend) DeactivateInactiveUsers(before time.Time) (int, error) {
	res, err := b.exec(
		`UPDATE users SET active = ?, state = ?, updated_at = ? WHERE active = ? AND last_interaction < ?`,
		false, string(models.StateInactive), time.Now().UTC(), true, before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("deactivate users failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (b *sqlBackend) AppendInteraction(i models.Interaction) error {
	if i.ID == "" {
		i.ID = util.NewID(util.PrefixInteraction)
	}
	var correct any
	if i.IsCorrect != nil {
		correct = *i.IsCorrect
	}
	_, err := b.exec(
		`INSERT INTO interactions (id, user_id, type, content, is_correct, points_earned, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.UserID, string(i.Type), i.Content, correct, i.PointsEarned, i.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append interaction failed: %w", err)
	}
	return nil
}

func (b *sqlBackend) ListInteractions(userID string) ([]models.Interaction, error) {
	rows, err := b.query(
		`SELECT id, user_id, type, content, is_correct, points_earned, timestamp FROM interactions WHERE user_id = ? ORDER BY timestamp, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list interactions failed: %w", err)
	}
	defer rows.Close()
	var out []models.Interaction
	for rows.Next() {
		var i models.Interaction
		var typ string
		var correct sql.NullBool
		if err := rows.Scan(&i.ID, &i.UserID, &typ, &i.Content, &correct, &i.PointsEarned, &i.Timestamp); err != nil {
			return nil, fmt.Errorf("scan interaction failed: %w", err)
		}
		i.Type = models.InteractionType(typ)
		if correct.Valid {
			v := correct.Bool
			i.IsCorrect = &v
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (b *sqlBackend) CountInteractionsByType(userID string) (map[models.InteractionType]int, error) {
	rows, err := b.query(`SELECT type, COUNT(*) FROM interactions WHERE user_id = ? GROUP BY type`, userID)
	if err != nil {
		return nil, fmt.Errorf("count interactions failed: %w", err)
	}
	defer rows.Close()
	counts := make(map[models.InteractionType]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scan interaction count failed: %w", err)
		}
		counts[models.InteractionType(typ)] = n
	}
	return counts, rows.Err()
}

const incidentColumns = `id, user_id, type, description, media_ref, media_type, location, severity, status, notified, reported_at`

func (b *sqlBackend) CreateIncident(i *models.Incident) error {
	if i.ID == "" {
		i.ID = util.NewID(util.PrefixIncident)
	}
	_, err := b.exec(`INSERT INTO incidents (`+incidentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, nilIfEmpty(i.UserID), i.Type, i.Description, i.MediaRef, string(i.MediaType), i.Location,
		string(i.Severity), string(i.Status), i.Notified, i.ReportedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create incident failed: %w", err)
	}
	return nil
}

func (b *sqlBackend) GetIncident(id string) (*models.Incident, error) {
	row := b.queryRow(`SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id)
	i, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get incident failed: %w", err)
	}
	return i, nil
}

func (b *sqlBackend) MarkIncidentNotified(id string) error {
	res, err := b.exec(`UPDATE incidents SET notified = ? WHERE id = ?`, true, id)
	if err != nil {
		return fmt.Errorf("mark incident notified failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *sqlBackend) ListUnnotifiedIncidents(limit int) ([]models.Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	return b.listIncidents(`notified = ? ORDER BY reported_at LIMIT ?`, false, limit)
}

func (b *sqlBackend) ListUnresolvedIncidents(reportedBefore time.Time) ([]models.Incident, error) {
	return b.listIncidents(`status IN (?, ?) AND reported_at < ? ORDER BY reported_at`,
		string(models.IncidentOpen), string(models.IncidentInProgress), reportedBefore.UTC())
}

func (b *sqlBackend) listIncidents(cond string, args ...any) ([]models.Incident, error) {
	rows, err := b.query(`SELECT `+incidentColumns+` FROM incidents WHERE `+cond, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents failed: %w", err)
	}
	defer rows.Close()
	var out []models.Incident
	for rows.Next() {
		i, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident failed: %w", err)
		}
		out = append(out, *i)
	}
	return out, rows.Err()
}

const broadcastColumns = `id, subject, message, language, target_professions, target_language, send_as_audio,
	scheduled_time, status, total_recipients, success_count, error_count, sent_at, created_at, updated_at`

func (b *sqlBackend) CreateBroadcast(j *models.BroadcastJob) error {
	if j.ID == "" {
		j.ID = util.NewID(util.PrefixBroadcast)
	}
	if j.Status == "" {
		j.Status = models.BroadcastPending
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	professions, err := json.Marshal(j.TargetProfessions)
	if err != nil {
		return fmt.Errorf("marshal target professions: %w", err)
	}
	_, err = b.exec(`INSERT INTO broadcasts (`+broadcastColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Subject, j.Message, string(j.Language), string(professions), string(j.TargetLanguage), j.SendAsAudio,
		utcPtr(j.ScheduledTime), string(j.Status), j.TotalRecipients, j.SuccessCount, j.ErrorCount,
		utcPtr(j.SentAt), j.CreatedAt.UTC(), j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create broadcast failed: %w", err)
	}
	return nil
}

func (b *sqlBackend) GetBroadcast(id string) (*models.BroadcastJob, error) {
	row := b.queryRow(`SELECT `+broadcastColumns+` FROM broadcasts WHERE id = ?`, id)
	j, err := scanBroadcast(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get broadcast failed: %w", err)
	}
	return j, nil
}

func (b *sqlBackend) ListDueBroadcasts(now time.Time, limit int) ([]models.BroadcastJob, error) {
	if limit <= 0 {
		limit = 50
	}
	return b.listBroadcasts(
		`status = ? AND (scheduled_time IS NULL OR scheduled_time <= ?) ORDER BY COALESCE(scheduled_time, created_at) LIMIT ?`,
		string(models.BroadcastPending), now.UTC(), limit,
	)
}

func (b *sqlBackend) ListStaleSendingBroadcasts(updatedBefore time.Time) ([]models.BroadcastJob, error) {
	return b.listBroadcasts(`status = ? AND updated_at < ?`, string(models.BroadcastSending), updatedBefore.UTC())
}

func (b *sqlBackend) listBroadcasts(cond string, args ...any) ([]models.BroadcastJob, error) {
	rows, err := b.query(`SELECT `+broadcastColumns+` FROM broadcasts WHERE `+cond, args...)
	if err != nil {
		return nil, fmt.Errorf("list broadcasts failed: %w", err)
	}
	defer rows.Close()
	var out []models.BroadcastJob
	for rows.Next() {
		j, err := scanBroadcast(rows)
		if err != nil {
			return nil, fmt.Errorf("scan broadcast failed: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ClaimBroadcast is a single conditional UPDATE; whichever poller's
// statement affects the row owns the job.
func (b *sqlBackend) ClaimBroadcast(id string) (bool, error) {
	res, err := b.exec(`UPDATE broadcasts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(models.BroadcastSending), time.Now().UTC(), id, string(models.BroadcastPending))
	if err != nil {
		return false, fmt.Errorf("claim broadcast failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim broadcast rows affected: %w", err)
	}
	return n == 1, nil
}

func (b *sqlBackend) UpdateBroadcastProgress(id string, total, success, errCount int) error {
	res, err := b.exec(
		`UPDATE broadcasts SET total_recipients = ?, success_count = ?, error_count = ?, updated_at = ? WHERE id = ? AND status = ?`,
		total, success, errCount, time.Now().UTC(), id, string(models.BroadcastSending),
	)
	if err != nil {
		return fmt.Errorf("update broadcast progress failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (b *sqlBackend) FinishBroadcast(id string, from models.BroadcastStatus, r BroadcastResult) (bool, error) {
	if from.IsTerminal() || !r.Status.IsTerminal() {
		return false, nil
	}
	res, err := b.exec(
		`UPDATE broadcasts SET status = ?, total_recipients = ?, success_count = ?, error_count = ?, sent_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(r.Status), r.TotalRecipients, r.SuccessCount, r.ErrorCount, r.SentAt.UTC(), time.Now().UTC(),
		id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("finish broadcast failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish broadcast rows affected: %w", err)
	}
	return n == 1, nil
}

func (b *sqlBackend) AddTip(t *models.Tip) error {
	if t.ID == "" {
		t.ID = util.NewID(util.PrefixTip)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	content, err := json.Marshal(t.Content)
	if err != nil {
		return fmt.Errorf("marshal tip content: %w", err)
	}
	professions, err := json.Marshal(t.Professions)
	if err != nil {
		return fmt.Errorf("marshal tip professions: %w", err)
	}
	_, err = b.exec(`INSERT INTO tips (id, title, content, category, professions, active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, string(content), t.Category, string(professions), t.Active, t.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("add tip failed: %w", err)
	}
	return nil
}

func (b *sqlBackend) ListActiveTips() ([]models.Tip, error) {
	rows, err := b.query(`SELECT id, title, content, category, professions, active, created_at FROM tips WHERE active = ? ORDER BY created_at, id`, true)
	if err != nil {
		return nil, fmt.Errorf("list tips failed: %w", err)
	}
	defer rows.Close()
	var out []models.Tip
	for rows.Next() {
		var t models.Tip
		var content, professions string
		if err := rows.Scan(&t.ID, &t.Title, &content, &t.Category, &professions, &t.Active, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tip failed: %w", err)
		}
		if err := json.Unmarshal([]byte(content), &t.Content); err != nil {
			return nil, fmt.Errorf("decode tip %s content: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(professions), &t.Professions); err != nil {
			return nil, fmt.Errorf("decode tip %s professions: %w", t.ID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (b *sqlBackend) CountTips() (int, error) {
	var n int
	if err := b.queryRow(`SELECT COUNT(*) FROM tips`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tips failed: %w", err)
	}
	return n, nil
}

func (b *sqlBackend) RecordInbound(messageID, sender string) (bool, error) {
	res, err := b.exec(
		`INSERT INTO inbound_dedup (message_id, sender, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`,
		messageID, sender, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (b *sqlBackend) MarkProcessed(messageID string) error {
	_, err := b.exec(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (b *sqlBackend) PruneInbound(receivedBefore time.Time) (int, error) {
	res, err := b.exec(`DELETE FROM inbound_dedup WHERE received_at < ?`, receivedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune inbound failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
