package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/attribution-cli/internal/db"
	"github.com/sells-group/attribution-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as fixed-width UTC text so they order lexically.
type SQLiteStore struct {
	db *sql.DB
}

const (
	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
	sqliteDateLayout = "2006-01-02"
)

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: conn}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS transactions (
	transaction_id   TEXT PRIMARY KEY,
	organization_id  TEXT NOT NULL,
	donor_email      TEXT NOT NULL DEFAULT '',
	donor_phone      TEXT NOT NULL DEFAULT '',
	amount           REAL NOT NULL DEFAULT 0,
	net_amount       REAL NOT NULL DEFAULT 0,
	transaction_date TEXT NOT NULL,
	transaction_type TEXT NOT NULL DEFAULT 'donation',
	refcode          TEXT NOT NULL DEFAULT '',
	refcode2         TEXT NOT NULL DEFAULT '',
	custom_refcode   TEXT NOT NULL DEFAULT '',
	click_id         TEXT NOT NULL DEFAULT '',
	source_campaign  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_transactions_org_date ON transactions(organization_id, transaction_date, transaction_id);

CREATE TABLE IF NOT EXISTS touchpoints (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id  TEXT NOT NULL,
	donor_email      TEXT NOT NULL DEFAULT '',
	donor_phone_hash TEXT NOT NULL DEFAULT '',
	touchpoint_type  TEXT NOT NULL,
	platform         TEXT NOT NULL DEFAULT '',
	campaign_id      TEXT NOT NULL DEFAULT '',
	campaign_name    TEXT NOT NULL DEFAULT '',
	ad_id            TEXT NOT NULL DEFAULT '',
	refcode          TEXT NOT NULL DEFAULT '',
	utm              TEXT NOT NULL DEFAULT '{}',
	occurred_at      TEXT NOT NULL,
	metadata         TEXT
);

CREATE INDEX IF NOT EXISTS idx_touchpoints_org_occurred ON touchpoints(organization_id, occurred_at);

CREATE TABLE IF NOT EXISTS refcode_mappings (
	organization_id    TEXT NOT NULL,
	refcode            TEXT NOT NULL,
	platform           TEXT NOT NULL DEFAULT '',
	campaign_id        TEXT NOT NULL DEFAULT '',
	campaign_name      TEXT NOT NULL DEFAULT '',
	ad_id              TEXT NOT NULL DEFAULT '',
	ad_name            TEXT NOT NULL DEFAULT '',
	utm                TEXT NOT NULL DEFAULT '{}',
	last_delivery_date TEXT,
	updated_at         TEXT NOT NULL,
	PRIMARY KEY (organization_id, refcode)
);

CREATE TABLE IF NOT EXISTS refcode_mapping_history (
	organization_id TEXT NOT NULL,
	refcode         TEXT NOT NULL,
	ad_id           TEXT NOT NULL,
	campaign_id     TEXT NOT NULL DEFAULT '',
	platform        TEXT NOT NULL DEFAULT '',
	first_seen      TEXT NOT NULL,
	last_seen       TEXT NOT NULL,
	is_active       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (organization_id, refcode, ad_id)
);

CREATE TABLE IF NOT EXISTS identity_links (
	organization_id TEXT NOT NULL,
	email_hash      TEXT NOT NULL,
	phone_hash      TEXT NOT NULL,
	donor_email     TEXT NOT NULL DEFAULT '',
	source          TEXT NOT NULL,
	confidence      REAL NOT NULL,
	first_seen      TEXT NOT NULL,
	last_seen       TEXT NOT NULL,
	PRIMARY KEY (organization_id, email_hash, phone_hash)
);

CREATE TABLE IF NOT EXISTS attribution_records (
	transaction_id       TEXT PRIMARY KEY,
	organization_id      TEXT NOT NULL,
	donor_email          TEXT NOT NULL DEFAULT '',
	first_touch_channel  TEXT NOT NULL DEFAULT '',
	first_touch_campaign TEXT NOT NULL DEFAULT '',
	first_touch_weight   REAL NOT NULL,
	last_touch_channel   TEXT NOT NULL DEFAULT '',
	last_touch_campaign  TEXT NOT NULL DEFAULT '',
	last_touch_weight    REAL NOT NULL,
	middle_touches       TEXT NOT NULL DEFAULT '[]',
	total_touchpoints    INTEGER NOT NULL,
	attribution_method   TEXT NOT NULL,
	confidence           REAL,
	calculated_at        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attribution_records_org_method ON attribution_records(organization_id, attribution_method);

CREATE TABLE IF NOT EXISTS campaigns (
	organization_id TEXT NOT NULL,
	platform        TEXT NOT NULL,
	campaign_id     TEXT NOT NULL,
	campaign_name   TEXT NOT NULL DEFAULT '',
	start_date      TEXT NOT NULL,
	end_date        TEXT NOT NULL,
	impressions     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (organization_id, platform, campaign_id)
);

CREATE TABLE IF NOT EXISTS ad_creatives (
	organization_id TEXT NOT NULL,
	platform        TEXT NOT NULL,
	ad_id           TEXT NOT NULL,
	ad_name         TEXT NOT NULL DEFAULT '',
	campaign_id     TEXT NOT NULL DEFAULT '',
	campaign_name   TEXT NOT NULL DEFAULT '',
	refcode         TEXT NOT NULL DEFAULT '',
	utm             TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (organization_id, platform, ad_id)
);

CREATE TABLE IF NOT EXISTS ad_daily_metrics (
	organization_id TEXT NOT NULL,
	ad_id           TEXT NOT NULL,
	metric_date     TEXT NOT NULL,
	impressions     INTEGER NOT NULL DEFAULT 0,
	spend           REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (organization_id, ad_id, metric_date)
);

CREATE TABLE IF NOT EXISTS run_log (
	id              TEXT PRIMARY KEY,
	job             TEXT NOT NULL,
	organization_id TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'running',
	started_at      TEXT NOT NULL,
	completed_at    TEXT,
	summary         TEXT,
	error           TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_run_log_started ON run_log(started_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Organizations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT organization_id FROM transactions ORDER BY organization_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list organizations")
	}
	defer rows.Close()

	var orgs []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan organization")
		}
		orgs = append(orgs, org)
	}
	return orgs, eris.Wrap(rows.Err(), "sqlite: list organizations iterate")
}

func (s *SQLiteStore) RefcodeMappings(ctx context.Context, orgID string) ([]model.RefcodeMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT organization_id, refcode, platform, campaign_id, campaign_name, ad_id, ad_name,
		        utm, last_delivery_date, updated_at
		 FROM refcode_mappings WHERE organization_id = ?`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query refcode mappings for %s", orgID)
	}
	defer rows.Close()

	var out []model.RefcodeMapping
	for rows.Next() {
		var m model.RefcodeMapping
		var utm, updated string
		var lastDelivery sql.NullString
		if err := rows.Scan(&m.OrgID, &m.Refcode, &m.Platform, &m.CampaignID, &m.CampaignName,
			&m.AdID, &m.AdName, &utm, &lastDelivery, &updated); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan refcode mapping")
		}
		if m.UTM, err = unmarshalUTM([]byte(utm)); err != nil {
			return nil, err
		}
		if m.LastDeliveryDate, err = parseNullTime(lastDelivery); err != nil {
			return nil, err
		}
		if m.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: refcode mappings iterate")
}

func (s *SQLiteStore) IdentityLinks(ctx context.Context, orgID string) ([]model.IdentityLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT organization_id, email_hash, phone_hash, donor_email, source, confidence, first_seen, last_seen
		 FROM identity_links WHERE organization_id = ?`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query identity links for %s", orgID)
	}
	defer rows.Close()

	var out []model.IdentityLink
	for rows.Next() {
		var l model.IdentityLink
		var first, last string
		if err := rows.Scan(&l.OrgID, &l.EmailHash, &l.PhoneHash, &l.DonorEmail, &l.Source,
			&l.Confidence, &first, &last); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan identity link")
		}
		if l.FirstSeen, err = parseTime(first); err != nil {
			return nil, err
		}
		if l.LastSeen, err = parseTime(last); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: identity links iterate")
}

func (s *SQLiteStore) AttributedTransactionIDs(ctx context.Context, orgID string, since time.Time) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.transaction_id
		 FROM attribution_records r
		 JOIN transactions tx ON tx.transaction_id = r.transaction_id
		 WHERE r.organization_id = ? AND tx.transaction_date >= ?`,
		orgID, formatTime(since),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query attributed ids for %s", orgID)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attributed id")
		}
		ids[id] = struct{}{}
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: attributed ids iterate")
}

func (s *SQLiteStore) TransactionPage(ctx context.Context, q model.TransactionQuery) ([]model.Transaction, error) {
	query := `SELECT tx.organization_id, tx.transaction_id, tx.donor_email, tx.donor_phone, tx.amount, tx.net_amount,
		tx.transaction_date, tx.transaction_type, tx.refcode, tx.refcode2, tx.custom_refcode, tx.click_id, tx.source_campaign
		FROM transactions tx`
	var args []any

	if q.Method != "" {
		query += ` JOIN attribution_records r ON r.transaction_id = tx.transaction_id AND r.attribution_method = ?`
		args = append(args, string(q.Method))
	}
	query += ` WHERE tx.organization_id = ? AND lower(tx.transaction_type) <> 'refund'`
	args = append(args, q.OrgID)

	if !q.Since.IsZero() {
		query += ` AND tx.transaction_date >= ?`
		args = append(args, formatTime(q.Since))
	}
	if !q.AfterDate.IsZero() {
		query += ` AND (tx.transaction_date, tx.transaction_id) > (?, ?)`
		args = append(args, formatTime(q.AfterDate), q.AfterID)
	}
	query += ` ORDER BY tx.transaction_date, tx.transaction_id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query transactions for %s", q.OrgID)
	}
	return scanSQLiteTransactions(rows)
}

func (s *SQLiteStore) DonorTouchpoints(ctx context.Context, orgID string, emails, phoneHashes []string, from, to time.Time) ([]model.Touchpoint, error) {
	var match []string
	args := []any{orgID, formatTime(from), formatTime(to)}
	if len(emails) > 0 {
		match = append(match, "lower(trim(donor_email)) IN ("+placeholders(len(emails))+")")
		for _, e := range emails {
			args = append(args, e)
		}
	}
	if len(phoneHashes) > 0 {
		match = append(match, "donor_phone_hash IN ("+placeholders(len(phoneHashes))+")")
		for _, h := range phoneHashes {
			args = append(args, h)
		}
	}
	if len(match) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, organization_id, donor_email, donor_phone_hash, touchpoint_type, platform,
		        campaign_id, campaign_name, ad_id, refcode, utm, occurred_at, metadata
		 FROM touchpoints
		 WHERE organization_id = ? AND occurred_at BETWEEN ? AND ?
		   AND (`+strings.Join(match, " OR ")+`)
		 ORDER BY occurred_at, id`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query touchpoints for %s", orgID)
	}
	return scanSQLiteTouchpoints(rows)
}

func (s *SQLiteStore) ActiveCampaigns(ctx context.Context, orgID string, from, to time.Time) ([]model.Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT organization_id, platform, campaign_id, campaign_name, start_date, end_date, impressions
		 FROM campaigns
		 WHERE organization_id = ? AND start_date <= ? AND end_date >= ?
		 ORDER BY campaign_id`,
		orgID, formatDate(to), formatDate(from),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query campaigns for %s", orgID)
	}
	defer rows.Close()

	var out []model.Campaign
	for rows.Next() {
		var c model.Campaign
		var start, end string
		if err := rows.Scan(&c.OrgID, &c.Platform, &c.CampaignID, &c.CampaignName,
			&start, &end, &c.Impressions); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan campaign")
		}
		if c.StartDate, err = parseDate(start); err != nil {
			return nil, err
		}
		if c.EndDate, err = parseDate(end); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: campaigns iterate")
}

func (s *SQLiteStore) UpsertAttributions(ctx context.Context, recs []model.AttributionRecord, onlyOver model.Method) (int64, error) {
	where, err := conditionalWhere(onlyOver)
	if err != nil {
		return 0, err
	}
	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		row, err := recordRow(r)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	return s.upsertRows(ctx, db.UpsertConfig{
		Table:        "attribution_records",
		Columns:      recordColumns,
		ConflictKeys: []string{"transaction_id"},
		Where:        where,
	}, rows)
}

func (s *SQLiteStore) UpsertAttribution(ctx context.Context, rec model.AttributionRecord, onlyOver model.Method) (bool, error) {
	where, err := conditionalWhere(onlyOver)
	if err != nil {
		return false, err
	}
	row, err := recordRow(rec)
	if err != nil {
		return false, err
	}
	query := db.UpsertValuesSQL(db.UpsertConfig{
		Table:        "attribution_records",
		Columns:      recordColumns,
		ConflictKeys: []string{"transaction_id"},
		Where:        where,
	}, db.QuestionPlaceholder)

	res, err := s.db.ExecContext(ctx, query, sqliteArgs(row)...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: upsert attribution %s", rec.TransactionID)
	}
	n, err := res.RowsAffected()
	return n > 0, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) AdCreatives(ctx context.Context, orgID string) ([]model.AdCreative, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT organization_id, platform, ad_id, ad_name, campaign_id, campaign_name, refcode, utm
		 FROM ad_creatives WHERE organization_id = ? AND refcode <> ''`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query ad creatives for %s", orgID)
	}
	defer rows.Close()

	var out []model.AdCreative
	for rows.Next() {
		var c model.AdCreative
		var utm string
		if err := rows.Scan(&c.OrgID, &c.Platform, &c.AdID, &c.AdName, &c.CampaignID,
			&c.CampaignName, &c.Refcode, &utm); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ad creative")
		}
		if c.UTM, err = unmarshalUTM([]byte(utm)); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: ad creatives iterate")
}

func (s *SQLiteStore) AdDeliveries(ctx context.Context, orgID string) ([]model.AdDelivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ad_id, min(metric_date), max(metric_date)
		 FROM ad_daily_metrics
		 WHERE organization_id = ? AND (impressions > 0 OR spend > 0)
		 GROUP BY ad_id`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query ad deliveries for %s", orgID)
	}
	defer rows.Close()

	var out []model.AdDelivery
	for rows.Next() {
		var d model.AdDelivery
		var first, last string
		if err := rows.Scan(&d.AdID, &first, &last); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ad delivery")
		}
		if d.FirstDate, err = parseDate(first); err != nil {
			return nil, err
		}
		if d.LastDate, err = parseDate(last); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: ad deliveries iterate")
}

func (s *SQLiteStore) UpsertRefcodeMappings(ctx context.Context, mappings []model.RefcodeMapping) (int64, error) {
	rows := make([][]any, 0, len(mappings))
	for _, m := range mappings {
		rows = append(rows, mappingRow(m))
	}
	return s.upsertRows(ctx, db.UpsertConfig{
		Table:        "refcode_mappings",
		Columns:      mappingColumns,
		ConflictKeys: []string{"organization_id", "refcode"},
		Where:        sqliteMappingWhere,
	}, rows)
}

func (s *SQLiteStore) UpsertRefcodeHistory(ctx context.Context, history []model.RefcodeHistory) (int64, error) {
	rows := make([][]any, 0, len(history))
	for _, h := range history {
		rows = append(rows, []any{h.OrgID, h.Refcode, h.AdID, h.CampaignID, h.Platform,
			h.FirstSeen, h.LastSeen, h.IsActive})
	}
	return s.upsertRows(ctx, db.UpsertConfig{
		Table:        "refcode_mapping_history",
		Columns:      historyColumns,
		ConflictKeys: []string{"organization_id", "refcode", "ad_id"},
	}, rows)
}

func (s *SQLiteStore) ClickTransactions(ctx context.Context, orgID string, since time.Time) ([]model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT organization_id, transaction_id, donor_email, donor_phone, amount, net_amount,
		        transaction_date, transaction_type, refcode, refcode2, custom_refcode, click_id, source_campaign
		 FROM transactions
		 WHERE organization_id = ? AND click_id <> '' AND transaction_date >= ?
		   AND lower(transaction_type) <> 'refund'
		 ORDER BY transaction_date, transaction_id`,
		orgID, formatTime(since),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query click transactions for %s", orgID)
	}
	return scanSQLiteTransactions(rows)
}

func (s *SQLiteStore) ClickTouchpoints(ctx context.Context, orgID string, since time.Time) ([]model.Touchpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, organization_id, donor_email, donor_phone_hash, touchpoint_type, platform,
		        campaign_id, campaign_name, ad_id, refcode, utm, occurred_at, metadata
		 FROM touchpoints
		 WHERE organization_id = ? AND metadata IS NOT NULL AND occurred_at >= ?
		 ORDER BY occurred_at, id`,
		orgID, formatTime(since),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query click touchpoints for %s", orgID)
	}
	return scanSQLiteTouchpoints(rows)
}

func (s *SQLiteStore) DonorContactPairs(ctx context.Context, orgID string) ([]model.ContactPair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT donor_email, donor_phone, min(transaction_date), max(transaction_date)
		 FROM transactions
		 WHERE organization_id = ? AND donor_email <> '' AND donor_phone <> ''
		   AND lower(transaction_type) <> 'refund'
		 GROUP BY donor_email, donor_phone
		 ORDER BY donor_email, donor_phone`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query contact pairs for %s", orgID)
	}
	defer rows.Close()

	var out []model.ContactPair
	for rows.Next() {
		var p model.ContactPair
		var first, last string
		if err := rows.Scan(&p.DonorEmail, &p.DonorPhone, &first, &last); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan contact pair")
		}
		if p.FirstSeen, err = parseTime(first); err != nil {
			return nil, err
		}
		if p.LastSeen, err = parseTime(last); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: contact pairs iterate")
}

func (s *SQLiteStore) UpsertIdentityLinks(ctx context.Context, links []model.IdentityLink) (int64, error) {
	rows := make([][]any, 0, len(links))
	for _, l := range links {
		rows = append(rows, []any{l.OrgID, l.EmailHash, l.PhoneHash, l.DonorEmail, l.Source,
			l.Confidence, l.FirstSeen, l.LastSeen})
	}
	return s.upsertRows(ctx, db.UpsertConfig{
		Table:        "identity_links",
		Columns:      linkColumns,
		ConflictKeys: []string{"organization_id", "email_hash", "phone_hash"},
	}, rows)
}

func (s *SQLiteStore) StartRun(ctx context.Context, run model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_log (id, job, organization_id, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Job, run.OrgID, string(run.Status), formatTime(run.StartedAt),
	)
	return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, at time.Time, summary map[string]any) error {
	data, err := marshalSummary(summary)
	if err != nil {
		return err
	}
	var summaryText any
	if data != nil {
		summaryText = string(data)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_log SET status = ?, completed_at = ?, summary = ? WHERE id = ?`,
		string(model.RunStatusComplete), formatTime(at), summaryText, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", id)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *SQLiteStore) FailRun(ctx context.Context, id string, at time.Time, msg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_log SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		string(model.RunStatusFailed), formatTime(at), msg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", id)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error) {
	query := `SELECT id, job, organization_id, status, started_at, completed_at, summary, error FROM run_log WHERE 1=1`
	var args []any

	if filter.Job != "" {
		query += ` AND job = ?`
		args = append(args, filter.Job)
	}
	if filter.OrgID != "" {
		query += ` AND organization_id = ?`
		args = append(args, filter.OrgID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.StartedAfter.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, formatTime(filter.StartedAfter))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRunLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var status, started string
		var completed, summary sql.NullString
		if err := rows.Scan(&r.ID, &r.Job, &r.OrgID, &status, &started, &completed, &summary, &r.Error); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r.Status = model.RunStatus(status)
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if completed.Valid {
			at, err := parseTime(completed.String)
			if err != nil {
				return nil, err
			}
			r.CompletedAt = &at
		}
		if summary.Valid {
			if r.Summary, err = unmarshalSummary([]byte(summary.String)); err != nil {
				return nil, err
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// upsertRows applies cfg row by row inside one transaction.
func (s *SQLiteStore) upsertRows(ctx context.Context, cfg db.UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, db.UpsertValuesSQL(cfg, db.QuestionPlaceholder))
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: prepare upsert for %s", cfg.Table)
	}
	defer stmt.Close()

	var total int64
	for _, row := range rows {
		res, err := stmt.ExecContext(ctx, sqliteArgs(row)...)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert into %s", cfg.Table)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit tx")
	}
	return total, nil
}

// sqliteArgs converts times to fixed-width text and JSON bytes to strings.
func sqliteArgs(row []any) []any {
	out := make([]any, len(row))
	for i, v := range row {
		switch x := v.(type) {
		case time.Time:
			out[i] = formatTime(x)
		case *time.Time:
			if x == nil {
				out[i] = nil
			} else {
				out[i] = formatTime(*x)
			}
		case []byte:
			out[i] = string(x)
		default:
			out[i] = v
		}
	}
	return out
}

func scanSQLiteTransactions(rows *sql.Rows) ([]model.Transaction, error) {
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var typ, date string
		if err := rows.Scan(&t.OrgID, &t.TransactionID, &t.DonorEmail, &t.DonorPhone, &t.Amount, &t.NetAmount,
			&date, &typ, &t.Refcode, &t.Refcode2, &t.CustomRefcode, &t.ClickID, &t.SourceCampaign); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transaction")
		}
		var err error
		if t.TransactionDate, err = parseTime(date); err != nil {
			return nil, err
		}
		t.Type = model.TransactionType(typ)
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: transactions iterate")
}

func scanSQLiteTouchpoints(rows *sql.Rows) ([]model.Touchpoint, error) {
	defer rows.Close()

	var out []model.Touchpoint
	for rows.Next() {
		var tp model.Touchpoint
		var utm, occurred string
		var metadata sql.NullString
		if err := rows.Scan(&tp.ID, &tp.OrgID, &tp.DonorEmail, &tp.DonorPhoneHash, &tp.TouchpointType, &tp.Platform,
			&tp.CampaignID, &tp.CampaignName, &tp.AdID, &tp.Refcode, &utm, &occurred, &metadata); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan touchpoint")
		}
		var err error
		if tp.UTM, err = unmarshalUTM([]byte(utm)); err != nil {
			return nil, err
		}
		if tp.OccurredAt, err = parseTime(occurred); err != nil {
			return nil, err
		}
		if metadata.Valid && metadata.String != "" {
			tp.Metadata = []byte(metadata.String)
		}
		out = append(out, tp)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: touchpoints iterate")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatDate(t time.Time) string {
	return t.UTC().Format(sqliteDateLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	return t.UTC(), eris.Wrapf(err, "sqlite: parse time %q", s)
}

func parseNullTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return parseTime(s.String)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(sqliteDateLayout, s)
	return t, eris.Wrapf(err, "sqlite: parse date %q", s)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
