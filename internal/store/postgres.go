package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/attribution-cli/internal/db"
	"github.com/sells-group/attribution-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(Migrate(ctx, s.pool), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Organizations lists every organization that has transactions.
func (s *PostgresStore) Organizations(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT organization_id FROM attribution.transactions ORDER BY organization_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list organizations")
	}
	defer rows.Close()

	var orgs []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, eris.Wrap(err, "postgres: scan organization")
		}
		orgs = append(orgs, org)
	}
	return orgs, eris.Wrap(rows.Err(), "postgres: list organizations iterate")
}

func (s *PostgresStore) RefcodeMappings(ctx context.Context, orgID string) ([]model.RefcodeMapping, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT organization_id, refcode, platform, campaign_id, campaign_name, ad_id, ad_name,
		        utm, last_delivery_date, updated_at
		 FROM attribution.refcode_mappings WHERE organization_id = $1`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query refcode mappings for %s", orgID)
	}
	defer rows.Close()

	var out []model.RefcodeMapping
	for rows.Next() {
		var m model.RefcodeMapping
		var utm []byte
		var lastDelivery *time.Time
		if err := rows.Scan(&m.OrgID, &m.Refcode, &m.Platform, &m.CampaignID, &m.CampaignName,
			&m.AdID, &m.AdName, &utm, &lastDelivery, &m.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan refcode mapping")
		}
		if m.UTM, err = unmarshalUTM(utm); err != nil {
			return nil, err
		}
		m.LastDeliveryDate = timeOrZero(lastDelivery)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: refcode mappings iterate")
}

func (s *PostgresStore) IdentityLinks(ctx context.Context, orgID string) ([]model.IdentityLink, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT organization_id, email_hash, phone_hash, donor_email, source, confidence, first_seen, last_seen
		 FROM attribution.identity_links WHERE organization_id = $1`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query identity links for %s", orgID)
	}
	defer rows.Close()

	var out []model.IdentityLink
	for rows.Next() {
		var l model.IdentityLink
		if err := rows.Scan(&l.OrgID, &l.EmailHash, &l.PhoneHash, &l.DonorEmail, &l.Source,
			&l.Confidence, &l.FirstSeen, &l.LastSeen); err != nil {
			return nil, eris.Wrap(err, "postgres: scan identity link")
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: identity links iterate")
}

func (s *PostgresStore) AttributedTransactionIDs(ctx context.Context, orgID string, since time.Time) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.transaction_id
		 FROM attribution.attribution_records r
		 JOIN attribution.transactions tx ON tx.transaction_id = r.transaction_id
		 WHERE r.organization_id = $1 AND tx.transaction_date >= $2`,
		orgID, since,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query attributed ids for %s", orgID)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attributed id")
		}
		ids[id] = struct{}{}
	}
	return ids, eris.Wrap(rows.Err(), "postgres: attributed ids iterate")
}

// TransactionPage returns the next keyset page of non-refund transactions.
func (s *PostgresStore) TransactionPage(ctx context.Context, q model.TransactionQuery) ([]model.Transaction, error) {
	query := `SELECT tx.organization_id, tx.transaction_id, tx.donor_email, tx.donor_phone, tx.amount, tx.net_amount,
		tx.transaction_date, tx.transaction_type, tx.refcode, tx.refcode2, tx.custom_refcode, tx.click_id, tx.source_campaign
		FROM attribution.transactions tx`
	args := []any{q.OrgID}
	argIdx := 2

	if q.Method != "" {
		query += fmt.Sprintf(` JOIN attribution.attribution_records r ON r.transaction_id = tx.transaction_id AND r.attribution_method = $%d`, argIdx)
		args = append(args, string(q.Method))
		argIdx++
	}
	query += ` WHERE tx.organization_id = $1 AND lower(tx.transaction_type) <> 'refund'`

	if !q.Since.IsZero() {
		query += fmt.Sprintf(` AND tx.transaction_date >= $%d`, argIdx)
		args = append(args, q.Since)
		argIdx++
	}
	if !q.AfterDate.IsZero() {
		query += fmt.Sprintf(` AND (tx.transaction_date, tx.transaction_id) > ($%d, $%d)`, argIdx, argIdx+1)
		args = append(args, q.AfterDate, q.AfterID)
		argIdx += 2
	}
	query += ` ORDER BY tx.transaction_date, tx.transaction_id`

	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, q.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query transactions for %s", q.OrgID)
	}
	return collectTransactions(rows)
}

func (s *PostgresStore) DonorTouchpoints(ctx context.Context, orgID string, emails, phoneHashes []string, from, to time.Time) ([]model.Touchpoint, error) {
	if len(emails) == 0 && len(phoneHashes) == 0 {
		return nil, nil
	}
	if emails == nil {
		emails = []string{}
	}
	if phoneHashes == nil {
		phoneHashes = []string{}
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, organization_id, donor_email, donor_phone_hash, touchpoint_type, platform,
		        campaign_id, campaign_name, ad_id, refcode, utm, occurred_at, metadata
		 FROM attribution.touchpoints
		 WHERE organization_id = $1
		   AND (lower(btrim(donor_email)) = ANY($2) OR donor_phone_hash = ANY($3))
		   AND occurred_at BETWEEN $4 AND $5
		 ORDER BY occurred_at, id`,
		orgID, emails, phoneHashes, from, to,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query touchpoints for %s", orgID)
	}
	return collectTouchpoints(rows)
}

// ActiveCampaigns returns campaigns whose flight overlaps [from, to].
func (s *PostgresStore) ActiveCampaigns(ctx context.Context, orgID string, from, to time.Time) ([]model.Campaign, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT organization_id, platform, campaign_id, campaign_name, start_date, end_date, impressions
		 FROM attribution.campaigns
		 WHERE organization_id = $1 AND start_date <= $3::date AND end_date >= $2::date
		 ORDER BY campaign_id`,
		orgID, from, to,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query campaigns for %s", orgID)
	}
	defer rows.Close()

	var out []model.Campaign
	for rows.Next() {
		var c model.Campaign
		if err := rows.Scan(&c.OrgID, &c.Platform, &c.CampaignID, &c.CampaignName,
			&c.StartDate, &c.EndDate, &c.Impressions); err != nil {
			return nil, eris.Wrap(err, "postgres: scan campaign")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: campaigns iterate")
}

// UpsertAttributions writes recs in one transaction. The result counts
// rows inserted or replaced; rows held back by onlyOver are not counted.
func (s *PostgresStore) UpsertAttributions(ctx context.Context, recs []model.AttributionRecord, onlyOver model.Method) (int64, error) {
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
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "attribution.attribution_records",
		Columns:      recordColumns,
		ConflictKeys: []string{"transaction_id"},
		Where:        where,
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert attributions")
}

func (s *PostgresStore) UpsertAttribution(ctx context.Context, rec model.AttributionRecord, onlyOver model.Method) (bool, error) {
	where, err := conditionalWhere(onlyOver)
	if err != nil {
		return false, err
	}
	row, err := recordRow(rec)
	if err != nil {
		return false, err
	}
	query := db.UpsertValuesSQL(db.UpsertConfig{
		Table:        "attribution.attribution_records",
		Columns:      recordColumns,
		ConflictKeys: []string{"transaction_id"},
		Where:        where,
	}, db.DollarPlaceholder)

	tag, err := s.pool.Exec(ctx, query, row...)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: upsert attribution %s", rec.TransactionID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) AdCreatives(ctx context.Context, orgID string) ([]model.AdCreative, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT organization_id, platform, ad_id, ad_name, campaign_id, campaign_name, refcode, utm
		 FROM attribution.ad_creatives
		 WHERE organization_id = $1 AND refcode <> ''`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query ad creatives for %s", orgID)
	}
	defer rows.Close()

	var out []model.AdCreative
	for rows.Next() {
		var c model.AdCreative
		var utm []byte
		if err := rows.Scan(&c.OrgID, &c.Platform, &c.AdID, &c.AdName, &c.CampaignID,
			&c.CampaignName, &c.Refcode, &utm); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ad creative")
		}
		if c.UTM, err = unmarshalUTM(utm); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: ad creatives iterate")
}

// AdDeliveries returns the first and last day each ad delivered.
func (s *PostgresStore) AdDeliveries(ctx context.Context, orgID string) ([]model.AdDelivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ad_id, min(metric_date), max(metric_date)
		 FROM attribution.ad_daily_metrics
		 WHERE organization_id = $1 AND (impressions > 0 OR spend > 0)
		 GROUP BY ad_id`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query ad deliveries for %s", orgID)
	}
	defer rows.Close()

	var out []model.AdDelivery
	for rows.Next() {
		var d model.AdDelivery
		if err := rows.Scan(&d.AdID, &d.FirstDate, &d.LastDate); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ad delivery")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: ad deliveries iterate")
}

// UpsertRefcodeMappings upserts registry pointers. A pointer never moves to
// an ad whose last delivery is older than the current one, nor to a lower
// ad id delivered on the same date.
func (s *PostgresStore) UpsertRefcodeMappings(ctx context.Context, mappings []model.RefcodeMapping) (int64, error) {
	rows := make([][]any, 0, len(mappings))
	for _, m := range mappings {
		rows = append(rows, mappingRow(m))
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "attribution.refcode_mappings",
		Columns:      mappingColumns,
		ConflictKeys: []string{"organization_id", "refcode"},
		Where:        pgMappingWhere,
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert refcode mappings")
}

func (s *PostgresStore) UpsertRefcodeHistory(ctx context.Context, history []model.RefcodeHistory) (int64, error) {
	rows := make([][]any, 0, len(history))
	for _, h := range history {
		rows = append(rows, []any{h.OrgID, h.Refcode, h.AdID, h.CampaignID, h.Platform,
			h.FirstSeen.UTC(), h.LastSeen.UTC(), h.IsActive})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "attribution.refcode_mapping_history",
		Columns:      historyColumns,
		ConflictKeys: []string{"organization_id", "refcode", "ad_id"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert refcode history")
}

func (s *PostgresStore) ClickTransactions(ctx context.Context, orgID string, since time.Time) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT organization_id, transaction_id, donor_email, donor_phone, amount, net_amount,
		        transaction_date, transaction_type, refcode, refcode2, custom_refcode, click_id, source_campaign
		 FROM attribution.transactions
		 WHERE organization_id = $1 AND click_id <> '' AND transaction_date >= $2
		   AND lower(transaction_type) <> 'refund'
		 ORDER BY transaction_date, transaction_id`,
		orgID, since,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query click transactions for %s", orgID)
	}
	return collectTransactions(rows)
}

func (s *PostgresStore) ClickTouchpoints(ctx context.Context, orgID string, since time.Time) ([]model.Touchpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, organization_id, donor_email, donor_phone_hash, touchpoint_type, platform,
		        campaign_id, campaign_name, ad_id, refcode, utm, occurred_at, metadata
		 FROM attribution.touchpoints
		 WHERE organization_id = $1 AND metadata IS NOT NULL AND occurred_at >= $2
		 ORDER BY occurred_at, id`,
		orgID, since,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query click touchpoints for %s", orgID)
	}
	return collectTouchpoints(rows)
}

// DonorContactPairs returns each distinct (email, phone) pair seen together
// on a donation.
func (s *PostgresStore) DonorContactPairs(ctx context.Context, orgID string) ([]model.ContactPair, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT donor_email, donor_phone, min(transaction_date), max(transaction_date)
		 FROM attribution.transactions
		 WHERE organization_id = $1 AND donor_email <> '' AND donor_phone <> ''
		   AND lower(transaction_type) <> 'refund'
		 GROUP BY donor_email, donor_phone
		 ORDER BY donor_email, donor_phone`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query contact pairs for %s", orgID)
	}
	defer rows.Close()

	var out []model.ContactPair
	for rows.Next() {
		var p model.ContactPair
		if err := rows.Scan(&p.DonorEmail, &p.DonorPhone, &p.FirstSeen, &p.LastSeen); err != nil {
			return nil, eris.Wrap(err, "postgres: scan contact pair")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: contact pairs iterate")
}

func (s *PostgresStore) UpsertIdentityLinks(ctx context.Context, links []model.IdentityLink) (int64, error) {
	rows := make([][]any, 0, len(links))
	for _, l := range links {
		rows = append(rows, []any{l.OrgID, l.EmailHash, l.PhoneHash, l.DonorEmail, l.Source,
			l.Confidence, l.FirstSeen.UTC(), l.LastSeen.UTC()})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "attribution.identity_links",
		Columns:      linkColumns,
		ConflictKeys: []string{"organization_id", "email_hash", "phone_hash"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert identity links")
}

func (s *PostgresStore) StartRun(ctx context.Context, run model.Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO attribution.run_log (id, job, organization_id, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.Job, run.OrgID, string(run.Status), run.StartedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert run %s", run.ID)
}

func (s *PostgresStore) CompleteRun(ctx context.Context, id string, at time.Time, summary map[string]any) error {
	data, err := marshalSummary(summary)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE attribution.run_log SET status = $1, completed_at = $2, summary = $3 WHERE id = $4`,
		string(model.RunStatusComplete), at.UTC(), data, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, id string, at time.Time, msg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE attribution.run_log SET status = $1, completed_at = $2, error = $3 WHERE id = $4`,
		string(model.RunStatusFailed), at.UTC(), msg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error) {
	query := `SELECT id, job, organization_id, status, started_at, completed_at, summary, error
		FROM attribution.run_log WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Job != "" {
		query += fmt.Sprintf(` AND job = $%d`, argIdx)
		args = append(args, filter.Job)
		argIdx++
	}
	if filter.OrgID != "" {
		query += fmt.Sprintf(` AND organization_id = $%d`, argIdx)
		args = append(args, filter.OrgID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.StartedAfter.IsZero() {
		query += fmt.Sprintf(` AND started_at >= $%d`, argIdx)
		args = append(args, filter.StartedAfter.UTC())
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRunLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var status string
		var summary []byte
		if err := rows.Scan(&r.ID, &r.Job, &r.OrgID, &status, &r.StartedAt, &r.CompletedAt, &summary, &r.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.Status = model.RunStatus(status)
		if r.Summary, err = unmarshalSummary(summary); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func collectTransactions(rows pgx.Rows) ([]model.Transaction, error) {
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var typ string
		if err := rows.Scan(&t.OrgID, &t.TransactionID, &t.DonorEmail, &t.DonorPhone, &t.Amount, &t.NetAmount,
			&t.TransactionDate, &typ, &t.Refcode, &t.Refcode2, &t.CustomRefcode, &t.ClickID, &t.SourceCampaign); err != nil {
			return nil, eris.Wrap(err, "postgres: scan transaction")
		}
		t.Type = model.TransactionType(typ)
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: transactions iterate")
}

func collectTouchpoints(rows pgx.Rows) ([]model.Touchpoint, error) {
	defer rows.Close()

	var out []model.Touchpoint
	for rows.Next() {
		var tp model.Touchpoint
		var utm, metadata []byte
		if err := rows.Scan(&tp.ID, &tp.OrgID, &tp.DonorEmail, &tp.DonorPhoneHash, &tp.TouchpointType, &tp.Platform,
			&tp.CampaignID, &tp.CampaignName, &tp.AdID, &tp.Refcode, &utm, &tp.OccurredAt, &metadata); err != nil {
			return nil, eris.Wrap(err, "postgres: scan touchpoint")
		}
		var err error
		if tp.UTM, err = unmarshalUTM(utm); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			tp.Metadata = metadata
		}
		out = append(out, tp)
	}
	return out, eris.Wrap(rows.Err(), "postgres: touchpoints iterate")
}
