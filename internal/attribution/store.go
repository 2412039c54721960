package attribution

import (
	"context"
	"time"

	"github.com/sells-group/attribution-cli/internal/model"
)

// RecordStore writes attribution records. onlyOver, when non-empty, turns
// the upsert conditional: an existing record is replaced only if its method
// equals onlyOver. New transaction ids are always inserted.
type RecordStore interface {
	UpsertAttributions(ctx context.Context, recs []model.AttributionRecord, onlyOver model.Method) (int64, error)
	UpsertAttribution(ctx context.Context, rec model.AttributionRecord, onlyOver model.Method) (bool, error)
}

// Store is the persistence an Engine reads and writes.
type Store interface {
	RecordStore

	Organizations(ctx context.Context) ([]string, error)
	RefcodeMappings(ctx context.Context, orgID string) ([]model.RefcodeMapping, error)
	IdentityLinks(ctx context.Context, orgID string) ([]model.IdentityLink, error)
	AttributedTransactionIDs(ctx context.Context, orgID string, since time.Time) (map[string]struct{}, error)
	TransactionPage(ctx context.Context, q model.TransactionQuery) ([]model.Transaction, error)
	DonorTouchpoints(ctx context.Context, orgID string, emails, phoneHashes []string, from, to time.Time) ([]model.Touchpoint, error)
	ActiveCampaigns(ctx context.Context, orgID string, from, to time.Time) ([]model.Campaign, error)
}
