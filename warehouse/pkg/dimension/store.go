package dimension

import (
	"context"
	"errors"
	"time"

	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
)

var ErrConflict = errors.New("dimension mutation conflict")

// Version is one SCD2 version of a dimension entity. EffectiveTo is nil while the version is open.
type Version struct {
	Type          entity.Type       `json:"entity_type"`
	SurrogateKey  int64             `json:"surrogate_key"`
	NaturalKey    string            `json:"natural_key"`
	Attrs         entity.Attributes `json:"attributes"`
	EffectiveFrom time.Time         `json:"effective_from"`
	EffectiveTo   *time.Time        `json:"effective_to"`
	IsCurrent     bool              `json:"is_current"`
	// BatchID is the batch that inserted the version, ExpiredBy the batch that closed it.
	BatchID   string `json:"batch_id"`
	ExpiredBy string `json:"expired_by,omitempty"`
}

// Contains reports whether t falls in [EffectiveFrom, EffectiveTo).
func (v Version) Contains(t time.Time) bool {
	if t.Before(v.EffectiveFrom) {
		return false
	}
	return v.EffectiveTo == nil || t.Before(*v.EffectiveTo)
}

func (v Version) clone() Version {
	if v.EffectiveTo != nil {
		to := *v.EffectiveTo
		v.EffectiveTo = &to
	}
	return v
}

// Expiry closes the current version SurrogateKey at At.
type Expiry struct {
	SurrogateKey int64
	At           time.Time
}

// Mutation is one atomic unit of dimension change for a single natural key: an optional expiry of
// the current version followed by an optional insert of the new current version. Readers never
// observe the state between the two.
type Mutation struct {
	Type       entity.Type
	NaturalKey string
	BatchID    string
	Expire     *Expiry
	Insert     *Version
}

type RevertCounts struct {
	Deleted  int `json:"deleted"`
	Reopened int `json:"reopened"`
}

// Store is the dimension state. Only the MergeEngine calls its write methods.
type Store interface {
	// Current returns the version with is_current set for the natural key, or nil when there is
	// none. More than one current version is reported as an invariant violation.
	Current(ctx context.Context, t entity.Type, naturalKey string) (*Version, error)
	// AsOf returns the version whose interval contains at, or nil.
	AsOf(ctx context.Context, t entity.Type, naturalKey string, at time.Time) (*Version, error)
	// History returns every version of the natural key ordered by effective_from.
	History(ctx context.Context, t entity.Type, naturalKey string) ([]Version, error)
	HasHistory(ctx context.Context, t entity.Type, naturalKey string) (bool, error)
	MaxSurrogateKey(ctx context.Context, t entity.Type) (int64, error)
	// BatchVersions returns the versions inserted or expired by a batch.
	BatchVersions(ctx context.Context, batchID string) ([]Version, error)

	Apply(ctx context.Context, m Mutation) error
	// RevertBatch deletes the versions a batch inserted and reopens the versions it expired.
	RevertBatch(ctx context.Context, batchID string) (RevertCounts, error)
}
