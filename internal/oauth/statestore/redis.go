package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
	rdb "github.com/redis/go-redis/v9"
)

const keyPrefix = "oauth:state:"

// Redis is a Store shared by every API instance. Consume relies on GETDEL,
// so two callbacks racing on one state cannot both win.
type Redis struct {
	c   rdb.UniversalClient
	now func() time.Time
}

// NewRedis wraps an existing client.
func NewRedis(c rdb.UniversalClient) *Redis {
	return &Redis{c: c, now: time.Now}
}

// Save implements Store.
func (r *Redis) Save(ctx context.Context, st model.TransitState) error {
	ttl := st.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return r.c.Set(ctx, keyPrefix+st.State, b, ttl).Err()
}

// Consume implements Store.
func (r *Redis) Consume(ctx context.Context, state string) (model.TransitState, error) {
	b, err := r.c.GetDel(ctx, keyPrefix+state).Bytes()
	if errors.Is(err, rdb.Nil) {
		return model.TransitState{}, errs.ErrCsrfMismatch
	}
	if err != nil {
		return model.TransitState{}, err
	}
	var st model.TransitState
	if err := json.Unmarshal(b, &st); err != nil {
		return model.TransitState{}, err
	}
	if !st.ExpiresAt.After(r.now()) {
		return model.TransitState{}, errs.ErrCsrfMismatch
	}
	return st, nil
}
