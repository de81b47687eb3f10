package grpcserver

import (
	"context"
	"errors"
	"strings"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/grpc/metadata"
)

type ctxKey string

const agencyIDKey ctxKey = "mx.agencyID"

// WithAgencyID stores the authenticated agency in the context.
func WithAgencyID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, agencyIDKey, id)
}

// AgencyIDFromCtx fetches the agency stored by AuthUnary.
func AgencyIDFromCtx(ctx context.Context) (uuid.UUID, bool) {
	v := ctx.Value(agencyIDKey)
	if v == nil {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}
