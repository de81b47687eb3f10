// Package convert maps domain values to and from the google.protobuf.Struct
// messages carried by the gRPC Integrations service.
package convert

import (
	"fmt"
	"time"

	"github.com/and161185/metrionix/internal/model"
	"google.golang.org/protobuf/types/known/structpb"
)

// --- helpers ---

func str(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[key].GetStringValue()
}

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTS(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

// --- Sync (client -> server) ---

// SyncParams is a sync request as received over gRPC; the agency comes from
// the caller's token.
type SyncParams struct {
	AgencyID  string
	Platform  model.Platform
	AccountID string
	StartDate string
	EndDate   string
}

// FromStructSync reads sync parameters. Platform and account_id are required.
func FromStructSync(in *structpb.Struct) (SyncParams, error) {
	if in == nil {
		return SyncParams{}, fmt.Errorf("nil request")
	}
	p, ok := model.ParsePlatform(str(in, "platform"))
	if !ok {
		return SyncParams{}, fmt.Errorf("invalid platform %q", str(in, "platform"))
	}
	acc := str(in, "account_id")
	if acc == "" {
		return SyncParams{}, fmt.Errorf("empty account_id")
	}
	return SyncParams{
		AgencyID:  str(in, "agency_id"),
		Platform:  p,
		AccountID: acc,
		StartDate: str(in, "start_date"),
		EndDate:   str(in, "end_date"),
	}, nil
}

// ToStructSync builds the request message for a client.
func ToStructSync(p SyncParams) *structpb.Struct {
	f := map[string]*structpb.Value{
		"platform":   structpb.NewStringValue(string(p.Platform)),
		"account_id": structpb.NewStringValue(p.AccountID),
	}
	if p.AgencyID != "" {
		f["agency_id"] = structpb.NewStringValue(p.AgencyID)
	}
	if p.StartDate != "" {
		f["start_date"] = structpb.NewStringValue(p.StartDate)
	}
	if p.EndDate != "" {
		f["end_date"] = structpb.NewStringValue(p.EndDate)
	}
	return &structpb.Struct{Fields: f}
}

// --- SyncResult (server -> client) ---

// ToStructSyncResult encodes a sync outcome.
func ToStructSyncResult(r model.SyncResult) *structpb.Struct {
	f := map[string]*structpb.Value{
		"success":         structpb.NewBoolValue(r.Success),
		"insights_synced": structpb.NewNumberValue(float64(r.InsightsSynced)),
		"timestamp":       structpb.NewStringValue(ts(r.Timestamp)),
	}
	if r.Error != "" {
		f["error"] = structpb.NewStringValue(r.Error)
	}
	return &structpb.Struct{Fields: f}
}

// FromStructSyncResult decodes a sync outcome.
func FromStructSyncResult(in *structpb.Struct) (model.SyncResult, error) {
	if in == nil {
		return model.SyncResult{}, fmt.Errorf("nil result")
	}
	at, err := parseTS(str(in, "timestamp"))
	if err != nil {
		return model.SyncResult{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	fs := in.GetFields()
	return model.SyncResult{
		Success:        fs["success"].GetBoolValue(),
		InsightsSynced: int(fs["insights_synced"].GetNumberValue()),
		Error:          str(in, "error"),
		Timestamp:      at,
	}, nil
}

// --- Integrations ---

// ToStructIntegrations encodes a listing as {"integrations": [...]}.
func ToStructIntegrations(list []model.Integration) *structpb.Struct {
	vals := make([]*structpb.Value, 0, len(list))
	for _, it := range list {
		f := map[string]*structpb.Value{
			"platform":   structpb.NewStringValue(string(it.Platform)),
			"account_id": structpb.NewStringValue(it.AccountID),
			"status":     structpb.NewStringValue(string(it.Status)),
		}
		if it.LastSync != nil {
			f["last_sync"] = structpb.NewStringValue(ts(*it.LastSync))
		}
		if it.LastError != "" {
			f["last_error"] = structpb.NewStringValue(it.LastError)
		}
		vals = append(vals, structpb.NewStructValue(&structpb.Struct{Fields: f}))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"integrations": structpb.NewListValue(&structpb.ListValue{Values: vals}),
	}}
}

// FromStructIntegrations decodes a listing.
func FromStructIntegrations(in *structpb.Struct) ([]model.Integration, error) {
	if in == nil {
		return nil, fmt.Errorf("nil listing")
	}
	var out []model.Integration
	for i, v := range in.GetFields()["integrations"].GetListValue().GetValues() {
		s := v.GetStructValue()
		if s == nil {
			return nil, fmt.Errorf("integrations[%d]: not an object", i)
		}
		it := model.Integration{
			Platform:  model.Platform(str(s, "platform")),
			AccountID: str(s, "account_id"),
			Status:    model.IntegrationStatus(str(s, "status")),
			LastError: str(s, "last_error"),
		}
		if raw := str(s, "last_sync"); raw != "" {
			at, err := parseTS(raw)
			if err != nil {
				return nil, fmt.Errorf("integrations[%d]: invalid last_sync: %w", i, err)
			}
			it.LastSync = &at
		}
		out = append(out, it)
	}
	return out, nil
}
