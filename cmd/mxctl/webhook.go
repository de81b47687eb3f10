package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/and161185/metrionix/internal/crypto"
	"github.com/and161185/metrionix/internal/model"
	"github.com/and161185/metrionix/internal/service"
	"github.com/spf13/cobra"
)

type webhookEnvelope struct {
	AgencyID  string          `json:"agency_id"`
	AccountID string          `json:"account_id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

// signEnvelope compacts data, signs it together with the routing fields and
// returns the envelope bytes exactly as they must be sent.
func signEnvelope(secret []byte, agency, account, event string, data []byte) ([]byte, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, bytes.TrimSpace(data)); err != nil {
		return nil, fmt.Errorf("data is not valid JSON: %w", err)
	}
	if len(compact.Bytes()) == 0 || compact.Bytes()[0] != '{' {
		return nil, errors.New("data must be a JSON object")
	}
	env := webhookEnvelope{
		AgencyID:  agency,
		AccountID: account,
		EventType: event,
		Data:      compact.Bytes(),
		Signature: crypto.SignHex(secret, service.CanonicalParts(agency, account, event, compact.Bytes())...),
	}
	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(out.Bytes(), []byte("\n")), nil
}

func newSignWebhookCmd(baseURL *string) *cobra.Command {
	var (
		secret  string
		agency  string
		account string
		event   string
		file    = "-"
		send    bool
	)
	cmd := &cobra.Command{
		Use:   "sign-webhook <platform>",
		Short: "Build a signed webhook envelope; with --send, deliver it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, ok := model.ParsePlatform(args[0])
			if !ok {
				return fmt.Errorf("unknown platform %q", args[0])
			}
			if secret == "" {
				secret = os.Getenv(secretEnv(p))
			}
			if secret == "" {
				return fmt.Errorf("missing secret (--secret or env %s)", secretEnv(p))
			}
			data, err := readAll(file)
			if err != nil {
				return err
			}
			body, err := signEnvelope([]byte(secret), agency, account, event, data)
			if err != nil {
				return err
			}
			if !send {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}

			url := strings.TrimRight(*baseURL, "/") + "/v1/webhooks/" + string(p)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			if resp.StatusCode/100 != 2 {
				return fmt.Errorf("webhook rejected: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(b)))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&secret, "secret", "", "webhook secret (default from the platform's env var)")
	f.StringVar(&agency, "agency", "", "agency UUID")
	f.StringVar(&account, "account", "", "platform account id")
	f.StringVar(&event, "event", "", "event type, e.g. order.created")
	f.StringVar(&file, "data", file, "file with the event data object, - for stdin")
	f.BoolVar(&send, "send", false, "POST the envelope to the HTTP API")
	for _, name := range []string{"agency", "account", "event"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func secretEnv(p model.Platform) string {
	switch p {
	case model.PlatformMetaAds:
		return "META_WEBHOOK_SECRET"
	case model.PlatformGoogleAds:
		return "GOOGLE_WEBHOOK_SECRET"
	case model.PlatformWooCommerce:
		return "WOOCOMMERCE_WEBHOOK_SECRET"
	}
	return "WEBHOOK_SECRET"
}
