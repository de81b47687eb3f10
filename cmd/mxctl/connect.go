package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
	"github.com/and161185/metrionix/internal/oauth"
	"github.com/spf13/cobra"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// apiStarter begins a consent flow through the HTTP API.
type apiStarter struct {
	base  string
	token string
	hc    *http.Client
}

var _ oauth.Starter = (*apiStarter)(nil)

func (a *apiStarter) Begin(ctx context.Context, req oauth.BeginRequest) (oauth.Started, error) {
	in := map[string]string{"platform": string(req.Platform)}
	if req.StoreURL != "" {
		in["store_url"] = req.StoreURL
	}
	body, _ := json.Marshal(in)
	var st oauth.Started
	if err := a.call(ctx, http.MethodPost, "/v1/oauth/"+url.PathEscape(string(req.Provider))+"/start", body, &st); err != nil {
		return oauth.Started{}, fmt.Errorf("start: %w", err)
	}
	return st, nil
}

// Check asks the API whether the provider can start a flow at all.
func (a *apiStarter) Check(ctx context.Context, p model.Provider) error {
	if err := a.call(ctx, http.MethodGet, "/v1/oauth/"+url.PathEscape(string(p))+"/status", nil, nil); err != nil {
		return fmt.Errorf("provider %s: %w", p, err)
	}
	return nil
}

func (a *apiStarter) call(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	r, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(a.base, "/")+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	r.Header.Set("Authorization", "Bearer "+a.token)
	resp, err := a.hc.Do(r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(b, &e)
		return apiError(resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(b, out)
}

// apiError restores the sentinel behind an HTTP API error status.
func apiError(status int, msg string) error {
	var sentinel error
	switch status {
	case http.StatusBadRequest:
		sentinel = errs.ErrValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		sentinel = errs.ErrUnauthorized
	case http.StatusNotFound:
		sentinel = errs.ErrNotFound
	case http.StatusConflict:
		sentinel = errs.ErrSyncInProgress
	case http.StatusBadGateway:
		sentinel = errs.ErrTokenExchangeFailed
	case http.StatusServiceUnavailable:
		sentinel = errs.ErrProviderMisconfigured
	default:
		return fmt.Errorf("status=%d %s", status, msg)
	}
	return fmt.Errorf("%w (status=%d %s)", sentinel, status, msg)
}

// wsListener receives the completion message over the events websocket.
type wsListener struct {
	base  string
	token string
}

var _ oauth.Listener = (*wsListener)(nil)

func eventsURL(base, token, state string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/v1/oauth/events")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := url.Values{"state": {state}, "access_token": {token}}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (l *wsListener) Listen(ctx context.Context, state string) (<-chan oauth.Message, func(), error) {
	u, err := eventsURL(l.base, l.token, state)
	if err != nil {
		return nil, nil, err
	}
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("events: %w", err)
	}
	ch := make(chan oauth.Message, 1)
	go func() {
		defer close(ch)
		var m oauth.Message
		if err := wsjson.Read(ctx, conn, &m); err != nil {
			return
		}
		ch <- m
	}()
	var once sync.Once
	stop := func() { once.Do(func() { _ = conn.Close(websocket.StatusNormalClosure, "") }) }
	return ch, stop, nil
}

// browserOpener opens the consent URL in the system browser. The CLI cannot
// observe the tab, so the flow ends on message or timeout only.
type browserOpener struct {
	out io.Writer
	// noLaunch prints the URL instead of launching a browser.
	noLaunch bool
	look     func(string) (string, error)
	start    func(name string, args ...string) error
}

var _ oauth.Opener = (*browserOpener)(nil)

func launcher() (string, []string) {
	switch runtime.GOOS {
	case "darwin":
		return "open", nil
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler"}
	default:
		return "xdg-open", nil
	}
}

func (b *browserOpener) Available() error {
	if b.noLaunch {
		return nil
	}
	name, _ := launcher()
	if _, err := b.look(name); err != nil {
		return fmt.Errorf("no browser launcher (%s); rerun with --no-browser", name)
	}
	return nil
}

func (b *browserOpener) Open(u string) (oauth.Popup, error) {
	fmt.Fprintf(b.out, "Open this URL to authorize:\n  %s\n", u)
	if b.noLaunch {
		return tab{}, nil
	}
	name, args := launcher()
	if err := b.start(name, append(args, u)...); err != nil {
		return nil, err
	}
	return tab{}, nil
}

type tab struct{}

func (tab) Closed() bool { return false }
func (tab) Close()       {}

func startProcess(name string, args ...string) error {
	return exec.Command(name, args...).Start()
}

// newInitiator checks the provider with the API before any browser is touched.
func newInitiator(ctx context.Context, s *apiStarter, o oauth.Opener, l oauth.Listener, origin string, timeout time.Duration) *oauth.Initiator {
	return &oauth.Initiator{
		Starter:  s,
		Opener:   o,
		Listener: l,
		Origin:   origin,
		Check:    func(p model.Provider) error { return s.Check(ctx, p) },
		Timeout:  timeout,
	}
}

func newConnectCmd(baseURL *string, timeout *time.Duration) *cobra.Command {
	var (
		storeURL  string
		origin    = os.Getenv("APP_ORIGIN")
		noBrowser bool
	)
	cmd := &cobra.Command{
		Use:   "connect <provider> <platform>",
		Short: "Connect an integration through the provider consent page",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, ok := model.ParseProvider(args[0])
			if !ok {
				return fmt.Errorf("unknown provider %q", args[0])
			}
			p, ok := model.ParsePlatform(args[1])
			if !ok {
				return fmt.Errorf("unknown platform %q", args[1])
			}
			if origin == "" {
				return errors.New("missing app origin (--origin or env APP_ORIGIN)")
			}
			tf, err := loadToken()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), *timeout)
			defer cancel()

			starter := &apiStarter{base: *baseURL, token: tf.AccessToken, hc: &http.Client{Timeout: 30 * time.Second}}
			opener := &browserOpener{out: cmd.ErrOrStderr(), noLaunch: noBrowser, look: exec.LookPath, start: startProcess}
			in := newInitiator(ctx, starter, opener, &wsListener{base: *baseURL, token: tf.AccessToken}, origin, *timeout)
			m, err := in.Run(ctx, oauth.BeginRequest{Provider: provider, Platform: p, StoreURL: storeURL})
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), m)
			return nil
		},
	}
	cmd.Flags().StringVar(&storeURL, "store-url", "", "WooCommerce store URL")
	cmd.Flags().StringVar(&origin, "origin", origin, "app origin the server stamps on messages (env APP_ORIGIN)")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "print the consent URL instead of launching a browser")
	return cmd
}
