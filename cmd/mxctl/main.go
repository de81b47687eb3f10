// Command mxctl is an operator CLI for the Metrionix backend.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/and161185/metrionix/internal/convert"
	"github.com/and161185/metrionix/internal/model"
	grpcserver "github.com/and161185/metrionix/internal/server/grpc"
	"github.com/and161185/metrionix/internal/service"
	"github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ---- token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	AgencyID    string    `json:"agency_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "metrionix")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "metrionix")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, agency uuid.UUID, exp time.Time) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, AgencyID: agency.String(), ExpiresAt: exp})
}

func loadToken() (tokenFile, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return tokenFile{}, err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return tokenFile{}, err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return tokenFile{}, errors.New("no valid token (run mxctl token)")
	}
	return tf, nil
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

type dialOpts struct {
	addr      string
	caPath    string
	skipTLS   bool
	plaintext bool
}

func loadTLS(o dialOpts) (credentials.TransportCredentials, error) {
	if o.plaintext {
		return insecure.NewCredentials(), nil
	}
	if o.skipTLS {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if o.caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(o.caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

func dial(o dialOpts, bearer string) (*grpc.ClientConn, *grpcserver.IntegrationsClient, error) {
	creds, err := loadTLS(o)
	if err != nil {
		return nil, nil, err
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: !o.plaintext}))
	}
	cc, err := grpc.NewClient(o.addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cc, grpcserver.NewIntegrationsClient(cc), nil
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// rpcError unwraps a gRPC status into "code: message".
func rpcError(err error) error {
	if st, ok := status.FromError(err); ok {
		return fmt.Errorf("%s: %s", st.Code(), st.Message())
	}
	return err
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

func newRootCmd() *cobra.Command {
	var (
		d       = dialOpts{addr: envOr("MX_GRPC_ADDR", "localhost:9090")}
		baseURL = envOr("MX_HTTP_URL", "http://localhost:8080")
		timeout = 2 * time.Minute
	)

	root := &cobra.Command{
		Use:           "mxctl",
		Short:         "Operator CLI for the Metrionix backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&d.addr, "addr", d.addr, "gRPC address (env MX_GRPC_ADDR)")
	pf.StringVar(&baseURL, "http", baseURL, "HTTP API base URL (env MX_HTTP_URL)")
	pf.StringVar(&d.caPath, "cacert", "", "CA cert (PEM)")
	pf.BoolVar(&d.skipTLS, "insecure", false, "skip cert verify (dev)")
	pf.BoolVar(&d.plaintext, "plaintext", false, "gRPC without TLS (dev)")
	pf.DurationVar(&timeout, "timeout", timeout, "overall deadline per command")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mxctl %s (%s)\n", version, buildDate)
		},
	})
	root.AddCommand(newTokenCmd())

	// sync
	var start, end string
	syncCmd := &cobra.Command{
		Use:   "sync <platform> <account_id>",
		Short: "Trigger a sync over gRPC and print the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, ok := model.ParsePlatform(args[0])
			if !ok {
				return fmt.Errorf("unknown platform %q", args[0])
			}
			tf, err := loadToken()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			cc, cli, err := dial(d, tf.AccessToken)
			if err != nil {
				return err
			}
			defer cc.Close()

			out, err := cli.TriggerSync(ctx, convert.ToStructSync(convert.SyncParams{
				Platform: p, AccountID: args[1], StartDate: start, EndDate: end,
			}))
			if err != nil {
				return rpcError(err)
			}
			res, err := convert.FromStructSyncResult(out)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), res)
			return nil
		},
	}
	syncCmd.Flags().StringVar(&start, "start", "", "start date YYYY-MM-DD (default: 30 days before end)")
	syncCmd.Flags().StringVar(&end, "end", "", "end date YYYY-MM-DD (default: today)")
	root.AddCommand(syncCmd)

	// list
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the agency's integrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tf, err := loadToken()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			cc, cli, err := dial(d, tf.AccessToken)
			if err != nil {
				return err
			}
			defer cc.Close()

			out, err := cli.ListIntegrations(ctx, &structpb.Struct{})
			if err != nil {
				return rpcError(err)
			}
			list, err := convert.FromStructIntegrations(out)
			if err != nil {
				return err
			}
			if list == nil {
				list = []model.Integration{}
			}
			printJSON(cmd.OutOrStdout(), list)
			return nil
		},
	})

	root.AddCommand(newSignWebhookCmd(&baseURL))
	root.AddCommand(newConnectCmd(&baseURL, &timeout))
	return root
}

func newTokenCmd() *cobra.Command {
	var (
		secret    = os.Getenv("AUTH_JWT_SECRET")
		agency    string
		ttl       = time.Hour
		printOnly bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an agency bearer token with the shared signing secret (dev/ops)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				return errors.New("missing signing secret (--secret or env AUTH_JWT_SECRET)")
			}
			id, err := uuid.FromString(agency)
			if err != nil {
				return fmt.Errorf("bad --agency: %w", err)
			}
			tok, exp, err := service.NewAuthService([]byte(secret), ttl).Issue(id)
			if err != nil {
				return err
			}
			if printOnly {
				fmt.Fprintln(cmd.OutOrStdout(), tok)
				return nil
			}
			if err := saveToken(tok, id, exp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok, expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", secret, "HS256 signing secret (env AUTH_JWT_SECRET)")
	cmd.Flags().StringVar(&agency, "agency", "", "agency UUID")
	cmd.Flags().DurationVar(&ttl, "ttl", ttl, "token lifetime")
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the token instead of saving it")
	_ = cmd.MarkFlagRequired("agency")
	return cmd
}

// main runs the root command.
func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
