package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/and161185/keyward/internal/model"
	grpcserver "github.com/and161185/keyward/internal/server/grpc"
	"github.com/and161185/keyward/internal/vault"
)

// ---- token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (a *app) cfgDir() string {
	if v := a.getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "keyward")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "keyward")
}

func (a *app) tokenPath() string { return filepath.Join(a.cfgDir(), "token.json") }

func (a *app) saveToken(tok string, exp time.Time) error {
	if err := os.MkdirAll(a.cfgDir(), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(tokenFile{AccessToken: tok, ExpiresAt: exp}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(a.tokenPath(), b, 0o600)
}

func (a *app) loadToken(now time.Time) (string, error) {
	b, err := os.ReadFile(a.tokenPath())
	if err != nil {
		return "", errors.New("no saved token (run keywardctl login)")
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || now.After(tf.ExpiresAt) {
		return "", errors.New("no valid token (login required)")
	}
	return tf.AccessToken, nil
}

// ---- login over HTTP ----

func login(ctx context.Context, client *http.Client, server, email, password string) (model.Tokens, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return model.Tokens{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return model.Tokens{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return model.Tokens{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.Tokens{}, err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return model.Tokens{}, fmt.Errorf("login failed: %s", e.Error)
		}
		return model.Tokens{}, fmt.Errorf("login failed: %s", resp.Status)
	}
	var tok model.Tokens
	if err := json.Unmarshal(raw, &tok); err != nil {
		return model.Tokens{}, err
	}
	if tok.AccessToken == "" {
		return model.Tokens{}, errors.New("login failed: empty access token")
	}
	return tok, nil
}

func newLoginCmd(a *app) *cobra.Command {
	var server, email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and save the access token for secrets commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = a.getenv("KEYWARD_PASSWORD")
			}
			if email == "" || password == "" {
				return errors.New("need --email and --password (or KEYWARD_PASSWORD)")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			tok, err := login(ctx, &http.Client{Timeout: 30 * time.Second}, server, email, password)
			if err != nil {
				return err
			}
			exp := time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
			if err := a.saveToken(tok.AccessToken, exp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (tenant %s)\n", tok.User.Email, tok.User.TenantID)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:3010", "HTTP base URL")
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	return cmd
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

func loadTLS(caPath string, plaintext bool) (credentials.TransportCredentials, error) {
	if plaintext {
		return insecure.NewCredentials(), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}), nil
}

type remoteFlags struct {
	addr      string
	caPath    string
	plaintext bool
	token     string
}

func (f *remoteFlags) bind(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.addr, "addr", "localhost:3011", "gRPC address")
	cmd.PersistentFlags().StringVar(&f.caPath, "cacert", "", "CA cert (PEM)")
	cmd.PersistentFlags().BoolVar(&f.plaintext, "plaintext", false, "disable TLS (local development)")
	cmd.PersistentFlags().StringVar(&f.token, "token", "", "access token (default: saved by login)")
}

func (a *app) dial(f *remoteFlags) (*grpc.ClientConn, *grpcserver.Client, error) {
	creds, err := loadTLS(f.caPath, f.plaintext)
	if err != nil {
		return nil, nil, err
	}
	token := f.token
	if token == "" {
		if token, err = a.loadToken(time.Now()); err != nil {
			return nil, nil, err
		}
	}
	cc, err := grpc.NewClient(f.addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(bearerCreds{token: token, secure: !f.plaintext}),
	)
	if err != nil {
		return nil, nil, err
	}
	return cc, grpcserver.NewClient(cc), nil
}

func printEnv(w io.Writer, b vault.Bundle, reveal bool) {
	for _, k := range sortedKeys(b) {
		v := b[k]
		if !reveal {
			v = vault.Mask(v)
		}
		fmt.Fprintf(w, "%s=%s\n", k, v)
	}
}

func newSecretsCmd(a *app) *cobra.Command {
	var (
		f        remoteFlags
		tenantID string
		reveal   bool
	)
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Read credentials from a running server",
	}
	f.bind(cmd)
	cmd.PersistentFlags().StringVar(&tenantID, "tenant", "", "tenant id (default: your own)")

	get := &cobra.Command{
		Use:   "get [KEY...]",
		Short: "Print secrets as KEY=VALUE lines, masked unless --reveal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cli, err := a.dial(&f)
			if err != nil {
				return err
			}
			defer cc.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			b, err := cli.GetSecrets(ctx, tenantID, args...)
			if err != nil {
				return err
			}
			printEnv(cmd.OutOrStdout(), b, reveal)
			return nil
		},
	}
	get.Flags().BoolVar(&reveal, "reveal", false, "print values in clear")

	check := &cobra.Command{
		Use:   "check KEY...",
		Short: "Report which keys are missing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cli, err := a.dial(&f)
			if err != nil {
				return err
			}
			defer cc.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			req, err := cli.CheckRequired(ctx, tenantID, args...)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), req); err != nil {
				return err
			}
			if !req.Valid {
				return fmt.Errorf("missing %d required keys", len(req.Missing))
			}
			return nil
		},
	}

	cmd.AddCommand(get, check)
	return cmd
}
