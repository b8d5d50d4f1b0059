// Package auth resolves playbook-declared credential configs into
// request-ready credentials for tool execution (§4.8). Secret values are
// never logged and never written into events.
package auth

import (
	"context"
	"net/http"

	"golang.org/x/oauth2/google"

	"github.com/noetl/orchestrator/internal/kernelerr"
	"github.com/noetl/orchestrator/internal/playbook"
)

// Credentials is the resolved, request-ready credential.
type Credentials struct {
	Kind   playbook.AuthKind
	Header string
	Value  string
	// Basic-only.
	Username string
	Password string
}

// ApplyToRequest attaches the credential to an outbound HTTP request.
func (c Credentials) ApplyToRequest(req *http.Request) {
	switch c.Kind {
	case playbook.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+c.Value)
	case playbook.AuthBasic:
		req.SetBasicAuth(c.Username, c.Password)
	case playbook.AuthAPIKey:
		header := c.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, c.Value)
	case playbook.AuthGcpAdc:
		req.Header.Set("Authorization", "Bearer "+c.Value)
	}
}

// Secrets looks up a named credential from a tool execution's secret
// store; ctx.secrets is populated by the caller (never by the playbook
// itself) from its configured secret backend.
type Secrets interface {
	Get(ctx context.Context, name string) (string, error)
}

// Resolve resolves an auth spec into Credentials. A nil spec resolves to
// the None variant.
func Resolve(ctx context.Context, spec *playbook.AuthSpec, secrets Secrets) (Credentials, error) {
	if spec == nil || spec.Kind == "" || spec.Kind == playbook.AuthNone {
		return Credentials{Kind: playbook.AuthNone}, nil
	}

	switch spec.Kind {
	case playbook.AuthBearer:
		token, err := resolveSecretOrLiteral(ctx, spec.Token, spec.Credential, secrets)
		if err != nil {
			return Credentials{}, err
		}
		return Credentials{Kind: playbook.AuthBearer, Value: token}, nil

	case playbook.AuthBasic:
		password, err := resolveSecretOrLiteral(ctx, spec.Password, spec.Credential, secrets)
		if err != nil {
			return Credentials{}, err
		}
		if spec.Username == "" {
			return Credentials{}, kernelerr.New(kernelerr.Validation, "basic auth requires a username")
		}
		return Credentials{Kind: playbook.AuthBasic, Username: spec.Username, Password: password}, nil

	case playbook.AuthAPIKey:
		value, err := resolveSecretOrLiteral(ctx, spec.Token, spec.Credential, secrets)
		if err != nil {
			return Credentials{}, err
		}
		header := spec.Header
		if header == "" {
			header = "X-API-Key"
		}
		return Credentials{Kind: playbook.AuthAPIKey, Header: header, Value: value}, nil

	case playbook.AuthGcpAdc:
		scopes := spec.Scopes
		if len(scopes) == 0 {
			scopes = []string{"https://www.googleapis.com/auth/cloud-platform"}
		}
		creds, err := google.FindDefaultCredentials(ctx, scopes...)
		if err != nil {
			return Credentials{}, kernelerr.Wrap(kernelerr.Auth, "resolve application default credentials", err)
		}
		token, err := creds.TokenSource.Token()
		if err != nil {
			return Credentials{}, kernelerr.Wrap(kernelerr.Auth, "obtain ADC access token", err)
		}
		return Credentials{Kind: playbook.AuthGcpAdc, Value: token.AccessToken}, nil

	default:
		return Credentials{}, kernelerr.New(kernelerr.Validation, "unknown auth kind: "+string(spec.Kind))
	}
}

func resolveSecretOrLiteral(ctx context.Context, literal, credentialName string, secrets Secrets) (string, error) {
	if credentialName != "" {
		if secrets == nil {
			return "", kernelerr.New(kernelerr.Auth, "credential lookup requested but no secret store configured")
		}
		val, err := secrets.Get(ctx, credentialName)
		if err != nil {
			return "", kernelerr.Wrap(kernelerr.Auth, "resolve credential "+credentialName, err)
		}
		return val, nil
	}
	if literal == "" {
		return "", kernelerr.New(kernelerr.Validation, "auth spec has neither a literal value nor a credential reference")
	}
	return literal, nil
}
