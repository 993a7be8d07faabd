// Package credentials resolves per-provider API credentials for agent
// launches. Lookup order is the operator-managed store first, then the
// process environment.
package credentials

import (
	"os"

	"github.com/codeswarm/codeswarm/internal/agent/adapter"
	apperrors "github.com/codeswarm/codeswarm/internal/common/errors"
	v1 "github.com/codeswarm/codeswarm/pkg/api/v1"
)

// Provider looks up a credential by its contract key.
type Provider interface {
	Lookup(key string) (string, bool)
}

// EnvProvider reads credentials from the process environment.
type EnvProvider struct{}

func (EnvProvider) Lookup(key string) (string, bool) {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

// StaticProvider serves a fixed map. Used in tests and for job-scoped
// overrides.
type StaticProvider map[string]string

func (p StaticProvider) Lookup(key string) (string, bool) {
	val, ok := p[key]
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

// Chain tries each provider in order.
type Chain []Provider

func (c Chain) Lookup(key string) (string, bool) {
	for _, p := range c {
		if val, ok := p.Lookup(key); ok {
			return val, true
		}
	}
	return "", false
}

// Resolve returns the credential for an agent kind. A missing credential is
// a fatal configuration error: the job must be rejected before any process
// starts. The integrator borrows the credential of its CLI family.
func Resolve(p Provider, kind v1.AgentKind) (string, error) {
	key, err := adapter.CredentialKey(kind)
	if err != nil {
		return "", apperrors.Configuration(err.Error())
	}
	val, ok := p.Lookup(key)
	if !ok {
		return "", apperrors.Configuration("missing credential " + key)
	}
	return val, nil
}
