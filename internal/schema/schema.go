// Package schema validates inbound JSON bodies against embedded JSON Schemas.
package schema

import (
	"bytes"
	"embed"
	"fmt"

	"github.com/and161185/metrionix/internal/errs"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed *.json
var files embed.FS

// Names of the embedded schemas.
const (
	Webhook     = "webhook.json"
	SyncRequest = "sync_request.json"
	OAuthStart  = "oauth_start.json"
)

const baseURL = "https://schemas.metrionix.io/"

// Set holds compiled schemas by name.
type Set struct {
	byName map[string]*jsonschema.Schema
}

// Load compiles every embedded schema.
func Load() (*Set, error) {
	c := jsonschema.NewCompiler()
	names := []string{Webhook, SyncRequest, OAuthStart}
	for _, n := range names {
		raw, err := files.ReadFile(n)
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", n, err)
		}
		if err := c.AddResource(baseURL+n, doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", n, err)
		}
	}
	s := &Set{byName: map[string]*jsonschema.Schema{}}
	for _, n := range names {
		sch, err := c.Compile(baseURL + n)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", n, err)
		}
		s.byName[n] = sch
	}
	return s, nil
}

// MustLoad is Load for process start-up and tests.
func MustLoad() *Set {
	s, err := Load()
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks body against the named schema. Any failure, including
// malformed JSON, is reported as errs.ErrValidation.
func (s *Set) Validate(name string, body []byte) error {
	sch, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("schema %q not loaded", name)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: malformed json", errs.ErrValidation)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	return nil
}
