// Package policy resolves the admission policy from its three sources, highest
// precedence first: an SSM parameter, a YAML file, then flags/env.
//
// Both the file and the parameter hold the same YAML document:
//
//	max_requests: 5
//	window: 60s
//
// Either field may be omitted, it then keeps the value from the layer below.
package policy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/windowgate/internal/log"
	"github.com/keithlinneman/windowgate/internal/ratelimit"
	"github.com/keithlinneman/windowgate/internal/xerrors"
)

// Source names the layer that produced the effective policy.
type Source string

const (
	SourceFlags Source = "flags"
	SourceFile  Source = "file"
	SourceSSM   Source = "ssm"
)

// maxDocumentBytes bounds a policy document, real ones are a couple of lines
const maxDocumentBytes = 4 << 10

type document struct {
	MaxRequests *int    `yaml:"max_requests"`
	Window      *string `yaml:"window"`
}

// SSMAPI is the part of the SSM client the loader uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Overlay parses a policy document and applies the fields it sets on top of base.
// The result is validated.
func Overlay(base ratelimit.Policy, data []byte) (ratelimit.Policy, error) {
	if len(data) > maxDocumentBytes {
		return ratelimit.Policy{}, xerrors.Newf("policy document too large (%d bytes, max %d)", len(data), maxDocumentBytes)
	}

	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	// typos like max_request should fail loudly rather than be ignored
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return ratelimit.Policy{}, xerrors.New("policy document is empty")
		}
		return ratelimit.Policy{}, xerrors.Wrap(err, "parse policy document")
	}
	if doc.MaxRequests == nil && doc.Window == nil {
		return ratelimit.Policy{}, xerrors.New("policy document sets neither max_requests nor window")
	}

	p := base
	if doc.MaxRequests != nil {
		p.MaxRequests = *doc.MaxRequests
	}
	if doc.Window != nil {
		w, err := time.ParseDuration(strings.TrimSpace(*doc.Window))
		if err != nil {
			return ratelimit.Policy{}, xerrors.Wrapf(err, "policy window %q", *doc.Window)
		}
		p.Window = w
	}
	if err := p.Validate(); err != nil {
		return ratelimit.Policy{}, err
	}
	return p, nil
}

// FromFile overlays the document at path on base.
func FromFile(base ratelimit.Policy, path string) (ratelimit.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ratelimit.Policy{}, xerrors.Wrapf(err, "read policy file %s", path)
	}
	p, err := Overlay(base, data)
	if err != nil {
		return ratelimit.Policy{}, xerrors.Wrapf(err, "policy file %s", path)
	}
	return p, nil
}

// FromSSM overlays the document held in the named parameter on base.
// SecureString parameters are decrypted.
func FromSSM(ctx context.Context, client SSMAPI, base ratelimit.Policy, name string) (ratelimit.Policy, error) {
	if client == nil {
		return ratelimit.Policy{}, xerrors.New("ssm client is required")
	}
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return ratelimit.Policy{}, xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return ratelimit.Policy{}, xerrors.Newf("SSM parameter %s has no value", name)
	}
	val := strings.TrimSpace(*out.Parameter.Value)
	if val == "" {
		return ratelimit.Policy{}, xerrors.Newf("SSM parameter %s is empty", name)
	}
	p, err := Overlay(base, []byte(val))
	if err != nil {
		return ratelimit.Policy{}, xerrors.Wrapf(err, "SSM parameter %s", name)
	}
	return p, nil
}

type ResolveOptions struct {
	Logger log.Logger

	// Flags is the policy from flags/env, the bottom layer
	Flags ratelimit.Policy

	// File is a YAML policy file, skipped when ""
	File string

	// SSMParam is a parameter holding a YAML policy, skipped when ""
	SSMParam string
	SSM      SSMAPI
}

// Resolve layers flags, then file, then SSM, and returns the effective policy
// and the highest layer that contributed. A configured source that cannot be
// read is an error, it never silently falls back to a lower layer.
func Resolve(ctx context.Context, o ResolveOptions) (ratelimit.Policy, Source, error) {
	L := o.Logger
	if L == nil {
		L = log.Nop()
	}

	p := o.Flags
	src := SourceFlags
	if err := p.Validate(); err != nil {
		return ratelimit.Policy{}, "", xerrors.Wrap(err, "flag policy")
	}

	if o.File != "" {
		fp, err := FromFile(p, o.File)
		if err != nil {
			return ratelimit.Policy{}, "", err
		}
		L.Info(ctx, "policy file loaded", "path", o.File, "policy", fp.String())
		p, src = fp, SourceFile
	}

	if o.SSMParam != "" {
		sp, err := FromSSM(ctx, o.SSM, p, o.SSMParam)
		if err != nil {
			return ratelimit.Policy{}, "", err
		}
		L.Info(ctx, "policy ssm parameter loaded", "param", o.SSMParam, "policy", sp.String())
		p, src = sp, SourceSSM
	}

	return p, src, nil
}
