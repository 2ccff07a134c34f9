// Package tagging derives the tags written to a resource from the identity
// that created it.
package tagging

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/autotag/attribution"
	"github.com/yairfalse/autotag/internal/telemetry"
	"github.com/yairfalse/autotag/pkg/resource"
)

// Tag keys written by the deriver.
const (
	KeyUserName    = "IAM User Name"
	KeyDateCreated = "Date created"
	KeyRoleName    = "IAM Role Name"
	KeyCreatedBy   = "Created by"
)

// DefaultPrefix is the root of the parameter tree holding per-principal tags.
const DefaultPrefix = "/auto-tag"

// IdentityTags looks up the tags attached to IAM principals.
type IdentityTags interface {
	UserTags(ctx context.Context, user string) ([]resource.Tag, error)
	RoleTags(ctx context.Context, role string) ([]resource.Tag, error)
}

// ParameterSource lists every parameter below a path, recursively and
// decrypted.
type ParameterSource interface {
	ParametersByPath(ctx context.Context, path string) ([]resource.Parameter, error)
}

// Deriver builds the ordered tag list for an identity
type Deriver struct {
	identities IdentityTags
	params     ParameterSource
	marker     resource.Tag
	prefix     string
	onDegraded func(ctx context.Context, source string)
	logger     *telemetry.Logger
	tracer     trace.Tracer
}

// Option configures a Deriver.
type Option func(*Deriver)

// WithPrefix sets the parameter tree root.
func WithPrefix(prefix string) Option {
	return func(d *Deriver) {
		d.prefix = strings.TrimRight(prefix, "/")
	}
}

// WithDegradedHook is called with the source name whenever a lookup fails.
func WithDegradedHook(fn func(ctx context.Context, source string)) Option {
	return func(d *Deriver) {
		d.onDegraded = fn
	}
}

// NewDeriver creates a deriver that ends every tag list with marker.
func NewDeriver(identities IdentityTags, params ParameterSource, marker resource.Tag, opts ...Option) *Deriver {
	d := &Deriver{
		identities: identities,
		params:     params,
		marker:     marker,
		prefix:     DefaultPrefix,
		logger:     telemetry.NewLogger("tag-deriver"),
		tracer:     otel.Tracer("tag-deriver"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Marker returns the tag written last to every resource.
func (d *Deriver) Marker() resource.Tag {
	return d.marker
}

// Derive returns the tags for a resource created by id, in write order:
// user tags, creation date, role tags, then the marker. Failed lookups
// contribute nothing and never abort the derivation.
func (d *Deriver) Derive(ctx context.Context, id attribution.Identity) []resource.Tag {
	ctx, span := d.tracer.Start(ctx, "Derive", trace.WithAttributes(
		attribute.String("principal.kind", string(id.Kind)),
	))
	defer span.End()

	var tags []resource.Tag

	if id.UserName != "" {
		tags = append(tags, resource.Tag{Key: KeyUserName, Value: id.UserName})
		tags = append(tags, d.userTags(ctx, id.UserName)...)
		tags = append(tags, d.parameterTags(ctx, d.prefix+"/"+id.UserName+"/tag")...)
	}

	if id.EventTime != "" {
		tags = append(tags, resource.Tag{Key: KeyDateCreated, Value: id.EventTime})
	}

	if id.RoleName != "" {
		tags = append(tags, resource.Tag{Key: KeyRoleName, Value: id.RoleName})
		tags = append(tags, d.roleTags(ctx, id.RoleName)...)
		if id.AssumedUserID != "" {
			tags = append(tags, resource.Tag{Key: KeyCreatedBy, Value: id.AssumedUserID})
			tags = append(tags, d.parameterTags(ctx, d.prefix+"/"+id.RoleName+"/"+id.AssumedUserID+"/tag")...)
		}
	}

	tags = append(tags, d.marker)
	span.SetAttributes(attribute.Int("tags.count", len(tags)))
	return tags
}

func (d *Deriver) userTags(ctx context.Context, user string) []resource.Tag {
	tags, err := d.identities.UserTags(ctx, user)
	if err != nil {
		d.degraded(ctx, "iam-user", user, err)
		return nil
	}
	return tags
}

func (d *Deriver) roleTags(ctx context.Context, role string) []resource.Tag {
	tags, err := d.identities.RoleTags(ctx, role)
	if err != nil {
		d.degraded(ctx, "iam-role", role, err)
		return nil
	}
	return tags
}

// parameterTags turns every parameter under path into a tag keyed by the
// parameter name's final segment.
func (d *Deriver) parameterTags(ctx context.Context, path string) []resource.Tag {
	params, err := d.params.ParametersByPath(ctx, path)
	if err != nil {
		d.degraded(ctx, "ssm", path, err)
		return nil
	}

	tags := make([]resource.Tag, 0, len(params))
	for _, p := range params {
		key := p.Name[strings.LastIndex(p.Name, "/")+1:]
		tags = append(tags, resource.Tag{Key: key, Value: p.Value})
	}
	return tags
}

func (d *Deriver) degraded(ctx context.Context, source, subject string, err error) {
	d.logger.LogDegraded(ctx, source, subject, err)
	if d.onDegraded != nil {
		d.onDegraded(ctx, source)
	}
}
