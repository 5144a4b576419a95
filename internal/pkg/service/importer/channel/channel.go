// Package channel defines identity of an importer channel: a topic and a normalized URI.
package channel

import (
	"net/url"
	"slices"
	"strings"

	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
	"github.com/keboola/channel-distributer/internal/pkg/validator"
)

var topicValidator = validator.New() // nolint: gochecknoglobals

// Spec identifies one channel, the value is immutable.
type Spec struct {
	Topic string
	URI   string
}

func (s Spec) String() string {
	return s.Topic + ":" + s.URI
}

// NewSpec validates and normalizes the topic and the URI.
func NewSpec(topic, uri string) (Spec, error) {
	if err := ValidateTopic(topic); err != nil {
		return Spec{}, err
	}
	normalized, err := NormalizeURI(uri)
	if err != nil {
		return Spec{}, err
	}
	return Spec{Topic: topic, URI: normalized}, nil
}

// ValidateTopic checks the topic name, see validator.TopicPattern.
func ValidateTopic(topic string) error {
	if err := topicValidator.ValidateValue(topic, "required,topic"); err != nil {
		return errors.PrefixErrorf(err, `invalid topic "%s"`, topic)
	}
	return nil
}

// NormalizeURI parses the URI, it must have a scheme and a host or an opaque part.
func NormalizeURI(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", errors.PrefixErrorf(err, `invalid channel URI "%s"`, raw)
	}
	if u.Scheme == "" {
		return "", errors.Errorf(`invalid channel URI "%s": scheme is missing`, raw)
	}
	if u.Host == "" && u.Opaque == "" {
		return "", errors.Errorf(`invalid channel URI "%s": host is missing`, raw)
	}
	return u.String(), nil
}

// NormalizeURIs returns sorted unique normalized URIs, all invalid URIs are reported.
func NormalizeURIs(raw []string) ([]string, error) {
	errs := errors.NewMultiError()
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if uri, err := NormalizeURI(r); err != nil {
			errs.Append(err)
		} else {
			out = append(out, uri)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
