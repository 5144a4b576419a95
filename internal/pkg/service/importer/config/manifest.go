package config

import (
	"bytes"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/keboola/channel-distributer/internal/pkg/service/importer/channel"
	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

// Manifest declares channels of the host, per topic.
//
//	topics:
//	  orders:
//	    - tcp://source-1:9000
//	    - tcp://source-2:9000
type Manifest struct {
	Topics map[string][]string `yaml:"topics"`
}

func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, errors.PrefixErrorf(err, `cannot read manifest "%s"`, path)
	}
	return ParseManifest(data)
}

// ParseManifest decodes the manifest, validates topics and normalizes channel URIs.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return Manifest{}, errors.PrefixError(err, "cannot decode manifest")
	}

	errs := errors.NewMultiError()
	for _, topic := range m.TopicNames() {
		if err := channel.ValidateTopic(topic); err != nil {
			errs.Append(err)
			continue
		}
		uris, err := channel.NormalizeURIs(m.Topics[topic])
		if err != nil {
			errs.Append(errors.PrefixErrorf(err, `topic "%s"`, topic))
			continue
		}
		m.Topics[topic] = uris
	}
	if err := errs.ErrorOrNil(); err != nil {
		return Manifest{}, errors.PrefixError(err, "invalid manifest")
	}

	return m, nil
}

// TopicNames returns sorted topic names.
func (m Manifest) TopicNames() []string {
	out := make([]string, 0, len(m.Topics))
	for topic := range m.Topics {
		out = append(out, topic)
	}
	slices.Sort(out)
	return out
}
