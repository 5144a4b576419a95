package service

import (
	"context"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keboola/channel-distributer/internal/pkg/log"
	"github.com/keboola/channel-distributer/internal/pkg/service/importer/distributer"
)

// ownershipLogger logs channels acquired and released by the host.
type ownershipLogger struct {
	logger log.Logger
	topic  string
	owned  mapset.Set[string]
}

func newOwnershipLogger(logger log.Logger, topic string) *ownershipLogger {
	return &ownershipLogger{
		logger: logger.With(attribute.String("topic", topic)),
		topic:  topic,
		owned:  mapset.NewSet[string](),
	}
}

func (c *ownershipLogger) OnChange(ctx context.Context, change distributer.ChannelChange) {
	for _, uri := range sorted(change.Removed) {
		c.owned.Remove(uri)
		c.logger.Infof(ctx, `released channel "%s" of the topic "%s", epoch %d`, uri, c.topic, change.Epoch)
	}
	for _, uri := range sorted(change.Added) {
		c.owned.Add(uri)
		c.logger.Infof(ctx, `acquired channel "%s" of the topic "%s", epoch %d`, uri, c.topic, change.Epoch)
	}
}

func (c *ownershipLogger) OnClusterStateChange(ctx context.Context, mode distributer.VersionedOperationMode) {
	c.logger.Infof(ctx, `operation mode of the topic "%s" is "%s", version %d`, c.topic, mode.Mode, mode.Version)
}

func (c *ownershipLogger) Owned() []string {
	return sorted(c.owned)
}

func sorted(set mapset.Set[string]) []string {
	out := set.ToSlice()
	slices.Sort(out)
	return out
}
