package attribution

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/code-payments/purchases-go/backend"
	"github.com/code-payments/purchases-go/cache"
	"github.com/code-payments/purchases-go/model"
)

// Poster forwards attribution payloads from ad networks to the backend,
// skipping payloads identical to the last one sent for the same network.
// Hosts tend to forward attribution on every launch, so the dedup is
// what keeps this from being a per-launch network call.
type Poster struct {
	log         *zap.Logger
	deviceCache *cache.DeviceCache
	client      *backend.Client
}

func NewPoster(log *zap.Logger, deviceCache *cache.DeviceCache, client *backend.Client) *Poster {
	return &Poster{
		log:         log,
		deviceCache: deviceCache,
		client:      client,
	}
}

// Post sends an attribution payload for appUserID. The recorded
// fingerprint is only advanced after the backend accepts the payload, so
// a failed post is retried on the next call.
func (p *Poster) Post(ctx context.Context, appUserID, network string, data map[string]interface{}) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "failed to encode attribution payload")
	}
	fingerprint := model.RequestFingerprint(network, string(encoded))

	if latest, ok := p.deviceCache.LatestAttributionSent(ctx, appUserID, network); ok && latest == fingerprint {
		p.log.Debug("Skipping attribution payload already sent",
			zap.String("network", network),
		)
		return nil
	}

	if err := p.client.PostAttribution(ctx, appUserID, network, data); err != nil {
		return err
	}

	return p.deviceCache.SetLatestAttributionSent(ctx, appUserID, network, fingerprint)
}
