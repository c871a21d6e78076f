// Package pipeline implements the async upload pipeline: after an OCI
// write is durable locally and the response already sent, pack the bytes
// and pin them to the remote backend in the background, then rewrite the
// mapping so later reads are served remotely.
//
// Nothing here touches an *http.Request or http.ResponseWriter — every
// input is captured by value before the goroutine is spawned, since the
// request that triggered the pin may already be long gone by the time it
// completes.
package pipeline

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/JAG-UK/pincer/internal/auth"
	"github.com/JAG-UK/pincer/internal/car"
	"github.com/JAG-UK/pincer/internal/digest"
	"github.com/JAG-UK/pincer/internal/mapping"
	"github.com/JAG-UK/pincer/internal/remote"
)

// fundingHintURL is logged alongside an insufficient-funds pin failure so
// an operator knows where to top up the wallet backing cred.
const fundingHintURL = "https://docs.example/funding"

// Pipeline owns the remote manager and mapping index the background pin
// tasks it spawns need.
type Pipeline struct {
	remote  *remote.Manager
	mapping *mapping.Index
	log     *logrus.Logger
}

// New constructs a Pipeline.
func New(mgr *remote.Manager, idx *mapping.Index, log *logrus.Logger) *Pipeline {
	return &Pipeline{remote: mgr, mapping: idx, log: log}
}

// PinBlobAsync packs content and pins it in the background, rewriting
// mapping[image].blobs[d] from d to the resulting content-id on success.
func (p *Pipeline) PinBlobAsync(image string, d digest.Digest, cred auth.Credential, content []byte) {
	packed, err := car.Pack(content)
	if err != nil {
		p.log.WithError(err).WithField("digest", d).Warn("car packing failed, blob stays local-only")
		return
	}

	go func() {
		ctx := context.Background()
		logger := p.log.WithFields(logrus.Fields{"image": image, "digest": string(d), "kind": "blob"})

		svc, err := p.remote.ServiceFor(ctx, cred, image)
		if err != nil {
			logger.WithError(err).Warn("failed to acquire remote service for blob pin")
			return
		}

		_, err = svc.Pin(ctx, packed.Payload, packed.ContentID, map[string]string{
			"type":   "oci-blob",
			"image":  image,
			"digest": string(d),
		})
		if err != nil {
			logFailure(logger, err)
			return
		}

		if err := p.mapping.RewriteBlobContentRef(image, d, mapping.ContentRef(packed.ContentID)); err != nil {
			logger.WithError(err).Error("failed to rewrite blob mapping after successful pin")
		}
	}()
}

// PinManifestAsync packs content (the raw manifest body) and pins it in the
// background, rewriting the manifest's mapping entry/entries from the
// local digest to the resulting content-id on success. references lists
// every mapping key (tag and/or digest alias) this manifest was recorded
// under, mirroring PUT's own tag+digest-alias dual write.
func (p *Pipeline) PinManifestAsync(image string, references []string, manifestDigest digest.Digest, cred auth.Credential, content []byte) {
	packed, err := car.Pack(content)
	if err != nil {
		p.log.WithError(err).WithField("digest", manifestDigest).Warn("car packing failed, manifest stays local-only")
		return
	}

	go func() {
		ctx := context.Background()
		logger := p.log.WithFields(logrus.Fields{"image": image, "digest": string(manifestDigest), "kind": "manifest"})

		svc, err := p.remote.ServiceFor(ctx, cred, image)
		if err != nil {
			logger.WithError(err).Warn("failed to acquire remote service for manifest pin")
			return
		}

		_, err = svc.Pin(ctx, packed.Payload, packed.ContentID, map[string]string{
			"type":   "oci-manifest",
			"image":  image,
			"digest": string(manifestDigest),
		})
		if err != nil {
			logFailure(logger, err)
			return
		}

		for _, ref := range references {
			if err := p.mapping.RewriteManifestContentRef(image, ref, mapping.ContentRef(packed.ContentID)); err != nil {
				logger.WithError(err).WithField("reference", ref).Error("failed to rewrite manifest mapping after successful pin")
			}
		}
	}()
}

func logFailure(logger *logrus.Entry, err error) {
	if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
		logger.WithError(err).WithField("funding_url", fundingHintURL).Warn("remote pin failed: insufficient funds")
		return
	}
	logger.WithError(err).Warn("remote pin failed, mapping stays at local digest")
}
