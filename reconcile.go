package ddns

import (
	"context"
	"net/netip"

	"github.com/cloudflare/cloudflare-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// reconcile compares the record's published content against the observed
// public IP and issues an update only on mismatch. The published value is
// re-fetched every cycle instead of trusting a remembered one, so changes
// made out of band are corrected too. Failures here are scoped to this
// record and this cycle; the next cycle re-fetches and retries naturally.
func (c *Client) reconcile(ctx context.Context, rec *managedRecord, observed netip.Addr) error {
	log := c.logger.WithField("record", rec.name)
	zone := cloudflare.ZoneIdentifier(rec.zoneID)

	current, err := c.api.GetDNSRecord(ctx, zone, rec.recordID)
	if err != nil {
		return errors.Wrap(err, "fetching published record")
	}

	if current.Content == observed.String() {
		log.WithField("ip", observed.String()).Debug("record is up to date")
		return nil
	}

	_, err = c.api.UpdateDNSRecord(ctx, zone, cloudflare.UpdateDNSRecordParams{
		ID:      rec.recordID,
		Type:    "A",
		Name:    rec.name,
		Content: observed.String(),
		TTL:     1, // 1 means "automatic" to Cloudflare
		Proxied: cloudflare.BoolPtr(false),
	})
	if err != nil {
		return errors.Wrapf(err, "updating record from %s to %s", current.Content, observed)
	}
	log.WithFields(logrus.Fields{
		"from": current.Content,
		"to":   observed.String(),
	}).Info("record updated")
	return nil
}
