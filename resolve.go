package ddns

import (
	"context"
	"strings"

	"github.com/cloudflare/cloudflare-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrZoneNotFound is returned when no Cloudflare zone matches a
	// configured or derived zone name.
	ErrZoneNotFound = errors.New("zone not found")
	// ErrRecordNotFound is returned when a zone holds no A record with the
	// configured name.
	ErrRecordNotFound = errors.New("record not found")
)

// resolver turns zone and record names into the opaque IDs the Cloudflare
// API addresses them by. Results are cached for the life of the process;
// operator-supplied override IDs are seeded into the same cache so every
// path reads through it.
type resolver struct {
	api    *cloudflare.API
	cache  *identifierCache
	logger *logrus.Entry
}

func (r *resolver) resolveZone(ctx context.Context, zoneName string) (string, error) {
	if id, ok := r.cache.zone(zoneName); ok {
		return id, nil
	}
	zones, err := r.api.ListZones(ctx)
	if err != nil {
		return "", errors.Wrap(err, "listing zones")
	}
	for _, z := range zones {
		if z.Name == zoneName {
			r.cache.putZone(zoneName, z.ID)
			return z.ID, nil
		}
	}
	return "", errors.Wrapf(ErrZoneNotFound, "no zone named %q", zoneName)
}

// deriveZone finds the zone owning recordName by listing the account's zones
// and choosing the longest zone name that is a suffix of the record name, so
// "a.b.example.com" prefers a "b.example.com" zone over "example.com".
func (r *resolver) deriveZone(ctx context.Context, recordName string) (zoneName, zoneID string, err error) {
	zones, err := r.api.ListZones(ctx)
	if err != nil {
		return "", "", errors.Wrap(err, "listing zones")
	}
	max := 0
	for _, z := range zones {
		if recordName != z.Name && !strings.HasSuffix(recordName, "."+z.Name) {
			continue
		}
		if len(z.Name) > max {
			max, zoneName, zoneID = len(z.Name), z.Name, z.ID
		}
	}
	if max == 0 {
		return "", "", errors.Wrapf(ErrZoneNotFound, "no zone owns %q", recordName)
	}
	r.cache.putZone(zoneName, zoneID)
	return zoneName, zoneID, nil
}

func (r *resolver) resolveRecord(ctx context.Context, zoneID, recordName string) (string, error) {
	if id, ok := r.cache.record(zoneID, recordName); ok {
		return id, nil
	}
	records, _, err := r.api.ListDNSRecords(ctx, cloudflare.ZoneIdentifier(zoneID), cloudflare.ListDNSRecordsParams{
		Type: "A",
		Name: recordName,
	})
	if err != nil {
		return "", errors.Wrap(err, "listing dns records")
	}
	for _, rec := range records {
		if rec.Name == recordName && rec.Type == "A" {
			r.cache.putRecord(zoneID, recordName, rec.ID)
			return rec.ID, nil
		}
	}
	return "", errors.Wrapf(ErrRecordNotFound, "no A record named %q in zone %s", recordName, zoneID)
}

// qualify returns recordName fully qualified under zoneName, logging a
// warning when a repair was needed: an unqualified name would silently fail
// the provider lookup, so fixing it up is a correctness repair rather than a
// default.
func (r *resolver) qualify(recordName, zoneName string) string {
	fixed := qualifyName(recordName, zoneName)
	if fixed != recordName {
		r.logger.WithFields(logrus.Fields{
			"record": recordName,
			"zone":   zoneName,
		}).Warnf("record name is not qualified under its zone; using %q", fixed)
	}
	return fixed
}

// qualifyName appends zoneName to recordName unless the record name already
// ends with it. A trailing dot on the record name is treated as the join
// separator rather than doubled.
func qualifyName(recordName, zoneName string) string {
	if strings.Contains(recordName, ".") && strings.HasSuffix(recordName, zoneName) {
		return recordName
	}
	if strings.HasSuffix(recordName, ".") {
		return recordName + zoneName
	}
	return recordName + "." + zoneName
}
