package ddns

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cloudflare/cloudflare-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is how often a Client re-checks the public IP when the
// caller doesn't specify an interval.
const DefaultPollInterval = 5 * time.Minute

var discard = func() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}()

// Record selects one DNS A record to keep updated.
//
// Name is required unless RecordID is set. A set ID skips the corresponding
// name lookup against the Cloudflare API, and when both zone fields are
// empty the owning zone is derived from Name by suffix match against the
// zones the API token can see.
type Record struct {
	Name     string
	ZoneName string
	ZoneID   string
	RecordID string
}

// managedRecord is a Record whose identifiers have been resolved. The poll
// loop owns the slice of these; reconcile goroutines only read them.
type managedRecord struct {
	name     string // fully qualified
	zoneName string
	zoneID   string
	recordID string
}

// New returns a Client that manages the given records.
//
// At minimum a Cloudflare API token must be registered with UsingCloudflare.
// Log output is discarded unless a logger is registered with WithLogger.
func New(records []Record, options ...Option) (*Client, error) {
	if len(records) == 0 {
		return nil, errors.New("ddns.New: at least one record is required")
	}
	c := &Client{
		detector: DefaultDetector,
		logger:   discard,
		configs:  records,
	}
	for i, opt := range options {
		if err := opt(c); err != nil {
			return nil, errors.Wrapf(err, "ddns.New: option %d returned an error", i)
		}
	}
	if c.token == "" {
		return nil, errors.New("ddns.New: no API token was registered - use ddns.UsingCloudflare")
	}

	c.cache = newIdentifierCache()
	c.gateway = newGateway(c.transport, c.logger)
	if c.rateCeiling > 0 {
		c.gateway.ceiling = c.rateCeiling
		c.gateway.window = c.rateWindow
	}
	if c.maxRetries > 0 {
		c.gateway.maxRetries = c.maxRetries
	}

	// No client-level timeout: the gateway bounds each network attempt
	// itself, and a client deadline would also cut short the quota and
	// backoff waits it performs between attempts.
	httpClient := &http.Client{Transport: c.gateway}
	cfOptions := append([]cloudflare.Option{cloudflare.HTTPClient(httpClient)}, c.cfOptions...)
	api, err := cloudflare.NewWithAPIToken(c.token, cfOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "ddns.New: creating cloudflare api client")
	}
	c.api = api
	c.resolver = &resolver{api: api, cache: c.cache, logger: c.logger}
	return c, nil
}

// Option configures a Client during New.
type Option func(*Client) error

// UsingCloudflare registers the API token used for every Cloudflare call.
func UsingCloudflare(token string) Option {
	return func(c *Client) error {
		if token == "" {
			return errors.New("api token cannot be empty")
		}
		c.token = token
		return nil
	}
}

// UsingDetector registers the public IP detector. A nil detector restores
// the default.
func UsingDetector(detector Detector) Option {
	return func(c *Client) error {
		if detector == nil {
			detector = DefaultDetector
		}
		c.detector = detector
		return nil
	}
}

// WithLogger registers the logger used by the client and everything it
// constructs. A nil entry discards log output.
func WithLogger(logger *logrus.Entry) Option {
	return func(c *Client) error {
		if logger == nil {
			logger = discard
		}
		c.logger = logger
		return nil
	}
}

// UsingTransport replaces the HTTP transport underneath the rate-limit
// gateway. Mostly useful for tests.
func UsingTransport(transport http.RoundTripper) Option {
	return func(c *Client) error {
		c.transport = transport
		return nil
	}
}

// WithRateLimit overrides the gateway's client-side request budget.
func WithRateLimit(ceiling int, window time.Duration) Option {
	return func(c *Client) error {
		if ceiling <= 0 || window <= 0 {
			return errors.New("rate limit ceiling and window must be positive")
		}
		c.rateCeiling = ceiling
		c.rateWindow = window
		return nil
	}
}

// WithMaxRetries overrides how many times the gateway retries a throttled or
// transiently failing call before giving up on it.
func WithMaxRetries(n int) Option {
	return func(c *Client) error {
		if n <= 0 {
			return errors.New("retry ceiling must be positive")
		}
		c.maxRetries = n
		return nil
	}
}

// WithCloudflareOptions passes extra options through to the cloudflare-go
// client, e.g. cloudflare.BaseURL for tests against a fake API.
func WithCloudflareOptions(options ...cloudflare.Option) Option {
	return func(c *Client) error {
		c.cfOptions = append(c.cfOptions, options...)
		return nil
	}
}

// Client keeps a set of Cloudflare A records pointed at the host's current
// public IPv4 address.
type Client struct {
	api      *cloudflare.API
	detector Detector
	resolver *resolver
	gateway  *gateway
	cache    *identifierCache
	logger   *logrus.Entry

	token       string
	transport   http.RoundTripper
	cfOptions   []cloudflare.Option
	rateCeiling int
	rateWindow  time.Duration
	maxRetries  int

	configs []Record
	managed []*managedRecord
}

// Init resolves every configured record to its zone and record IDs. Records
// that fail to resolve are dropped from the managed set with an error log so
// one bad entry can't take the others down; Init only fails when nothing
// survives.
//
// Run calls Init automatically; calling it directly is useful to fail fast
// on configuration problems.
func (c *Client) Init(ctx context.Context) error {
	managed := make([]*managedRecord, 0, len(c.configs))
	for _, cfg := range c.configs {
		m, err := c.resolveConfig(ctx, cfg)
		if err != nil {
			c.logger.WithField("record", cfg.Name).WithError(err).Error("dropping record: resolution failed")
			continue
		}
		c.logger.WithFields(logrus.Fields{
			"record":    m.name,
			"zone":      m.zoneName,
			"zone_id":   m.zoneID,
			"record_id": m.recordID,
		}).Info("managing record")
		managed = append(managed, m)
	}
	if len(managed) == 0 {
		return errors.New("no configured record could be resolved")
	}
	c.managed = managed
	return nil
}

func (c *Client) resolveConfig(ctx context.Context, cfg Record) (*managedRecord, error) {
	if cfg.Name == "" && cfg.RecordID == "" {
		return nil, errors.New("record name is empty")
	}
	m := &managedRecord{
		name:     cfg.Name,
		zoneName: cfg.ZoneName,
		zoneID:   cfg.ZoneID,
		recordID: cfg.RecordID,
	}

	if m.zoneID != "" && m.zoneName != "" {
		c.cache.putZone(m.zoneName, m.zoneID)
	}
	if m.name != "" && m.zoneName != "" {
		m.name = c.resolver.qualify(m.name, m.zoneName)
	}

	if m.zoneID == "" {
		if m.zoneName == "" {
			if m.name == "" {
				return nil, errors.New("a zone selector is required when only a record ID is configured")
			}
			zoneName, zoneID, err := c.resolver.deriveZone(ctx, m.name)
			if err != nil {
				return nil, err
			}
			m.zoneName, m.zoneID = zoneName, zoneID
		} else {
			zoneID, err := c.resolver.resolveZone(ctx, m.zoneName)
			if err != nil {
				return nil, err
			}
			m.zoneID = zoneID
		}
	}

	if m.recordID == "" {
		recordID, err := c.resolver.resolveRecord(ctx, m.zoneID, m.name)
		if err != nil {
			return nil, err
		}
		m.recordID = recordID
	} else {
		if m.name == "" {
			// Only an ID was configured; updates still send the record name,
			// so learn it from the provider once.
			rec, err := c.api.GetDNSRecord(ctx, cloudflare.ZoneIdentifier(m.zoneID), m.recordID)
			if err != nil {
				return nil, errors.Wrap(err, "fetching record by ID")
			}
			m.name = rec.Name
		}
		c.cache.putRecord(m.zoneID, m.name, m.recordID)
	}
	return m, nil
}

// RunOnce performs a single update cycle: detect the public IP once, then
// reconcile every managed record against it concurrently. Per-record
// failures are logged and isolated; RunOnce itself only fails when the
// records couldn't be initialized or the IP couldn't be detected.
func (c *Client) RunOnce(ctx context.Context) error {
	if c.managed == nil {
		if err := c.Init(ctx); err != nil {
			return err
		}
	}

	ip, err := c.detector.Detect(ctx)
	if err != nil {
		return errors.Wrap(err, "detecting public IP")
	}
	c.logger.WithField("ip", ip.String()).Debug("detected public IP")

	var wg sync.WaitGroup
	for _, rec := range c.managed {
		rec := rec
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.reconcile(ctx, rec, ip); err != nil {
				c.logger.WithField("record", rec.name).WithError(err).Error("reconcile failed")
			}
		}()
	}
	wg.Wait()
	return nil
}

// Run initializes the managed records and then polls forever: one RunOnce
// cycle, sleep for interval, repeat. Cycle failures are logged and never
// stop the loop. Run returns nil once ctx is cancelled, or an error when
// initialization fails.
func (c *Client) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if err := c.Init(ctx); err != nil {
		return err
	}
	c.logger.WithField("interval", interval).Info("starting poll loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.WithError(err).Error("update cycle failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
