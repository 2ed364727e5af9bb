package ddns

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/netip"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

// DefaultDetector is used by clients that don't register a detector with
// UsingDetector.
var DefaultDetector Detector = WebDetector("http://checkip.dyndns.org/")

// Detector reports the host's current public IPv4 address.
type Detector interface {
	Detect(ctx context.Context) (netip.Addr, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context) (netip.Addr, error)

func (f DetectorFunc) Detect(ctx context.Context) (netip.Addr, error) {
	return f(ctx)
}

// scrapePattern matches the response body format used by checkip.dyndns.org
// and similar services.
var scrapePattern = regexp.MustCompile(`Current IP Address: ((?:\d{1,3}\.){3}\d{1,3})`)

// WebDetector constructs a detector which asks external web services for our
// public IPv4 address.
//
// Each serviceURL must speak http and return status "200 OK" with either a
// bare dotted-quad as the first line of the body, or a body containing
// "Current IP Address: <dotted-quad>".
//
// If only one serviceURL is given the detector simply returns its response.
// If multiple are given, the detector queries up to three of them
// concurrently and only succeeds if the first two non-error responses agree
// on the address. DNS records are a sensitive thing to hand control of to a
// third party, so a single wrong or malicious answer should not win.
func WebDetector(serviceURL ...string) Detector {
	return &webDetector{serviceURLs: serviceURL}
}

type webDetector struct {
	httpClient  *retryablehttp.Client
	serviceURLs []string
}

// Detect implements ddns.Detector.
func (d *webDetector) Detect(ctx context.Context) (netip.Addr, error) {
	if len(d.serviceURLs) == 0 {
		return netip.Addr{}, errors.New("no IP detection services were provided")
	}
	if len(d.serviceURLs) == 1 {
		return d.lookup(ctx, d.serviceURLs[0])
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		addr netip.Addr
		err  error
	}

	results := make(chan result, 2)
	const useCount = 3

	var wg sync.WaitGroup
	wg.Add(useCount)
	for i := 0; i < useCount; i++ {
		u := d.serviceURLs[i%len(d.serviceURLs)]
		go func() {
			defer wg.Done()
			r := result{}
			r.addr, r.err = d.lookup(ctx, u)

			select {
			case results <- r:
			default:
			}
		}()
	}
	go func() { wg.Wait(); close(results) }()

	resultCount := 0
	var errs []string
	var ip netip.Addr
	for r := range results {
		if r.err != nil {
			errs = append(errs, r.err.Error())
			continue
		}
		resultCount++
		if (ip == netip.Addr{}) {
			ip = r.addr
			continue
		}
		if ip == r.addr {
			return ip, nil
		}
	}
	if resultCount < 2 {
		return netip.Addr{}, errors.Errorf("not enough detection services responded without errors: %s", strings.Join(errs, "; "))
	}
	return netip.Addr{}, errors.New("detection services did not agree on our IP")
}

func (d *webDetector) lookup(ctx context.Context, serviceURL string) (netip.Addr, error) {
	// The timeout ensures every detection attempt eventually completes even
	// when the caller supplied context.Background.
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, serviceURL, nil)
	if err != nil {
		return netip.Addr{}, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Cache-Control", "no-cache")

	httpclient := d.httpClient
	if httpclient == nil {
		httpclient = newDetectorClient()
	}

	resp, err := httpclient.Do(req)
	if err != nil {
		return netip.Addr{}, errors.Wrap(err, "http request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, errors.Errorf("%s returned %s", serviceURL, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return netip.Addr{}, errors.Wrap(err, "reading response body")
	}
	return parseDetectedIP(string(body))
}

func newDetectorClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 500 * time.Millisecond
	c.Logger = nil
	return c
}

// parseDetectedIP extracts an IPv4 address from a detection service response
// body, accepting both the "Current IP Address: 203.0.113.9" scrape format
// and a bare address on the first line.
func parseDetectedIP(body string) (netip.Addr, error) {
	candidate := body
	if m := scrapePattern.FindStringSubmatch(body); m != nil {
		candidate = m[1]
	} else if i := strings.IndexByte(candidate, '\n'); i >= 0 {
		candidate = candidate[:i]
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(candidate))
	if err != nil {
		return netip.Addr{}, errors.Wrap(err, "no IP address in response body")
	}
	if !addr.Is4() {
		return netip.Addr{}, errors.Errorf("detected address %s is not IPv4", addr)
	}
	return addr, nil
}

// StaticIP constructs a detector that always reports addr. Useful when the
// address to publish is known ahead of time, e.g. supplied on the command
// line.
func StaticIP(addr string) Detector {
	return staticDetector(addr)
}

type staticDetector string

func (s staticDetector) Detect(context.Context) (netip.Addr, error) {
	addr, err := netip.ParseAddr(string(s))
	if err != nil {
		return netip.Addr{}, errors.Wrap(err, "unable to parse IP")
	}
	if !addr.Is4() {
		return netip.Addr{}, errors.Errorf("address %s is not IPv4", addr)
	}
	return addr, nil
}

// InterfaceDetector constructs a detector that reports the first global
// unicast IPv4 address assigned to a local interface. It only makes sense on
// hosts that carry their public address directly, with no NAT in between.
func InterfaceDetector() Detector {
	return interfaceDetector{}
}

type interfaceDetector struct{}

func (interfaceDetector) Detect(context.Context) (netip.Addr, error) {
	adds, err := net.InterfaceAddrs()
	if err != nil {
		return netip.Addr{}, errors.Wrap(err, "listing interface addresses")
	}
	for _, addr := range adds {
		prefix, err := netip.ParsePrefix(addr.String())
		if err != nil {
			continue
		}
		a := prefix.Addr()
		if !a.Is4() || a.IsLoopback() || a.IsLinkLocalUnicast() || a.IsPrivate() {
			continue
		}
		return a, nil
	}
	return netip.Addr{}, errors.New("no interface carries a public IPv4 address")
}
