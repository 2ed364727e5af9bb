package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cloudflare/cloudflare-go"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	ddns "github.com/Good-Samaritan-Software-LLC/cloudflare-ddns-updater"
)

var flags = struct {
	KeyFile string
	IP      string
	Once    bool
	Verbose bool
}{}

func init() {
	flag.StringVar(&flags.KeyFile, "k", filepath.Join(os.Getenv("HOME"), ".cloudflare"), "Path to Cloudflare API credentials file, used when CF_API_TOKEN is not set")
	flag.StringVar(&flags.IP, "ip", "", "Publish this IP address instead of detecting the public one")
	flag.BoolVar(&flags.Once, "once", false, "Run a single update cycle and exit")
	flag.BoolVar(&flags.Verbose, "v", false, "Enable verbose logging")
}

func main() {
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{})
	if flags.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logger := logrus.WithField("app", "cloudflare-ddns-updater")

	if err := run(logger); err != nil {
		logger.WithError(err).Fatal("exiting")
	}
}

func run(logger *logrus.Entry) error {
	// A .env file in the working directory is optional; real environment
	// variables win either way.
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	token := os.Getenv("CF_API_TOKEN")
	if token == "" {
		token, err = readKey(flags.KeyFile, logger)
		if err != nil {
			return fmt.Errorf("CF_API_TOKEN is not set and no usable key file was found: %w", err)
		}
	}

	options := []ddns.Option{
		ddns.UsingCloudflare(token),
		ddns.WithLogger(logger),
	}
	if flags.IP != "" {
		options = append(options, ddns.UsingDetector(ddns.StaticIP(flags.IP)))
	}

	client, err := ddns.New(cfg.records, options...)
	if err != nil {
		return fmt.Errorf("error creating ddns client: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flags.Once {
		return client.RunOnce(ctx)
	}
	return client.Run(ctx, cfg.pollInterval)
}

type config struct {
	records      []ddns.Record
	pollInterval time.Duration
}

// loadConfig builds the record set from the CF_* environment variables.
//
// CF_RECORD_NAMES holds a comma-separated list of record names, each
// resolved independently; CF_ZONE_NAME or CF_ZONE_ID, when set, apply to all
// of them, and otherwise each record's zone is derived from its name. The
// single-record form uses CF_RECORD_NAME (or CF_RECORD_ID) and requires a
// zone selector.
func loadConfig() (config, error) {
	cfg := config{pollInterval: ddns.DefaultPollInterval}

	if v := os.Getenv("POLL_TIME_IN_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return cfg, fmt.Errorf("invalid POLL_TIME_IN_MS %q", v)
		}
		cfg.pollInterval = time.Duration(ms) * time.Millisecond
	}

	zoneName := os.Getenv("CF_ZONE_NAME")
	zoneID := os.Getenv("CF_ZONE_ID")

	if names := os.Getenv("CF_RECORD_NAMES"); names != "" {
		for _, name := range strings.Split(names, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			cfg.records = append(cfg.records, ddns.Record{
				Name:     name,
				ZoneName: zoneName,
				ZoneID:   zoneID,
			})
		}
		if len(cfg.records) == 0 {
			return cfg, errors.New("CF_RECORD_NAMES is set but contains no record names")
		}
		return cfg, nil
	}

	recordName := os.Getenv("CF_RECORD_NAME")
	recordID := os.Getenv("CF_RECORD_ID")
	if recordName == "" && recordID == "" {
		return cfg, errors.New("one of CF_RECORD_NAME, CF_RECORD_ID, or CF_RECORD_NAMES must be set")
	}
	if zoneName == "" && zoneID == "" {
		return cfg, errors.New("one of CF_ZONE_NAME or CF_ZONE_ID must be set")
	}
	cfg.records = []ddns.Record{{
		Name:     recordName,
		ZoneName: zoneName,
		ZoneID:   zoneID,
		RecordID: recordID,
	}}
	return cfg, nil
}

// readKey reads the API token from the key file, walking the user through
// creating one when it doesn't exist yet.
func readKey(path string, logger *logrus.Entry) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Warnf("key file %q does not exist", path)
		if err := runSetup(path, logger); err != nil {
			return "", fmt.Errorf("setup: %w", err)
		}
	}
	if err := verifyPermissions(path); err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("error reading key: %w", err)
	}
	key, _, _ := strings.Cut(string(data), "\n")
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("key file %q is empty", path)
	}
	return key, nil
}

func runSetup(path string, logger *logrus.Entry) error {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return errors.New("not running interactively; set CF_API_TOKEN or create the key file")
	}
	fmt.Printf("Enter Cloudflare API token: \n")
	bytekey, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return fmt.Errorf("error reading from stdin: %w", err)
	}
	key := strings.TrimSpace(string(bytekey))

	api, err := cloudflare.NewWithAPIToken(key)
	if err != nil {
		return fmt.Errorf("error creating api client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info("verifying token...")
	result, err := api.VerifyAPIToken(ctx)
	if err != nil {
		return fmt.Errorf("unable to verify api token: %w", err)
	}
	if result.Status != "active" {
		return fmt.Errorf("expected api token status to be \"active\"; got %q", result.Status)
	}
	logger.Info("token verified successfully")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("unable to create %q: %w", path, err)
	}
	defer f.Close()
	fmt.Fprintln(f, key)
	logger.Infof("token written to %q", path)
	return nil
}

func verifyPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("error checking key file permissions: %w", err)
	}
	perms := info.Mode().Perm()
	// 0400 is also accepted since secrets managers often mount key material
	// read-only.
	if perms != 0600 && perms != 0400 {
		return fmt.Errorf("invalid permissions for %q: expected \"-rw-------\"; found %q", path, perms.String())
	}
	return nil
}
