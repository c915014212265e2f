package net

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"strings"
	"time"

	"lockstep/server/internal/session"
)

const maxListingBytes = 1 << 20

// HTTPProber asks a host for its descriptor with GET /session and measures
// the round trip as the ping.
type HTTPProber struct {
	Client *nethttp.Client
}

func (p HTTPProber) Probe(ctx context.Context, address string) (session.Descriptor, error) {
	var desc session.Descriptor
	started := time.Now()
	if err := getJSON(ctx, p.Client, baseURL(address)+SessionPath, &desc); err != nil {
		return session.Descriptor{}, err
	}
	desc.Ping = time.Since(started)
	desc.Address = address
	return desc, nil
}

// MasterLister fetches advertised host addresses from a master server that
// answers with a JSON array of strings.
type MasterLister struct {
	URL    string
	Client *nethttp.Client
}

func (l MasterLister) List(ctx context.Context) ([]string, error) {
	if l.URL == "" {
		return nil, fmt.Errorf("no master server configured")
	}
	var addresses []string
	if err := getJSON(ctx, l.Client, l.URL, &addresses); err != nil {
		return nil, err
	}
	return addresses, nil
}

func getJSON(ctx context.Context, client *nethttp.Client, target string, out any) error {
	if client == nil {
		client = nethttp.DefaultClient
	}
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != nethttp.StatusOK {
		return fmt.Errorf("GET %s: %s", target, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListingBytes))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", target, err)
	}
	return nil
}

func baseURL(address string) string {
	if strings.Contains(address, "://") {
		return strings.TrimRight(address, "/")
	}
	return "http://" + address
}
