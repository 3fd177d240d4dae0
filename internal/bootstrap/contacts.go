package bootstrap

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/antswarm/swarmcore/internal/maddr"
	"github.com/antswarm/swarmcore/pkg/logging"
)

var contactsLog = logging.For("bootstrap.contacts")

// HTTPContactsFetcher fetches a text/plain, newline-separated list of
// multi-addresses from a network-contacts endpoint (spec §6).
type HTTPContactsFetcher struct {
	client *http.Client
}

// NewHTTPContactsFetcher builds a fetcher with the given per-request
// timeout as a client-level default; callers additionally scope each
// call with a context timeout via Pipeline's fetch goroutines.
func NewHTTPContactsFetcher(timeout time.Duration) *HTTPContactsFetcher {
	return &HTTPContactsFetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch retrieves endpoint and parses every non-empty, non-comment
// line as a multi-address, dropping lines that fail to parse or fail
// to resolve to a dialable socket address rather than failing the
// whole fetch.
func (f *HTTPContactsFetcher) Fetch(ctx context.Context, endpoint string) ([]maddr.NetworkAddress, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("contacts: build request for %s: %w", endpoint, err)
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contacts: fetch %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("contacts: %s returned status %d", endpoint, resp.StatusCode)
	}

	var out []maddr.NetworkAddress
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		a, err := maddr.ParseMultiAddress(line)
		if err != nil {
			contactsLog.Warnf("skipping unparseable contact address from %s: %v", endpoint, err)
			continue
		}
		if valid, ok := maddr.CraftValidMultiAddr(a); ok {
			out = append(out, valid)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("contacts: read %s: %w", endpoint, err)
	}
	return out, nil
}
