package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/Gthulhu/fleet/domain"
)

// NewHTTPDriver returns a RuntimeDriver speaking the container control API
// over plain HTTP. Transport confidentiality for control messages comes from
// the hub's payload encryption, not from this client.
func NewHTTPDriver() domain.RuntimeDriver {
	return &HTTPDriver{Client: http.DefaultClient}
}

// HTTPDriver talks to a container's local control endpoint. All calls are
// bounded by the caller's context.
type HTTPDriver struct {
	*http.Client
}

func baseURL(address string, port int) string {
	return "http://" + address + ":" + strconv.Itoa(port) + "/fleet/v1"
}

func (d *HTTPDriver) Probe(ctx context.Context, address string, port int) (*domain.ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(address, port)+"/probe", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: probe %s:%d: %v", domain.ErrNotReachable, address, port, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: probe %s:%d returned %s", domain.ErrNotReachable, address, port, resp.Status)
	}

	var result domain.ProbeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode probe response from %s:%d: %w", address, port, err)
	}
	return &result, nil
}

func (d *HTTPDriver) ExportState(ctx context.Context, source *domain.ContainerRecord, agentID string) ([]byte, error) {
	url := baseURL(source.NetworkAddress, source.APIPort) + "/agents/" + agentID + "/state"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.Do(req)
	if err != nil {
		return nil, fmt.Errorf("export state of agent %s from %s: %w", agentID, source.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("export state of agent %s from %s: %s", agentID, source.ID, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (d *HTTPDriver) ImportState(ctx context.Context, target *domain.ContainerRecord, agentID string, state []byte) error {
	url := baseURL(target.NetworkAddress, target.APIPort) + "/agents/" + agentID + "/state"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(state))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := d.Do(req)
	if err != nil {
		return fmt.Errorf("import state of agent %s to %s: %w", agentID, target.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("import state of agent %s to %s: %s", agentID, target.ID, resp.Status)
	}
	return nil
}

func (d *HTTPDriver) Deliver(ctx context.Context, target *domain.ContainerRecord, sealed []byte) error {
	url := baseURL(target.NetworkAddress, target.APIPort) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(sealed))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := d.Do(req)
	if err != nil {
		return fmt.Errorf("deliver message to %s: %w", target.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("deliver message to %s: %s", target.ID, resp.Status)
	}
	return nil
}
