package api

import (
	"context"
	"fmt"
)

// HostsService handles communication with the host-related methods of
// the bya agent API.
type HostsService struct {
	client *Client
}

// Host represents a worker host as seen through the agent API. It is
// the Host property map with api_key always stripped (the server never
// returns a host's own secret back to it) plus the two fields the
// server computes at check-in time: WorkerVersion and the assigned Runs.
type Host struct {
	Name           string `json:"name"`
	Distro         string `json:"distro,omitempty"`
	MemTotal       int64  `json:"mem_total,omitempty"`
	CPUTotal       int    `json:"cpu_total,omitempty"`
	CPUType        string `json:"cpu_type,omitempty"`
	Enlisted       bool   `json:"enlisted"`
	ConcurrentRuns int    `json:"concurrent_runs,omitempty"`
	HostTags       string `json:"host_tags,omitempty"`

	// APIKey is only ever populated client-side for the initial
	// registration POST; the server never echoes it back.
	APIKey string `json:"api_key,omitempty"`

	// WorkerVersion is the mtime of the server's canonical worker
	// script, used by the worker to decide whether to self-upgrade.
	WorkerVersion string `json:"worker_version,omitempty"`

	// Runs is populated only when a check-in dispatched a run to this host.
	Runs []*RunAssignment `json:"runs,omitempty"`
}

// RunAssignment is the public property map of a Run, together with the
// runner descriptor computed server-side when the run was claimed.
type RunAssignment struct {
	Name      string            `json:"name"`
	Container string            `json:"container"`
	HostTag   string            `json:"host_tag"`
	Params    map[string]string `json:"params"`
	APIKey    string            `json:"api_key"`
	Status    string            `json:"status"`

	BuildName string `json:"build_name"`
	BuildNum  int    `json:"build_num"`
	Timeout   int    `json:"timeout"`

	// Runner descriptor, spec.md §4.6. Computed server-side, never persisted.
	Stdin   string            `json:"stdin"`
	Args    []string          `json:"args"`
	Runner  string            `json:"runner"`
	Secrets map[string]string `json:"secrets"`
}

// Register creates a new host. The client must be unauthenticated (no
// token) or authenticated with whatever shared secret the deployment
// requires for host creation.
func (hs *HostsService) Register(ctx context.Context, h *Host) (*Host, *Response, error) {
	req, err := hs.client.newRequest(ctx, "POST", "host/", h)
	if err != nil {
		return nil, nil, err
	}

	out := new(Host)
	resp, err := hs.client.doRequest(req, out)
	if err != nil {
		return nil, resp, err
	}
	return out, resp, nil
}

// CheckInOptions controls a check-in request.
type CheckInOptions struct {
	AvailableRunners int `url:"available_runners"`
}

// CheckIn performs a GET /host/<name>/ with the host's token, which
// heartbeats pings.log and, if AvailableRunners > 0, may dispatch a run.
func (hs *HostsService) CheckIn(ctx context.Context, name string, opt *CheckInOptions) (*Host, *Response, error) {
	u, err := addOptions(fmt.Sprintf("host/%s/", name), opt)
	if err != nil {
		return nil, nil, err
	}

	req, err := hs.client.newRequest(ctx, "GET", u, nil,
		Header{Name: "Authorization", Value: "Token " + hs.client.conf.Token})
	if err != nil {
		return nil, nil, err
	}

	out := new(Host)
	resp, err := hs.client.doRequest(req, out)
	if err != nil {
		return nil, resp, err
	}
	return out, resp, nil
}

// Update patches non-protected host properties.
func (hs *HostsService) Update(ctx context.Context, name string, props map[string]any) (*Response, error) {
	req, err := hs.client.newRequest(ctx, "PATCH", fmt.Sprintf("host/%s/", name), props,
		Header{Name: "Authorization", Value: "Token " + hs.client.conf.Token})
	if err != nil {
		return nil, err
	}
	return hs.client.doRequest(req, nil)
}

// Delete removes the host.
func (hs *HostsService) Delete(ctx context.Context, name string) (*Response, error) {
	req, err := hs.client.newRequest(ctx, "DELETE", fmt.Sprintf("host/%s/", name), nil,
		Header{Name: "Authorization", Value: "Token " + hs.client.conf.Token})
	if err != nil {
		return nil, err
	}
	return hs.client.doRequest(req, nil)
}
