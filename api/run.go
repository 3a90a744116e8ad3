package api

import (
	"context"
	"fmt"
)

// RunsService handles communication with the per-run log/status
// endpoint of the bya agent API.
type RunsService struct {
	client *Client
}

// AppendLogOptions controls a single log-append request.
type AppendLogOptions struct {
	// Status, if non-empty, is sent as X-BYA-STATUS and triggers a
	// run.update(status=...) on the server alongside the log append.
	Status string
}

// AppendLog appends data to the run's console.log, optionally updating
// its status in the same request. token is the run's own api_key.
func (rs *RunsService) AppendLog(ctx context.Context, buildName string, buildNum int, runName, token string, data []byte, opt *AppendLogOptions) (*Response, error) {
	headers := []Header{{Name: "Authorization", Value: "Token " + token}}
	if opt != nil && opt.Status != "" {
		headers = append(headers, Header{Name: "X-BYA-STATUS", Value: opt.Status})
	}

	url := fmt.Sprintf("build/%s/%d/%s", buildName, buildNum, runName)
	req, err := rs.client.newRawRequest(ctx, "POST", url, data, headers...)
	if err != nil {
		return nil, err
	}
	return rs.client.doRequest(req, nil)
}
