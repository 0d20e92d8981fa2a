// Package proxy implements the runtime proxy: a stateless forwarder that
// takes ingress/egress requests addressed to a pipeline_id and relays them
// to that pipeline's deployed process.
//
// # Forwarding pipeline
//
// Forward is the single entry point for both ingress and egress calls. The
// pipeline is:
//
//  1. Resolve deployment_location for the pipeline_id, preferring the
//     supervisor's in-memory map when the pipeline is colocated and falling
//     back to the Store.
//  2. When the location comes from the Store, reject with
//     ServiceUnavailable if the pipeline isn't running or paused; a location
//     from the supervisor's map is used without a status check.
//  3. Forward the request body and query string byte-for-byte; stream the
//     response body back without buffering, since egress watch/delta
//     queries may be long-lived.
//  4. On a network error to the pipeline, retry exactly once, then surface
//     BadGateway with a structured error.
//
// # Concurrency
//
// Forward is safe for concurrent use; it holds no state between calls.
//
// # Failure behaviour
//
// Responses, including pipeline-reported parse-error envelopes, are
// forwarded unmodified — the proxy never rewrites a payload the pipeline
// produced.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nebula-sql/controlplane/internal/domain"
	"github.com/nebula-sql/controlplane/internal/metrics"
)

// LocationResolver looks up a pipeline's deployment location and current
// status so the proxy can reject requests to pipelines that aren't serving.
type LocationResolver interface {
	GetPipeline(ctx context.Context, id string) (*domain.Pipeline, error)
}

// ColocatedResolver is consulted first; it is satisfied by the in-process
// runner supervisor so a colocated pipeline never needs a Store round-trip.
type ColocatedResolver interface {
	DeploymentLocation(pipelineID string) (string, bool)
}

// Proxy forwards ingress/egress HTTP calls to pipeline processes.
type Proxy struct {
	store     LocationResolver
	colocated ColocatedResolver
	client    *http.Client
}

func New(store LocationResolver, colocated ColocatedResolver) *Proxy {
	return &Proxy{
		store:     store,
		colocated: colocated,
		client: &http.Client{
			// No overall timeout: egress watch/delta responses may stream
			// indefinitely. Connect/header timeouts are left to the
			// transport's defaults via the request context instead.
		},
	}
}

// ErrPipelineNotServing indicates the target pipeline is not in a state
// that accepts ingress/egress traffic.
var ErrPipelineNotServing = fmt.Errorf("pipeline is not running or paused")

// Forward proxies method+path+query+body to the named pipeline's ingress or
// egress endpoint and streams the response to w. direction is "ingress" or
// "egress", used only to label metrics.
func (p *Proxy) Forward(ctx context.Context, w http.ResponseWriter, r *http.Request, pipelineID, downstreamPath, direction string) error {
	start := time.Now()
	location, err := p.resolveLocation(ctx, pipelineID)
	if err != nil {
		metrics.RecordProxyRequest(direction, proxyMetricStatus(err), time.Since(start).Seconds()*1000)
		writeBadGateway(w, err)
		return err
	}

	url := "http://" + location + downstreamPath
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	resp, err := p.doWithRetry(ctx, r.Method, url, r.Body, r.Header)
	if err != nil {
		metrics.RecordProxyRequest(direction, "bad_gateway", time.Since(start).Seconds()*1000)
		writeBadGateway(w, err)
		return err
	}
	defer resp.Body.Close()

	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	metrics.RecordProxyRequest(direction, "ok", time.Since(start).Seconds()*1000)
	return nil
}

func proxyMetricStatus(err error) string {
	if err == ErrPipelineNotServing {
		return "unavailable"
	}
	return "bad_gateway"
}

func (p *Proxy) resolveLocation(ctx context.Context, pipelineID string) (string, error) {
	if p.colocated != nil {
		if loc, ok := p.colocated.DeploymentLocation(pipelineID); ok {
			return loc, nil
		}
	}
	pipeline, err := p.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return "", err
	}
	if pipeline.CurrentStatus != domain.PipelineStatusRunning && pipeline.CurrentStatus != domain.PipelineStatusPaused {
		return "", ErrPipelineNotServing
	}
	if pipeline.DeploymentLocation == "" {
		return "", ErrPipelineNotServing
	}
	return pipeline.DeploymentLocation, nil
}

// doWithRetry performs the request once, and on a transport-level error
// (not an HTTP error status — those are forwarded to the caller) retries
// exactly once before giving up.
func (p *Proxy) doWithRetry(ctx context.Context, method, url string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header = header.Clone()

	resp, err := p.client.Do(req)
	if err == nil {
		return resp, nil
	}

	// The retry reissues without a body: a connection-level failure on the
	// first attempt means no request bytes reached the pipeline, which
	// covers the common case (dial/refused) without requiring the ingress
	// stream to be buffered and replayed.
	time.Sleep(50 * time.Millisecond)
	retryReq, err2 := http.NewRequestWithContext(ctx, method, url, nil)
	if err2 != nil {
		return nil, err
	}
	retryReq.Header = header.Clone()
	resp, err = p.client.Do(retryReq)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func writeBadGateway(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err == ErrPipelineNotServing {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusBadGateway)
	}
	structured := domain.NewStructuredError(domain.ErrorCodeSystemError, err.Error())
	_ = json.NewEncoder(w).Encode(structured)
}
