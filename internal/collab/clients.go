// Package collab holds thin HTTP clients for the external
// collaborators the worker drives: the site fetcher and the analysis
// service. The scraping and AI logic itself lives behind those
// services.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"report-pipeline/internal/worker"
)

// HTTPFetcher downloads source content with a timeout and a byte cap.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewHTTPFetcher(timeout time.Duration, maxBytes int64) *HTTPFetcher {
	return &HTTPFetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// Fetch implements worker.SiteFetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	limited := io.LimitReader(resp.Body, f.maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("fetch %s: body exceeds %d bytes", url, f.maxBytes)
	}
	return data, nil
}

// AnalyzerClient calls the analysis service over HTTP.
type AnalyzerClient struct {
	client *http.Client
	url    string
}

func NewAnalyzerClient(url string, timeout time.Duration) *AnalyzerClient {
	return &AnalyzerClient{
		client: &http.Client{Timeout: timeout},
		url:    url,
	}
}

type analyzeRequest struct {
	Content     []byte `json:"content"`
	GapAnalysis bool   `json:"gap_analysis"`
}

type analyzeResponse struct {
	Findings  map[string]any `json:"findings"`
	Document  []byte         `json:"document"`
	Tokens    int64          `json:"tokens"`
	CostCents int64          `json:"cost_cents"`
}

// Analyze implements worker.Analyzer.
func (a *AnalyzerClient) Analyze(ctx context.Context, content []byte, gapAnalysis bool) (worker.Analysis, error) {
	body, err := json.Marshal(analyzeRequest{Content: content, GapAnalysis: gapAnalysis})
	if err != nil {
		return worker.Analysis{}, fmt.Errorf("marshal analyze request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return worker.Analysis{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return worker.Analysis{}, fmt.Errorf("call analyzer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return worker.Analysis{}, fmt.Errorf("analyzer returned status %d", resp.StatusCode)
	}

	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return worker.Analysis{}, fmt.Errorf("decode analyzer response: %w", err)
	}
	return worker.Analysis{
		Findings:  out.Findings,
		Document:  out.Document,
		Tokens:    out.Tokens,
		CostCents: out.CostCents,
	}, nil
}
