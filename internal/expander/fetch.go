package expander

import (
	"context"
	"io"
	"net/http"
	"regexp"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/youruser/gptool/internal/fragment"
	"github.com/youruser/gptool/internal/host"
	"github.com/youruser/gptool/internal/llm"
)

var httpRx = regexp.MustCompile(`(?i)^https?://`)

// maxFetchBytes caps downloaded bodies.
const maxFetchBytes = 4 << 20

// FetchResult is the outcome of Context.Fetch.
type FetchResult struct {
	OK         bool
	Status     int
	StatusText string
	Text       string
	File       fragment.LinkedFile
}

// Fetcher reads web URLs over HTTP and everything else through the host.
type Fetcher struct {
	HTTP *retryablehttp.Client
	Host host.Host
}

// NewFetcher returns a Fetcher with a few quick retries.
func NewFetcher(h host.Host) *Fetcher {
	rc := llm.NewRetryClient(llm.ClientOptions{Retry: 2})
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Fetcher{HTTP: rc, Host: h}
}

// Fetch reads urlOrPath. Missing files and non-2xx responses are reported
// with OK false and a nil error.
func (f *Fetcher) Fetch(ctx context.Context, urlOrPath string) (*FetchResult, error) {
	if httpRx.MatchString(urlOrPath) {
		return f.fetchURL(ctx, urlOrPath)
	}
	if f.Host == nil || !f.Host.Exists(urlOrPath, true) {
		return &FetchResult{Status: http.StatusNotFound, StatusText: "Not Found", File: fragment.LinkedFile{Filename: urlOrPath}}, nil
	}
	text, err := f.Host.ReadText(urlOrPath)
	if err != nil {
		return nil, err
	}
	return &FetchResult{
		OK:         true,
		Status:     http.StatusOK,
		StatusText: "OK",
		Text:       text,
		File:       fragment.LinkedFile{Filename: urlOrPath, Content: text},
	}, nil
}

func (f *Fetcher) fetchURL(ctx context.Context, url string) (*FetchResult, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", url)
	}
	resp, err := f.HTTP.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", url)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", url)
	}
	res := &FetchResult{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Text:       string(data),
	}
	res.File = fragment.LinkedFile{Filename: url, Content: res.Text}
	return res, nil
}

// FetchText implements fragment.Fetcher.
func (f *Fetcher) FetchText(ctx context.Context, url string) (string, error) {
	res, err := f.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	if !res.OK {
		return "", errors.Newf("%d %s", res.Status, res.StatusText)
	}
	return res.Text, nil
}
