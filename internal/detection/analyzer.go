package detection

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/darsavelidze/safe-school/internal/model"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Detection is the outcome of analyzing one frame
type Detection struct {
	Count int         `json:"people_count"`
	Boxes []model.Box `json:"boxes"`
}

// Analyzer counts people in a frame. Implementations are not assumed to be
// safe for concurrent use; the dispatcher calls them from a single goroutine.
type Analyzer interface {
	Analyze(ctx context.Context, frame Frame) (Detection, error)
}

// NopAnalyzer reports an empty room for every frame
type NopAnalyzer struct{}

func (NopAnalyzer) Analyze(ctx context.Context, frame Frame) (Detection, error) {
	return Detection{Count: 0, Boxes: []model.Box{}}, nil
}

type analyzeRequest struct {
	Image  string `json:"image"`
	Format string `json:"format"`
}

// RemoteAnalyzer delegates person detection to an HTTP inference service.
// The service receives {"image": base64, "format": "jpeg"|"png"} and answers
// {"people_count": n, "boxes": [...]}.
type RemoteAnalyzer struct {
	client *resty.Client
	url    string
	log    *zap.Logger
}

// NewRemoteAnalyzer creates an analyzer posting frames to url
func NewRemoteAnalyzer(url string, timeout time.Duration, log *zap.Logger) *RemoteAnalyzer {
	if log == nil {
		log = zap.NewNop()
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &RemoteAnalyzer{client: client, url: url, log: log}
}

func (a *RemoteAnalyzer) Analyze(ctx context.Context, frame Frame) (Detection, error) {
	var result Detection
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(analyzeRequest{
			Image:  base64.StdEncoding.EncodeToString(frame.Raw),
			Format: frame.Format,
		}).
		SetResult(&result).
		Post(a.url)
	if err != nil {
		return Detection{}, fmt.Errorf("failed to call analyzer: %w", err)
	}
	if resp.IsError() {
		a.log.Error("Analyzer returned error",
			zap.Int("status_code", resp.StatusCode()),
			zap.String("body", truncate(resp.String(), 256)))
		return Detection{}, fmt.Errorf("analyzer returned status %d", resp.StatusCode())
	}
	return result, nil
}

func validateDetection(d Detection) error {
	if d.Count < 0 {
		return fmt.Errorf("analyzer returned negative count %d", d.Count)
	}
	for _, b := range d.Boxes {
		if math.IsNaN(b.Confidence) || b.Confidence < 0 || b.Confidence > 1 {
			return errors.New("analyzer returned a box with invalid confidence")
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
