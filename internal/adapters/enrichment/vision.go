package enrichment

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
)

const (
	visionPath       = "vision/v3.2/analyze?visualFeatures=Description,Tags"
	fallbackCaption  = "Unidentified visual signature"
	maxVisionTags    = 5
	visionKeyHeader  = "Ocp-Apim-Subscription-Key"
	octetContentType = "application/octet-stream"
)

// VisionClient describes one snapshot.
type VisionClient interface {
	Describe(ctx context.Context, image []byte) (string, error)
}

// AzureVision calls the Azure AI Vision v3.2 analyze endpoint.
type AzureVision struct {
	endpoint string
	key      string
	client   *retryablehttp.Client
}

// NewAzureVision returns a client for endpoint (with or without a trailing slash).
func NewAzureVision(endpoint, key string, client *retryablehttp.Client) (*AzureVision, error) {
	if endpoint == "" || key == "" {
		return nil, fmt.Errorf("%w: vision endpoint and key are required", ErrNotConfigured)
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	return &AzureVision{endpoint: endpoint, key: key, client: client}, nil
}

// Describe returns "Visual Analysis: <caption>. Key elements: <tags>."
func (v *AzureVision) Describe(ctx context.Context, image []byte) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", v.endpoint+visionPath, image)
	if err != nil {
		return "", fmt.Errorf("build vision request: %w", err)
	}
	req.Header.Set(visionKeyHeader, v.key)
	req.Header.Set("Content-Type", octetContentType)

	body, err := do(v.client, req)
	if err != nil {
		return "", err
	}
	return parseVision(body)
}

func parseVision(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("%w: vision body is not JSON", ErrBadResponse)
	}
	res := gjson.ParseBytes(body)
	if !res.Get("description").Exists() {
		return "", fmt.Errorf("%w: vision body has no description", ErrBadResponse)
	}

	caption := res.Get("description.captions.0.text").String()
	if caption == "" {
		caption = fallbackCaption
	}
	var tags []string
	for _, t := range res.Get("tags.#.name").Array() {
		if len(tags) == maxVisionTags {
			break
		}
		tags = append(tags, t.String())
	}
	return fmt.Sprintf("Visual Analysis: %s. Key elements: %s.", caption, strings.Join(tags, ", ")), nil
}
