package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"spatialmesh/internal/apierr"
	"spatialmesh/internal/protocol"
)

// LocalizeRequest is the payload forwarded to the VPS upstream (§6 "VPS").
type LocalizeRequest struct {
	ImageBase64      string      `json:"image_base64"`
	Intrinsics       [3][3]float64 `json:"intrinsics"`
	ApproxLocation   *protocol.Vector3 `json:"approx_location,omitempty"`
	MapID            string      `json:"map_id,omitempty"`
	QualityThreshold float64     `json:"quality_threshold,omitempty"`
}

// LocalizeResult is the VPS upstream's relocalization response.
type LocalizeResult struct {
	Position       protocol.Vector3    `json:"position"`
	Rotation       protocol.Quaternion `json:"rotation"`
	Euler          protocol.Vector3    `json:"euler"`
	RotationMatrix [3][3]float64       `json:"rotation_matrix"`
	Confidence     float64             `json:"confidence"`
	ErrorEstimate  float64             `json:"error_estimate"`
	FeatureMatches int                 `json:"feature_matches"`
	QualityScore   float64             `json:"quality_score"`
}

// VPSClient is the narrow contract against the external visual positioning
// service. The service's own CV pipeline (feature matching, PnP) is out of
// scope here; this package only needs a typed client to call it (§6).
type VPSClient interface {
	Localize(ctx context.Context, req LocalizeRequest) (*LocalizeResult, error)
}

// HTTPVPSClient is the production VPSClient, a thin JSON client that POSTs
// to BaseURL + "/localize". It calls the upstream directly; it does not go
// through the gateway or consult the service registry's health state.
type HTTPVPSClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPVPSClient(baseURL string) *HTTPVPSClient {
	return &HTTPVPSClient{BaseURL: baseURL, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

func (c *HTTPVPSClient) Localize(ctx context.Context, req LocalizeRequest) (*LocalizeResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apierr.New(apierr.Internal, "failed to encode localize request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/localize", bytes.NewReader(body))
	if err != nil {
		return nil, apierr.New(apierr.Internal, "failed to build upstream request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, apierr.New(apierr.UpstreamUnavailable, fmt.Sprintf("vps upstream unreachable: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apierr.New(apierr.UpstreamUnavailable, fmt.Sprintf("vps upstream returned status %d", resp.StatusCode))
	}

	var result LocalizeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apierr.New(apierr.UpstreamUnavailable, "malformed vps upstream response")
	}
	return &result, nil
}

// localize implements POST /localize.
func (a *API) localize(w http.ResponseWriter, r *http.Request) {
	var req LocalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ImageBase64 == "" {
		writeError(w, apierr.New(apierr.ValidationError, "image_base64 is required"))
		return
	}
	if a.vps == nil {
		writeError(w, apierr.New(apierr.UpstreamUnavailable, "vps client not configured"))
		return
	}

	result, err := a.vps.Localize(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
