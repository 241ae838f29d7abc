package facade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPPeerTransport forwards sends to a peer region's facade over plain
// HTTP, grounded on the teacher's forwardInvokeHTTP: the gRPC half of that
// pattern has no home here since the inter-region wire layer is
// explicitly abstracted (§1 non-goals), so only the HTTP path survives.
type HTTPPeerTransport struct {
	client *http.Client
}

// NewHTTPPeerTransport creates a transport with the given per-request
// timeout (defaults to 30s).
func NewHTTPPeerTransport(timeout time.Duration) *HTTPPeerTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPPeerTransport{client: &http.Client{Timeout: timeout}}
}

// Forward POSTs req to peerAddr's /internal/forward endpoint, where the
// peer's facade replays it as a local SendMessageToRegion call.
func (t *HTTPPeerTransport) Forward(ctx context.Context, peerAddr string, req ForwardRequest) error {
	target := strings.TrimRight(peerAddr, "/") + "/internal/forward"

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal forward request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create forward request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Qakka-Forwarded", "true")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("forward request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read forward response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("peer forward failed (status %d): %s", resp.StatusCode, body)
	}
	return nil
}

// Handler returns an http.HandlerFunc that decodes a ForwardRequest and
// replays it as a local send on f — the receiving side of Forward above.
func (f *Facade) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req ForwardRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("decode forward request: %v", err), http.StatusBadRequest)
			return
		}
		err := f.SendMessageToRegion(r.Context(), req.Queue, req.SrcRegion, req.DestRegion, req.MessageID, req.Blob, req.ContentType, req.DelayMs)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
