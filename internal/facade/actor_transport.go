package facade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/qakka/qakka/internal/qerrors"
)

// HTTPActorTransport forwards Get/Ack/Nack/Refresh calls to the cluster
// member ActorHome named as the owner of a queue's actor, over plain HTTP
// — the same forwarding shape as HTTPPeerTransport, grounded on the same
// teacher pattern, but addressed at a node within localRegion rather than
// a peer region.
type HTTPActorTransport struct {
	client *http.Client
}

// NewHTTPActorTransport creates a transport with the given per-request
// timeout (defaults to 30s).
func NewHTTPActorTransport(timeout time.Duration) *HTTPActorTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPActorTransport{client: &http.Client{Timeout: timeout}}
}

// Forward POSTs req to peerAddr's /internal/actor endpoint.
func (t *HTTPActorTransport) Forward(ctx context.Context, peerAddr string, req ActorRequest) (ActorResponse, error) {
	target := strings.TrimRight(peerAddr, "/") + "/internal/actor"

	payload, err := json.Marshal(req)
	if err != nil {
		return ActorResponse{}, fmt.Errorf("marshal actor request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return ActorResponse{}, fmt.Errorf("create actor request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Qakka-Forwarded", "true")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return ActorResponse{}, fmt.Errorf("actor request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return ActorResponse{}, fmt.Errorf("peer actor request failed (status %d)", httpResp.StatusCode)
	}

	var resp ActorResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return ActorResponse{}, fmt.Errorf("decode actor response: %w", err)
	}
	return resp, nil
}

// ActorHandler returns an http.HandlerFunc that decodes an ActorRequest and
// replays it against this process's own local actor — the receiving side
// of ActorTransport.Forward above. It never re-checks placement: the
// sender only reaches this endpoint because its own ActorHome lookup
// already named this node the owner, and rendezvous hashing guarantees
// every member agrees on that answer.
func (f *Facade) ActorHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req ActorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("decode actor request: %v", err), http.StatusBadRequest)
			return
		}

		resp := f.handleLocalActorOp(r.Context(), req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// handleLocalActorOp executes req against this process's local actor for
// req.Queue, bypassing resolveHome — ActorHandler is only ever reached
// because the caller already resolved this node as the owner.
func (f *Facade) handleLocalActorOp(ctx context.Context, req ActorRequest) ActorResponse {
	a, err := f.actorFor(ctx, req.Queue)
	if err != nil {
		if qerrors.Is(err, qerrors.NotFound) {
			return ActorResponse{}
		}
		return ActorResponse{Error: err.Error()}
	}

	switch req.Op {
	case "getnext":
		descriptors, err := a.GetNext(ctx, req.N)
		if err != nil {
			return ActorResponse{Error: err.Error()}
		}
		return ActorResponse{Descriptors: descriptors}
	case "ack":
		if err := a.Ack(ctx, req.QueueMessageID); err != nil && !qerrors.Is(err, qerrors.NotFound) {
			return ActorResponse{Error: err.Error()}
		}
		return ActorResponse{}
	case "nack":
		if err := a.Nack(ctx, req.QueueMessageID); err != nil {
			return ActorResponse{Error: err.Error()}
		}
		return ActorResponse{}
	case "refresh":
		if err := a.Refresh(ctx); err != nil {
			return ActorResponse{Error: err.Error()}
		}
		return ActorResponse{}
	default:
		return ActorResponse{Error: fmt.Sprintf("unknown actor op %q", req.Op)}
	}
}
