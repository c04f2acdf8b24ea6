package rpcserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"

	"github.com/overeality/ovr/internal/ledger"
)

// upgrader accepts WebSocket connections for eth_subscribe("newHeads"), a
// supplement beyond spec.md's HTTP-only surface (SPEC_FULL.md §7.2).
// Origins are not restricted here: the HTTP front end already runs behind
// rs/cors for the JSON-RPC endpoint, and this socket carries no
// credentials of its own.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type subscribeRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []string        `json:"params"`
}

type newHeadNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// ServeWebSocket handles one WebSocket connection: it accepts a single
// eth_subscribe("newHeads") request, then pushes a notification after every
// poll interval in which Main's height has advanced, until the connection
// closes. A minimal supplement, not a full pub/sub bus: one goroutine per
// connection, no fan-out registry, grounded on the simplicity of this
// chain's single-proposer block cadence.
func ServeWebSocket(l *ledger.Ledger, w http.ResponseWriter, r *http.Request) {
	logger := log.New("module", "rpc-ws")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	var req subscribeRequest
	if err := conn.ReadJSON(&req); err != nil {
		return
	}
	if req.Method != "eth_subscribe" || len(req.Params) == 0 || req.Params[0] != "newHeads" {
		_ = conn.WriteJSON(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]string{"message": "only eth_subscribe(\"newHeads\") is supported"},
		})
		return
	}

	subID := "0x1"
	_ = conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": subID})

	var (
		mu       sync.Mutex
		closed   bool
		lastSeen uint64
	)
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				mu.Lock()
				closed = true
				mu.Unlock()
				return
			}
		}
	}()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		mu.Lock()
		if closed {
			mu.Unlock()
			return
		}
		mu.Unlock()

		height, hash := l.Info()
		if height == lastSeen {
			continue
		}
		lastSeen = height

		head, err := json.Marshal(map[string]interface{}{
			"number": height,
			"hash":   hash,
		})
		if err != nil {
			continue
		}
		notif := newHeadNotification{JSONRPC: "2.0", Method: "eth_subscription"}
		notif.Params.Subscription = subID
		notif.Params.Result = head

		if err := conn.WriteJSON(notif); err != nil {
			return
		}
	}
}
