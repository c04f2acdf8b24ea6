package rpcserver

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// UpstreamClient talks to the consensus engine's own RPC endpoint for the
// two operations this core delegates rather than implementing itself:
// broadcasting a tx and reporting sync status, per spec.md §6's
// "eth_sendRawTransaction" and "eth_syncing" rows.
type UpstreamClient struct {
	baseURL string
	http    *http.Client
}

// NewUpstreamClient wraps baseURL, the consensus engine's RPC listen address.
func NewUpstreamClient(baseURL string) *UpstreamClient {
	return &UpstreamClient{baseURL: baseURL, http: &http.Client{Timeout: 10 * time.Second}}
}

type broadcastTxResponse struct {
	Result struct {
		Code uint32 `json:"code"`
		Log  string `json:"log"`
		Hash string `json:"hash"`
	} `json:"result"`
	Error *struct {
		Message string `json:"message"`
		Data    string `json:"data"`
	} `json:"error"`
}

// BroadcastTxSync base64-encodes raw and posts it to the upstream engine's
// broadcast_tx_sync endpoint, returning the tx hash only once the engine
// reports CheckTx acceptance (code 0), per spec.md §6.
func (c *UpstreamClient) BroadcastTxSync(raw []byte) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(raw)
	reqBody, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "broadcast_tx_sync",
		"params":  map[string]string{"tx": encoded},
	})
	if err != nil {
		return "", err
	}

	resp, err := c.http.Post(c.baseURL, "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("rpcserver: broadcast tx: %w", err)
	}
	defer resp.Body.Close()

	var out broadcastTxResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("rpcserver: broadcast tx: decode response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("rpcserver: broadcast tx: %s", out.Error.Message)
	}
	if out.Result.Code != 0 {
		return "", fmt.Errorf("rpcserver: broadcast tx rejected: %s", out.Result.Log)
	}
	return out.Result.Hash, nil
}

type statusResponse struct {
	Result struct {
		SyncInfo struct {
			CatchingUp          bool   `json:"catching_up"`
			LatestBlockHeight   string `json:"latest_block_height"`
			EarliestBlockHeight string `json:"earliest_block_height"`
		} `json:"sync_info"`
	} `json:"result"`
}

// SyncStatus reports whether the upstream consensus engine is still
// catching up, backing eth_syncing.
func (c *UpstreamClient) SyncStatus() (catchingUp bool, latest, earliest string, err error) {
	resp, err := c.http.Get(c.baseURL + "/status")
	if err != nil {
		return false, "", "", fmt.Errorf("rpcserver: sync status: %w", err)
	}
	defer resp.Body.Close()

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, "", "", fmt.Errorf("rpcserver: sync status: decode response: %w", err)
	}
	return out.Result.SyncInfo.CatchingUp, out.Result.SyncInfo.LatestBlockHeight, out.Result.SyncInfo.EarliestBlockHeight, nil
}
