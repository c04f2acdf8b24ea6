// Package rpcserver implements the Web3 eth_*/net_*/web3_* JSON-RPC surface
// spec.md §6 exposes, fronted by gorilla/mux + rs/cors for HTTP transport
// and gorilla/websocket for eth_subscribe, using go-ethereum's own rpc
// package as the JSON-RPC 2.0 codec (the teacher itself is built on this
// package throughout its eth/ and internal/ethapi directories). Grounded on
// original_source/src/rpc/eth.rs, rpc/net.rs, rpc/middle.rs.
package rpcserver

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/overeality/ovr/internal/ledger"
)

// Server is the JSON-RPC HTTP(+WebSocket) front end.
type Server struct {
	ledger    *ledger.Ledger
	upstream  *UpstreamClient
	rpc       *gethrpc.Server
	http      *http.Server
	log       log.Logger
	jwtSecret *[32]byte
}

// New builds a Server registering the eth/net/web3 namespaces over l, with
// upstreamURL the consensus engine's own RPC endpoint used by
// eth_sendRawTransaction and eth_syncing. jwtSecret is optional: when
// non-nil every request (JSON-RPC and WebSocket alike) must carry a valid
// "Authorization: Bearer <HS256 JWT>" header signed with it, mirroring
// go-ethereum's authrpc convention; nil leaves the surface unauthenticated,
// matching spec.md §6's default.
func New(l *ledger.Ledger, upstreamURL string, jwtSecret *[32]byte) (*Server, error) {
	rpcServer := gethrpc.NewServer()
	upstream := NewUpstreamClient(upstreamURL)

	if err := rpcServer.RegisterName("eth", NewEthService(l, upstream)); err != nil {
		return nil, err
	}
	if err := rpcServer.RegisterName("net", NewNetService(l)); err != nil {
		return nil, err
	}
	if err := rpcServer.RegisterName("web3", NewWeb3Service()); err != nil {
		return nil, err
	}

	s := &Server{ledger: l, upstream: upstream, rpc: rpcServer, log: log.New("module", "rpcserver"), jwtSecret: jwtSecret}
	return s, nil
}

// ListenAndServe starts the HTTP(+WS) transport on addr and blocks until ctx
// is cancelled or an unrecoverable error occurs.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	router := mux.NewRouter()
	router.Handle("/", s.rpc).Methods(http.MethodPost, http.MethodOptions)
	router.Handle("/ws", s)

	var topHandler http.Handler = router
	if s.jwtSecret != nil {
		topHandler = jwtAuthMiddleware(*s.jwtSecret, router)
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	}).Handler(topHandler)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return s.http.Close()
	case err := <-errCh:
		return err
	}
}

// ServeHTTP upgrades /ws connections for eth_subscribe, per SPEC_FULL.md §7.2.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ServeWebSocket(s.ledger, w, r)
}
