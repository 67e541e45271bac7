package rpcapi

import (
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"net/rpc/jsonrpc"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/usnistgov/daqcore"
	"github.com/usnistgov/daqcore/acqstore"
)

// Server bundles the two transports the daemon speaks: a net/rpc +
// JSON-RPC listener for request/response commands (one codec loop per
// TCP connection), and a chi-routed HTTP server for the streaming
// operations JSON-RPC has no good story for.
type Server struct {
	registry *daqcore.Registry
	engine   *daqcore.RunEngine

	rpcServer *rpc.Server
	router    *chi.Mux
	authToken string
}

// Services bundles everything Server needs to register its RPC objects
// and streaming routes.
type Services struct {
	Registry    *daqcore.Registry
	Engine      *daqcore.RunEngine
	Plans       map[string]daqcore.Plan
	Ring        RingFillSource
	Store       *acqstore.Store // nil: Storage lookups return NotFound, listings are empty
	AuthToken   string // empty disables bearer-token auth
}

// NewServer registers Hardware, Parameters, RunEngine, Health, and Storage against
// a fresh net/rpc server, and builds the chi router for streaming routes.
func NewServer(svc Services) (*Server, error) {
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName("Hardware", NewHardwareService(svc.Registry)); err != nil {
		return nil, fmt.Errorf("rpcapi: register Hardware: %w", err)
	}
	if err := rpcServer.RegisterName("Parameters", NewParametersService(svc.Registry)); err != nil {
		return nil, fmt.Errorf("rpcapi: register Parameters: %w", err)
	}
	if err := rpcServer.RegisterName("RunEngine", NewRunEngineService(svc.Engine, svc.Plans)); err != nil {
		return nil, fmt.Errorf("rpcapi: register RunEngine: %w", err)
	}
	if err := rpcServer.RegisterName("Health", NewHealthService(svc.Engine, svc.Ring)); err != nil {
		return nil, fmt.Errorf("rpcapi: register Health: %w", err)
	}
	if err := rpcServer.RegisterName("Storage", NewStorageService(svc.Store)); err != nil {
		return nil, fmt.Errorf("rpcapi: register Storage: %w", err)
	}

	s := &Server{
		registry:  svc.Registry,
		engine:    svc.Engine,
		rpcServer: rpcServer,
		authToken: svc.AuthToken,
	}
	s.router = s.buildRouter()
	return s, nil
}

// ServeRPC accepts connections on port and serves each with its own
// JSON-RPC codec loop: requests from one connection are handled
// synchronously (no per-connection concurrency needed since every
// service method is itself safe for concurrent use), while separate
// connections proceed independently.
func (s *Server) ServeRPC(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("rpcapi: listen on :%d: %w", port, err)
	}
	log.Info().Int("port", port).Msg("JSON-RPC server listening")
	for {
		conn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("rpcapi: accept: %w", err)
		}
		go func() {
			codec := jsonrpc.NewServerCodec(conn)
			for {
				if err := s.rpcServer.ServeRequest(codec); err != nil {
					log.Debug().Err(err).Msg("JSON-RPC connection closed")
					return
				}
			}
		}()
	}
}

// ServeHTTP starts the chi-routed streaming server on addr. It blocks
// until the listener errors; it takes no context and has no shutdown path.
func (s *Server) ServeHTTP(addr string) error {
	log.Info().Str("addr", addr).Msg("streaming HTTP server listening")
	return http.ListenAndServe(addr, s.router)
}

// Router exposes the chi mux for embedding in a larger mux or for tests
// that want to drive it with httptest without opening a real socket.
func (s *Server) Router() *chi.Mux { return s.router }
