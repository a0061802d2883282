// Package rpc exposes the inference service to actors over net/rpc and
// provides the matching client used by the actor loop.
package rpc

import (
	"errors"
	"net"
	netrpc "net/rpc"

	"tracerl/internal/inference"
	"tracerl/internal/model"
)

// serviceName is the registered net/rpc receiver name.
const serviceName = "Inference"

// InferArgs is one batched inference call from an actor.
type InferArgs struct {
	EnvIDs     []int
	RunIDs     []int64
	EnvOutputs []model.EnvOutput
	RawRewards []float64
}

// InferReply carries the sampled actions back, one per slot in the request.
type InferReply struct {
	Actions []int
}

// InferenceServer adapts the inference service to the net/rpc calling
// convention. Protocol violations are reported through onFatal in addition
// to the error reply: a violating actor is a bug, and the serving process is
// expected to stop.
type InferenceServer struct {
	svc     *inference.Service
	onFatal func(error)
}

func NewInferenceServer(svc *inference.Service, onFatal func(error)) (*InferenceServer, error) {
	if svc == nil {
		return nil, errors.New("inference service is required")
	}
	if onFatal == nil {
		onFatal = func(error) {}
	}
	return &InferenceServer{svc: svc, onFatal: onFatal}, nil
}

func (s *InferenceServer) Infer(args *InferArgs, reply *InferReply) error {
	actions, err := s.svc.Infer(inference.Request{
		EnvIDs:     args.EnvIDs,
		RunIDs:     args.RunIDs,
		EnvOutputs: args.EnvOutputs,
		RawRewards: args.RawRewards,
	})
	if err != nil {
		if errors.Is(err, inference.ErrProtocolViolation) {
			s.onFatal(err)
		}
		return err
	}
	reply.Actions = actions
	return nil
}

// Server owns the listener and a private net/rpc registry, so multiple
// servers can coexist in one process (the in-process demo runs learner and
// actors together).
type Server struct {
	listener net.Listener
}

// Serve binds the address and accepts connections until Close. It returns
// once the listener is bound; accepting runs in the background.
func Serve(address string, inferenceServer *InferenceServer) (*Server, error) {
	registry := netrpc.NewServer()
	if err := registry.RegisterName(serviceName, inferenceServer); err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	go registry.Accept(listener)

	return &Server{listener: listener}, nil
}

// Addr reports the bound address, useful with a ":0" listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Close() error {
	return s.listener.Close()
}
