package rpc

import (
	"net"
	netrpc "net/rpc"
	"time"

	"tracerl/internal/model"
)

// Client is the actor-side connection to the inference server. It is not
// safe for concurrent use; each actor drives its own client.
type Client struct {
	conn *netrpc.Client
}

// Dial connects to the inference server with a timeout. The caller owns the
// returned client and must Close it; on transport errors the actor drops the
// client and dials a fresh one.
func Dial(address string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, err
	}
	return &Client{conn: netrpc.NewClient(conn)}, nil
}

// Infer performs one batched inference round-trip.
func (c *Client) Infer(envIDs []int, runIDs []int64, envOutputs []model.EnvOutput, rawRewards []float64) ([]int, error) {
	args := &InferArgs{
		EnvIDs:     envIDs,
		RunIDs:     runIDs,
		EnvOutputs: envOutputs,
		RawRewards: rawRewards,
	}
	var reply InferReply
	if err := c.conn.Call(serviceName+".Infer", args, &reply); err != nil {
		return nil, err
	}
	return reply.Actions, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
