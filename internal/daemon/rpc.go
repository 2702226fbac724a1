// Package daemon provides the coin-daemon surface the pool consumes:
// address validation, block templates, block submission and ZMQ chain-tip
// notifications.
package daemon

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/itrailmpool/miningcore/pkg/circuit"
	"github.com/itrailmpool/miningcore/pkg/errors"
	"github.com/itrailmpool/miningcore/pkg/retry"
)

// RPCClient wraps the daemon's JSON-RPC API with retry and circuit-breaker
// protection.
type RPCClient struct {
	client      *rpcclient.Client
	chainParams *chaincfg.Params
	breaker     *circuit.Breaker
	retryConfig *retry.Config
}

// NewRPCClient connects to the daemon's RPC endpoint over plain HTTP POST,
// the typical local deployment.
func NewRPCClient(host string, port int, username, password string) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", host, port),
		User:         username,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDaemon, "rpc_client",
			"failed to create daemon RPC client")
	}

	return &RPCClient{
		client:      client,
		chainParams: &chaincfg.MainNetParams,
		breaker: circuit.New(&circuit.Config{
			MaxFailures:  3,
			OpenDuration: 10 * time.Second,
		}),
		retryConfig: retry.NetworkConfig(),
	}, nil
}

// Close shuts the RPC client down.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// ValidateAddress checks whether address is valid on this chain. A string
// that does not even decode is invalid, not an error.
func (c *RPCClient) ValidateAddress(ctx context.Context, address string) (bool, error) {
	addr, err := btcutil.DecodeAddress(address, c.chainParams)
	if err != nil {
		return false, nil
	}

	return circuit.ExecuteWithResult(ctx, c.breaker, func() (bool, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (bool, error) {
			result, err := c.client.ValidateAddressAsync(addr).Receive()
			if err != nil {
				return false, errors.Wrap(err, errors.ErrorTypeDaemon, "validate_address",
					"failed to validate address")
			}
			return result.IsValid, nil
		})
	})
}

// GetBlockTemplate retrieves a block template for mining.
func (c *RPCClient) GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error) {
	return circuit.ExecuteWithResult(ctx, c.breaker, func() (*btcjson.GetBlockTemplateResult, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*btcjson.GetBlockTemplateResult, error) {
			req := &btcjson.TemplateRequest{
				Mode:         "template",
				Capabilities: []string{"coinbasetxn", "workid", "coinbase/append"},
				Rules:        []string{"segwit"},
			}
			template, err := c.client.GetBlockTemplateAsync(req).Receive()
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeDaemon, "get_block_template",
					"failed to retrieve block template")
			}
			return template, nil
		})
	})
}

// SubmitBlock submits a solved block. Submission is time critical, so the
// retry budget is minimal.
func (c *RPCClient) SubmitBlock(ctx context.Context, blockHex string) error {
	blockBytes, err := hex.DecodeString(blockHex)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "submit_block",
			"invalid block hex encoding")
	}
	block := &wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(blockBytes)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "submit_block",
			"failed to deserialize block")
	}

	submitConfig := &retry.Config{
		MaxAttempts: 2,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
		Multiplier:  1.5,
	}

	return c.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, submitConfig, func() error {
			if err := c.client.SubmitBlockAsync(btcutil.NewBlock(block), nil).Receive(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDaemon, "submit_block",
					"failed to submit block")
			}
			return nil
		})
	})
}

// Ping tests daemon connectivity.
func (c *RPCClient) Ping(ctx context.Context) error {
	return c.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			if err := c.client.PingAsync().Receive(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeNetwork, "ping",
					"daemon connectivity check failed")
			}
			return nil
		})
	})
}
