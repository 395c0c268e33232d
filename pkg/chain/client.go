// Package chain reads block height and token balances from an EVM JSON-RPC node.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/chain-estate/ches-tracker/pkg/ledger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const balanceOfABI = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"payable":false,"stateMutability":"view","type":"function"}]`

// HeightSource reports the current chain head.
type HeightSource interface {
	CurrentBlockHeight(ctx context.Context) (uint64, error)
}

// BalanceSource reads the token balance of one holder at the latest block.
type BalanceSource interface {
	BalanceOf(ctx context.Context, address string) (*big.Int, error)
}

// Backend is the subset of ethclient.Client the tracker needs.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EthClient implements HeightSource and BalanceSource for a single ERC20 contract.
// Calls are not retried; the next poll cycle is the retry.
type EthClient struct {
	backend  Backend
	contract common.Address
	abi      abi.ABI
	closer   func()
}

// Dial connects to the JSON-RPC endpoint at rawURL.
func Dial(ctx context.Context, rawURL, contract string) (*EthClient, error) {
	ec, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, ledger.NetworkError("dial rpc", err)
	}
	c, err := NewEthClient(ec, contract)
	if err != nil {
		ec.Close()
		return nil, err
	}
	c.closer = ec.Close
	return c, nil
}

func NewEthClient(backend Backend, contract string) (*EthClient, error) {
	if backend == nil {
		return nil, errors.New("chain backend is nil")
	}
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("invalid contract address %q", contract)
	}
	parsed, err := abi.JSON(strings.NewReader(balanceOfABI))
	if err != nil {
		return nil, fmt.Errorf("parse balanceOf abi: %w", err)
	}
	return &EthClient{
		backend:  backend,
		contract: common.HexToAddress(contract),
		abi:      parsed,
	}, nil
}

func (c *EthClient) CurrentBlockHeight(ctx context.Context) (uint64, error) {
	h, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, ledger.NetworkError("eth_blockNumber", err)
	}
	return h, nil
}

func (c *EthClient) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, ledger.DecodeError("balanceOf", fmt.Errorf("invalid address %q", address))
	}
	data, err := c.abi.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}

	contract := c.contract
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, ledger.NetworkError("balanceOf", err)
	}

	values, err := c.abi.Unpack("balanceOf", out)
	if err != nil {
		return nil, ledger.DecodeError("balanceOf", err)
	}
	bal, ok := values[0].(*big.Int)
	if !ok || bal == nil {
		return nil, ledger.DecodeError("balanceOf", fmt.Errorf("unexpected return type %T", values[0]))
	}
	return bal, nil
}

func (c *EthClient) Close() {
	if c.closer != nil {
		c.closer()
	}
}
