// Package ledger talks to the bounty escrow contract. It submits award
// transactions signed by the owner key, waits for their receipts, and checks
// award transactions that an asker sent from their own wallet.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/garnizeh/bountycast/internal/config"
)

// BountyABI covers the contract methods this service calls or decodes.
const BountyABI = `[
	{"type":"function","name":"createQuestion","stateMutability":"payable",
	 "inputs":[{"name":"metadataUri","type":"string"},{"name":"deadline","type":"uint256"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"selectWinner","stateMutability":"nonpayable",
	 "inputs":[{"name":"questionId","type":"uint256"},{"name":"winner","type":"address"}],"outputs":[]},
	{"type":"function","name":"claimBounty","stateMutability":"nonpayable",
	 "inputs":[{"name":"questionId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"awardBounty","stateMutability":"nonpayable",
	 "inputs":[{"name":"id","type":"uint256"},{"name":"winner","type":"address"}],"outputs":[]}
]`

const (
	MethodAwardBounty  = "awardBounty"
	MethodSelectWinner = "selectWinner"
)

var (
	ErrTxReverted     = errors.New("transaction reverted")
	ErrPending        = errors.New("transaction not confirmed yet")
	ErrTxMismatch     = errors.New("transaction does not award this bounty")
	ErrInvalidAddress = errors.New("invalid address")
	ErrNoOwnerKey     = errors.New("ledger owner key not configured")
)

// package-level logger; can be replaced by callers
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger sets the package logger. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// Backend is the chain access the client needs. *ethclient.Client satisfies
// it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// Client is bound to one deployed bounty contract.
type Client struct {
	backend  Backend
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract
	signer   *bind.TransactOpts
	poll     time.Duration
	timeout  time.Duration
	submit   time.Duration
	closer   func()
}

// Dial connects to cfg.RPCURL and binds the configured contract.
func Dial(ctx context.Context, cfg config.LedgerConfig) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	c, err := New(ec, cfg)
	if err != nil {
		ec.Close()
		return nil, err
	}
	c.closer = ec.Close
	logger.Info("ledger: connected", slog.String("contract", c.address.Hex()), slog.Int64("chain_id", cfg.ChainID), slog.Bool("signer", c.signer != nil))
	return c, nil
}

// New binds the contract on an existing backend. Without an owner key the
// client can verify transactions but not submit them.
func New(backend Backend, cfg config.LedgerConfig) (*Client, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("contract address %q: %w", cfg.ContractAddress, ErrInvalidAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(BountyABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	addr := common.HexToAddress(cfg.ContractAddress)
	c := &Client{
		backend:  backend,
		address:  addr,
		abi:      parsed,
		contract: bind.NewBoundContract(addr, parsed, backend, backend, backend),
		poll:     cfg.PollInterval,
		timeout:  cfg.ConfirmTimeout,
		submit:   cfg.SubmitTimeout,
	}
	if c.poll <= 0 {
		c.poll = 2 * time.Second
	}
	if c.submit <= 0 {
		c.submit = 30 * time.Second
	}
	if cfg.OwnerKey != "" {
		key, err := parseKey(cfg.OwnerKey)
		if err != nil {
			return nil, err
		}
		opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
		if err != nil {
			return nil, fmt.Errorf("transactor: %w", err)
		}
		c.signer = opts
	}
	return c, nil
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse owner key: %w", err)
	}
	return key, nil
}

// Close releases the RPC connection when the client dialed it.
func (c *Client) Close() {
	if c != nil && c.closer != nil {
		c.closer()
	}
}

// Address returns the bound contract address.
func (c *Client) Address() common.Address { return c.address }

// ConfirmTimeout is how long WaitMined waits when the caller's context has
// no earlier deadline.
func (c *Client) ConfirmTimeout() time.Duration { return c.timeout }

// PackAward returns the calldata for awardBounty(onchainID, winner).
func (c *Client) PackAward(onchainID int64, winner string) ([]byte, error) {
	if onchainID < 0 {
		return nil, fmt.Errorf("onchain id %d is not set", onchainID)
	}
	if !ValidAddress(winner) {
		return nil, fmt.Errorf("winner %q: %w", winner, ErrInvalidAddress)
	}
	return c.abi.Pack(MethodAwardBounty, big.NewInt(onchainID), common.HexToAddress(winner))
}

// SignedAward is an owner-signed awardBounty transaction that has not been
// broadcast yet. Its hash is final, so it can be recorded before sending.
type SignedAward struct {
	Hash string
	Raw  []byte
}

// SignAward builds and signs awardBounty(onchainID, winner) from the owner
// account without sending it.
func (c *Client) SignAward(ctx context.Context, onchainID int64, winner string) (SignedAward, error) {
	if c.signer == nil {
		return SignedAward{}, ErrNoOwnerKey
	}
	if _, err := c.PackAward(onchainID, winner); err != nil {
		return SignedAward{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.submit)
	defer cancel()

	opts := *c.signer
	opts.Context = ctx
	opts.NoSend = true
	tx, err := c.contract.Transact(&opts, MethodAwardBounty, big.NewInt(onchainID), common.HexToAddress(winner))
	if err != nil {
		return SignedAward{}, fmt.Errorf("sign %s: %w", MethodAwardBounty, err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return SignedAward{}, fmt.Errorf("encode %s: %w", MethodAwardBounty, err)
	}
	return SignedAward{Hash: tx.Hash().Hex(), Raw: raw}, nil
}

// Broadcast sends a transaction produced by SignAward.
func (c *Client) Broadcast(ctx context.Context, s SignedAward) error {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(s.Raw); err != nil {
		return fmt.Errorf("decode signed award: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.submit)
	defer cancel()
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("broadcast %s: %w", s.Hash, err)
	}
	logger.Info("ledger: award submitted", slog.String("tx", s.Hash), slog.String("to", c.address.Hex()))
	return nil
}

// Known reports whether the node still has txHash, mined or waiting in its
// pool.
func (c *Client) Known(ctx context.Context, txHash string) (bool, error) {
	_, _, err := c.backend.TransactionByHash(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup tx %s: %w", txHash, err)
	}
	return true, nil
}

// Receipt returns the receipt of txHash, ErrPending while it is not mined,
// or ErrTxReverted when it failed.
func (c *Client) Receipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	r, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrPending
	}
	if err != nil {
		return nil, fmt.Errorf("receipt %s: %w", txHash, err)
	}
	if r.Status != types.ReceiptStatusSuccessful {
		return r, ErrTxReverted
	}
	return r, nil
}

// WaitMined polls for the receipt of txHash until it is mined, the confirm
// timeout elapses or ctx is done. A timeout yields an error wrapping
// ErrPending so the caller can wait on the same hash later.
func (c *Client) WaitMined(ctx context.Context, txHash string) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		_, err := c.Receipt(ctx, txHash)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrTxReverted):
			return err
		case errors.Is(err, ErrPending):
		default:
			if ctx.Err() == nil {
				logger.Warn("ledger: receipt lookup failed", slog.String("tx", txHash), slog.Any("err", err))
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrPending, txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// VerifyAward checks that txHash is a successful call on the bound contract
// to awardBounty or selectWinner with (onchainID, winner).
func (c *Client) VerifyAward(ctx context.Context, txHash string, onchainID int64, winner string) error {
	if !ValidTxHash(txHash) {
		return fmt.Errorf("tx hash %q: %w", txHash, ErrTxMismatch)
	}
	tx, pending, err := c.backend.TransactionByHash(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return fmt.Errorf("tx %s: %w", txHash, ethereum.NotFound)
	}
	if err != nil {
		return fmt.Errorf("lookup tx %s: %w", txHash, err)
	}
	if pending {
		return ErrPending
	}
	if _, err := c.Receipt(ctx, txHash); err != nil {
		return err
	}
	if tx.To() == nil || *tx.To() != c.address {
		return fmt.Errorf("%w: not sent to %s", ErrTxMismatch, c.address.Hex())
	}
	id, to, err := c.DecodeAward(tx.Data())
	if err != nil {
		return err
	}
	if id.Cmp(big.NewInt(onchainID)) != 0 || !strings.EqualFold(to.Hex(), winner) {
		return fmt.Errorf("%w: got (%s, %s)", ErrTxMismatch, id, to.Hex())
	}
	return nil
}

// DecodeAward unpacks awardBounty or selectWinner calldata.
func (c *Client) DecodeAward(data []byte) (*big.Int, common.Address, error) {
	if len(data) < 4 {
		return nil, common.Address{}, fmt.Errorf("%w: short calldata", ErrTxMismatch)
	}
	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("%w: %v", ErrTxMismatch, err)
	}
	if method.Name != MethodAwardBounty && method.Name != MethodSelectWinner {
		return nil, common.Address{}, fmt.Errorf("%w: method %s", ErrTxMismatch, method.Name)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return nil, common.Address{}, fmt.Errorf("%w: bad arguments", ErrTxMismatch)
	}
	id, ok1 := args[0].(*big.Int)
	to, ok2 := args[1].(common.Address)
	if !ok1 || !ok2 {
		return nil, common.Address{}, fmt.Errorf("%w: bad argument types", ErrTxMismatch)
	}
	return id, to, nil
}

// ValidAddress reports whether s is a 0x-prefixed 20-byte hex address.
func ValidAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// ValidTxHash reports whether s is a 0x-prefixed 32-byte hex string.
func ValidTxHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}

// RecoverPersonalSign returns the address that produced an EIP-191
// personal_sign signature over message.
func RecoverPersonalSign(message, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// ToWei converts an ETH amount into wei. Fractions below one wei are
// truncated.
func ToWei(eth decimal.Decimal) *big.Int {
	return eth.Shift(18).BigInt()
}

// FromWei converts wei into ETH.
func FromWei(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, -18)
}
