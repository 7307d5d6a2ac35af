package rail

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultForwarder is the CFAv1Forwarder address, identical on every
// Superfluid network.
const DefaultForwarder = "0xcfA132E353cB4E398080B9700609bb008eceB125"

var (
	setFlowrateSelector = crypto.Keccak256([]byte("setFlowrate(address,address,int96)"))[:4]
	deleteFlowSelector  = crypto.Keccak256([]byte("deleteFlow(address,address,address,bytes)"))[:4]
	getFlowrateSelector = crypto.Keccak256([]byte("getFlowrate(address,address,address)"))[:4]

	maxInt96 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 95), big.NewInt(1))
	two256   = new(big.Int).Lsh(big.NewInt(1), 256)
)

// EVMBackend is the subset of *ethclient.Client the adapter uses.
type EVMBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// SuperfluidConfig configures the forwarder adapter.
type SuperfluidConfig struct {
	Forwarder   common.Address
	SuperToken  common.Address
	ChainID     *big.Int
	WeiPerUnit  *big.Int
	GasLimit    uint64
	PollEvery   time.Duration
	WaitReceipt bool
}

// Superfluid drives constant flow agreements through the CFAv1 forwarder.
// The flow reference is the hash of the transaction that opened it.
type Superfluid struct {
	backend EVMBackend
	cfg     SuperfluidConfig
	logger  *slog.Logger
}

// NewSuperfluid builds an adapter around an already dialled backend.
func NewSuperfluid(backend EVMBackend, cfg SuperfluidConfig, logger *slog.Logger) (*Superfluid, error) {
	if backend == nil {
		return nil, errors.New("rail backend is required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("rail chain id is required")
	}
	if cfg.SuperToken == (common.Address{}) {
		return nil, errors.New("rail super token is required")
	}
	if cfg.Forwarder == (common.Address{}) {
		cfg.Forwarder = common.HexToAddress(DefaultForwarder)
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 300000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Superfluid{backend: backend, cfg: cfg, logger: logger}, nil
}

// OpenFlow sets the flow rate from the sender to receiver.
func (s *Superfluid) OpenFlow(ctx context.Context, sender Credential, receiver string, ratePerSecond int64) (string, error) {
	if ratePerSecond <= 0 {
		return "", fmt.Errorf("flow rate must be positive, got %d", ratePerSecond)
	}
	if !common.IsHexAddress(receiver) {
		return "", fmt.Errorf("invalid receiver address %q", receiver)
	}
	wei := ToWei(ratePerSecond, s.cfg.WeiPerUnit)
	if wei.Cmp(maxInt96) > 0 {
		return "", fmt.Errorf("flow rate %s overflows int96", wei)
	}

	data := append([]byte{}, setFlowrateSelector...)
	data = append(data, common.LeftPadBytes(s.cfg.SuperToken.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(receiver).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(wei.Bytes(), 32)...)

	hash, err := s.transact(ctx, sender, data)
	if err != nil {
		return "", fmt.Errorf("set flow rate: %w", err)
	}
	return hash.Hex(), nil
}

// CloseFlow deletes the flow from the sender to receiver.
func (s *Superfluid) CloseFlow(ctx context.Context, sender Credential, receiver string) error {
	if !common.IsHexAddress(receiver) {
		return fmt.Errorf("invalid receiver address %q", receiver)
	}
	_, from, err := parseCredential(sender)
	if err != nil {
		return err
	}

	// deleteFlow(token, sender, receiver, bytes userData) with empty userData:
	// the dynamic argument is an offset to a zero length word.
	data := append([]byte{}, deleteFlowSelector...)
	data = append(data, common.LeftPadBytes(s.cfg.SuperToken.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(from.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(receiver).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(big.NewInt(128).Bytes(), 32)...)
	data = append(data, make([]byte, 32)...)

	if _, err := s.transact(ctx, sender, data); err != nil {
		return fmt.Errorf("delete flow: %w", err)
	}
	return nil
}

// QueryFlow reads the current flow rate in token base units per second.
func (s *Superfluid) QueryFlow(ctx context.Context, sender, receiver string) (*big.Int, error) {
	if !common.IsHexAddress(sender) || !common.IsHexAddress(receiver) {
		return nil, fmt.Errorf("invalid flow addresses %q -> %q", sender, receiver)
	}
	data := append([]byte{}, getFlowrateSelector...)
	data = append(data, common.LeftPadBytes(s.cfg.SuperToken.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(sender).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(receiver).Bytes(), 32)...)

	out, err := s.backend.CallContract(ctx, ethereum.CallMsg{To: &s.cfg.Forwarder, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("get flow rate: %w", err)
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("get flow rate: short return data (%d bytes)", len(out))
	}
	rate := new(big.Int).SetBytes(out[:32])
	if out[0]&0x80 != 0 {
		rate.Sub(rate, two256)
	}
	return rate, nil
}

func parseCredential(cred Credential) (*ecdsa.PrivateKey, common.Address, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cred.PrivateKey, "0x"))
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("parse sender key: %w", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	if cred.Address != "" && !strings.EqualFold(cred.Address, from.Hex()) {
		return nil, common.Address{}, fmt.Errorf("sender key does not match address %s", cred.Address)
	}
	return key, from, nil
}

func (s *Superfluid) transact(ctx context.Context, sender Credential, data []byte) (common.Hash, error) {
	key, from, err := parseCredential(sender)
	if err != nil {
		return common.Hash{}, err
	}

	nonce, err := s.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("get nonce: %w", err)
	}
	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("get gas price: %w", err)
	}
	gasLimit, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &s.cfg.Forwarder, Data: data})
	if err != nil || gasLimit == 0 {
		gasLimit = s.cfg.GasLimit
	}

	tx := types.NewTransaction(nonce, s.cfg.Forwarder, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(s.cfg.ChainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}

	s.logger.Info("rail transaction sent",
		"from", from.Hex(),
		"forwarder", s.cfg.Forwarder.Hex(),
		"nonce", nonce,
		"gas_limit", gasLimit,
		"tx_hash", signed.Hash().Hex(),
	)

	if !s.cfg.WaitReceipt {
		return signed.Hash(), nil
	}
	if err := s.waitMined(ctx, signed.Hash()); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

func (s *Superfluid) waitMined(ctx context.Context, hash common.Hash) error {
	ticker := time.NewTicker(s.cfg.PollEvery)
	defer ticker.Stop()
	for {
		receipt, err := s.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("transaction %s reverted", hash.Hex())
			}
			return nil
		case !errors.Is(err, ethereum.NotFound):
			return fmt.Errorf("get receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
