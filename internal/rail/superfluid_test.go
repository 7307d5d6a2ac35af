package rail

import (
	"bytes"
	"context"
	"encoding/hex"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pulsepay/pulsepay/internal/logging"
)

type fakeBackend struct {
	mu       sync.Mutex
	sent     []*types.Transaction
	callData []byte
	callOut  []byte
	status   uint64
	pending  int
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callData = msg.Data
	return f.callOut, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 120000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending > 0 {
		f.pending--
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: f.status}, nil
}

func newTestSuperfluid(t *testing.T, backend *fakeBackend) *Superfluid {
	t.Helper()
	sf, err := NewSuperfluid(backend, SuperfluidConfig{
		SuperToken:  common.HexToAddress("0x30a6933Ca9230361972E413a15dC8114c952414e"),
		ChainID:     big.NewInt(11155111),
		WeiPerUnit:  big.NewInt(1_000_000_000),
		PollEvery:   1,
		WaitReceipt: true,
	}, logging.Discard())
	if err != nil {
		t.Fatalf("new superfluid: %v", err)
	}
	return sf
}

func newCredential(t *testing.T) Credential {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return Credential{
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKey: hex.EncodeToString(crypto.FromECDSA(key)),
	}
}

func TestSuperfluidOpenFlowSignsSetFlowrate(t *testing.T) {
	backend := &fakeBackend{status: types.ReceiptStatusSuccessful, pending: 2}
	sf := newTestSuperfluid(t, backend)
	cred := newCredential(t)
	receiver := newCredential(t).Address

	ref, err := sf.OpenFlow(context.Background(), cred, receiver, 2)
	if err != nil {
		t.Fatalf("open flow: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one transaction, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if ref != tx.Hash().Hex() {
		t.Fatalf("flow reference should be the tx hash")
	}
	if *tx.To() != common.HexToAddress(DefaultForwarder) {
		t.Fatalf("transaction should target the forwarder, got %s", tx.To().Hex())
	}
	if !bytes.Equal(tx.Data()[:4], setFlowrateSelector) {
		t.Fatalf("unexpected selector %x", tx.Data()[:4])
	}
	rate := new(big.Int).SetBytes(tx.Data()[68:100])
	if rate.Cmp(big.NewInt(2_000_000_000)) != 0 {
		t.Fatalf("expected scaled rate, got %s", rate)
	}
	from, err := types.Sender(types.NewEIP155Signer(big.NewInt(11155111)), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if from.Hex() != cred.Address {
		t.Fatalf("expected sender %s, got %s", cred.Address, from.Hex())
	}
}

func TestSuperfluidOpenFlowReverted(t *testing.T) {
	backend := &fakeBackend{status: types.ReceiptStatusFailed}
	sf := newTestSuperfluid(t, backend)

	if _, err := sf.OpenFlow(context.Background(), newCredential(t), newCredential(t).Address, 1); err == nil {
		t.Fatalf("expected reverted transaction to fail")
	}
}

func TestSuperfluidRejectsMismatchedCredential(t *testing.T) {
	sf := newTestSuperfluid(t, &fakeBackend{status: types.ReceiptStatusSuccessful})
	cred := newCredential(t)
	cred.Address = newCredential(t).Address

	if _, err := sf.OpenFlow(context.Background(), cred, newCredential(t).Address, 1); err == nil {
		t.Fatalf("expected mismatched key to be rejected")
	}
}

func TestSuperfluidCloseFlowEncodesEmptyUserData(t *testing.T) {
	backend := &fakeBackend{status: types.ReceiptStatusSuccessful}
	sf := newTestSuperfluid(t, backend)
	cred := newCredential(t)

	if err := sf.CloseFlow(context.Background(), cred, newCredential(t).Address); err != nil {
		t.Fatalf("close flow: %v", err)
	}
	data := backend.sent[0].Data()
	if !bytes.Equal(data[:4], deleteFlowSelector) {
		t.Fatalf("unexpected selector %x", data[:4])
	}
	if len(data) != 4+5*32 {
		t.Fatalf("unexpected calldata length %d", len(data))
	}
	if common.BytesToAddress(data[36:68]).Hex() != cred.Address {
		t.Fatalf("sender argument should be the credential address")
	}
}

func TestSuperfluidQueryFlowDecodes(t *testing.T) {
	backend := &fakeBackend{callOut: common.LeftPadBytes(big.NewInt(2_000_000_000).Bytes(), 32)}
	sf := newTestSuperfluid(t, backend)

	rate, err := sf.QueryFlow(context.Background(), newCredential(t).Address, newCredential(t).Address)
	if err != nil {
		t.Fatalf("query flow: %v", err)
	}
	if rate.Cmp(big.NewInt(2_000_000_000)) != 0 {
		t.Fatalf("unexpected rate %s", rate)
	}
	if !bytes.Equal(backend.callData[:4], getFlowrateSelector) {
		t.Fatalf("unexpected selector")
	}

	backend.callOut = make([]byte, 32)
	rate, err = sf.QueryFlow(context.Background(), newCredential(t).Address, newCredential(t).Address)
	if err != nil {
		t.Fatalf("query flow: %v", err)
	}
	if rate.Sign() != 0 {
		t.Fatalf("expected zero rate, got %s", rate)
	}
}
