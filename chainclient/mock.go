package chainclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/quorumkey/recovery-backend/interfaces"
)

// MockChain provides an in-memory chain view for tests and local development
// without requiring an RPC endpoint. Accounts and their key sets are mutated
// directly via AddAccount; SubmitAddKey only records the submission for
// assertions, it does not alter the key set.
type MockChain struct {
	mutex    sync.RWMutex
	accounts map[interfaces.AccountID][]interfaces.PublicKey

	// Submissions records every SubmitAddKey call for assertions.
	Submissions []MockSubmission
}

type MockSubmission struct {
	Account   interfaces.AccountID
	Payload   []byte
	Signature interfaces.Signature
	TxID      string
}

func NewMockChain() *MockChain {
	return &MockChain{accounts: make(map[interfaces.AccountID][]interfaces.PublicKey)}
}

// AddAccount creates an account with the given initial access keys.
func (m *MockChain) AddAccount(account interfaces.AccountID, keys ...interfaces.PublicKey) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.accounts[account] = append(m.accounts[account], keys...)
}

func (m *MockChain) AccessKeys(_ context.Context, account interfaces.AccountID) ([]interfaces.PublicKey, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	keys, ok := m.accounts[account]
	if !ok {
		return nil, fmt.Errorf("account %s does not exist", account)
	}
	return append([]interfaces.PublicKey(nil), keys...), nil
}

func (m *MockChain) SubmitAddKey(_ context.Context, account interfaces.AccountID, payload []byte, sig interfaces.Signature) (string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, ok := m.accounts[account]; !ok {
		return "", fmt.Errorf("account %s does not exist", account)
	}
	txID := uuid.New().String()
	m.Submissions = append(m.Submissions, MockSubmission{
		Account:   account,
		Payload:   append([]byte(nil), payload...),
		Signature: sig,
		TxID:      txID,
	})
	return txID, nil
}
