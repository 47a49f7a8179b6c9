package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/wheval/Vaultix/core/types"
	"github.com/wheval/Vaultix/native/escrow"
	"github.com/wheval/Vaultix/storage"
)

const (
	escrowKeyPrefix  = "escrow/"
	accountKeyPrefix = "account/"
	vaultDomainTag   = "vaultix/escrow/vault/"
)

// Manager provides the keyed persistence layer for escrow records and ledger
// accounts on top of a storage.Database. Records are RLP encoded; escrow
// records are sanitised on the way in so malformed state never reaches disk.
type Manager struct {
	db storage.Database
}

// NewManager wraps the supplied database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func escrowKey(id uint64) []byte {
	key := make([]byte, len(escrowKeyPrefix)+8)
	copy(key, escrowKeyPrefix)
	binary.BigEndian.PutUint64(key[len(escrowKeyPrefix):], id)
	return key
}

func accountKey(addr []byte) []byte {
	key := make([]byte, 0, len(accountKeyPrefix)+len(addr))
	key = append(key, accountKeyPrefix...)
	return append(key, addr...)
}

type storedMilestone struct {
	Amount      *big.Int
	Status      uint8
	Description string
}

type storedEscrow struct {
	ID            uint64
	Depositor     [20]byte
	Recipient     [20]byte
	Token         string
	TotalAmount   *big.Int
	TotalReleased *big.Int
	Milestones    []storedMilestone
	Status        uint8
}

// RLP cannot encode maps, so account balances are flattened into a slice
// sorted by token symbol for deterministic encodings.
type storedBalance struct {
	Token  string
	Amount *big.Int
}

type storedAccount struct {
	Nonce    uint64
	Balances []storedBalance
}

// EscrowPut sanitises and persists the supplied escrow record, replacing any
// previous value under the same identifier.
func (m *Manager) EscrowPut(e *escrow.Escrow) error {
	if m == nil || m.db == nil {
		return errors.New("state: database not configured")
	}
	sanitized, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return err
	}
	stored := storedEscrow{
		ID:            sanitized.ID,
		Depositor:     sanitized.Depositor,
		Recipient:     sanitized.Recipient,
		Token:         sanitized.Token,
		TotalAmount:   sanitized.TotalAmount,
		TotalReleased: sanitized.TotalReleased,
		Milestones:    make([]storedMilestone, len(sanitized.Milestones)),
		Status:        uint8(sanitized.Status),
	}
	for i, milestone := range sanitized.Milestones {
		stored.Milestones[i] = storedMilestone{
			Amount:      milestone.Amount,
			Status:      uint8(milestone.Status),
			Description: milestone.Description,
		}
	}
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return fmt.Errorf("state: encode escrow %d: %w", sanitized.ID, err)
	}
	return m.db.Put(escrowKey(sanitized.ID), encoded)
}

// EscrowGet loads the escrow stored under the identifier. The second return
// value reports presence.
func (m *Manager) EscrowGet(id uint64) (*escrow.Escrow, bool) {
	if m == nil || m.db == nil {
		return nil, false
	}
	data, err := m.db.Get(escrowKey(id))
	if err != nil {
		return nil, false
	}
	stored := new(storedEscrow)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	esc := &escrow.Escrow{
		ID:            stored.ID,
		Depositor:     stored.Depositor,
		Recipient:     stored.Recipient,
		Token:         stored.Token,
		TotalAmount:   stored.TotalAmount,
		TotalReleased: stored.TotalReleased,
		Milestones:    make([]escrow.Milestone, len(stored.Milestones)),
		Status:        escrow.EscrowStatus(stored.Status),
	}
	for i, milestone := range stored.Milestones {
		esc.Milestones[i] = escrow.Milestone{
			Amount:      milestone.Amount,
			Status:      escrow.MilestoneStatus(milestone.Status),
			Description: milestone.Description,
		}
	}
	return esc, true
}

// EscrowHas reports whether a record exists for the identifier without
// decoding it.
func (m *Manager) EscrowHas(id uint64) (bool, error) {
	if m == nil || m.db == nil {
		return false, errors.New("state: database not configured")
	}
	return m.db.Has(escrowKey(id))
}

// EscrowVaultAddress derives the deterministic custody address holding
// escrowed funds for the supplied token.
func (m *Manager) EscrowVaultAddress(token string) ([20]byte, error) {
	var addr [20]byte
	normalized, err := escrow.NormalizeToken(token)
	if err != nil {
		return addr, err
	}
	hash := ethcrypto.Keccak256([]byte(vaultDomainTag + normalized))
	copy(addr[:], hash[12:])
	return addr, nil
}

// GetAccount loads the ledger account for the address, returning an empty
// account when none is stored.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	if m == nil || m.db == nil {
		return nil, errors.New("state: database not configured")
	}
	data, err := m.db.Get(accountKey(addr))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return types.NewAccount(), nil
		}
		return nil, err
	}
	stored := new(storedAccount)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, fmt.Errorf("state: decode account: %w", err)
	}
	account := types.NewAccount()
	account.Nonce = stored.Nonce
	for _, balance := range stored.Balances {
		account.SetBalance(balance.Token, balance.Amount)
	}
	return account, nil
}

// PutAccount persists the ledger account under the address.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if m == nil || m.db == nil {
		return errors.New("state: database not configured")
	}
	if account == nil {
		account = types.NewAccount()
	}
	stored := storedAccount{Nonce: account.Nonce}
	tokens := make([]string, 0, len(account.Balances))
	for token := range account.Balances {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	for _, token := range tokens {
		amount := account.Balances[token]
		if amount == nil {
			amount = big.NewInt(0)
		}
		stored.Balances = append(stored.Balances, storedBalance{Token: token, Amount: amount})
	}
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return fmt.Errorf("state: encode account: %w", err)
	}
	return m.db.Put(accountKey(addr), encoded)
}
