package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/wheval/Vaultix/core/events"
	"github.com/wheval/Vaultix/core/types"
)

type mockState struct {
	escrows    map[uint64]*Escrow
	accounts   map[[20]byte]*types.Account
	vaultAddrs map[string][20]byte
	failPuts   bool
}

func newMockState() *mockState {
	return &mockState{
		escrows:    make(map[uint64]*Escrow),
		accounts:   make(map[[20]byte]*types.Account),
		vaultAddrs: make(map[string][20]byte),
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func (m *mockState) EscrowPut(e *Escrow) error {
	if m.failPuts {
		return fmt.Errorf("simulated put failure")
	}
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return err
	}
	m.escrows[sanitized.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) EscrowGet(id uint64) (*Escrow, bool) {
	esc, ok := m.escrows[id]
	if !ok {
		return nil, false
	}
	return esc.Clone(), true
}

func (m *mockState) EscrowHas(id uint64) (bool, error) {
	_, ok := m.escrows[id]
	return ok, nil
}

func (m *mockState) EscrowVaultAddress(token string) ([20]byte, error) {
	normalized, err := NormalizeToken(token)
	if err != nil {
		return [20]byte{}, err
	}
	if addr, ok := m.vaultAddrs[normalized]; ok {
		return addr, nil
	}
	addr := newTestAddress(byte(0xF0 + len(m.vaultAddrs)))
	m.vaultAddrs[normalized] = addr
	return addr, nil
}

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	var key [20]byte
	copy(key[:], addr)
	if acc, ok := m.accounts[key]; ok {
		return acc.Clone(), nil
	}
	return types.NewAccount(), nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	var key [20]byte
	copy(key[:], addr)
	m.accounts[key] = account.Clone()
	return nil
}

func (m *mockState) fund(addr [20]byte, token string, amount int64) {
	acc, ok := m.accounts[addr]
	if !ok {
		acc = types.NewAccount()
	}
	acc.SetBalance(token, big.NewInt(amount))
	m.accounts[addr] = acc
}

func (m *mockState) balance(addr [20]byte, token string) *big.Int {
	acc, ok := m.accounts[addr]
	if !ok {
		return big.NewInt(0)
	}
	return acc.Balance(token)
}

// staticAuthorizer proves authority for a fixed set of identities.
type staticAuthorizer struct {
	signers map[[20]byte]bool
}

func authorize(addrs ...[20]byte) *staticAuthorizer {
	signers := make(map[[20]byte]bool, len(addrs))
	for _, addr := range addrs {
		signers[addr] = true
	}
	return &staticAuthorizer{signers: signers}
}

func (a *staticAuthorizer) RequireSigned(identity [20]byte) error {
	if a.signers[identity] {
		return nil
	}
	return fmt.Errorf("identity did not sign the invocation")
}

type testEnv struct {
	engine    *Engine
	state     *mockState
	emitter   *events.MemoryEmitter
	depositor [20]byte
	recipient [20]byte
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	state := newMockState()
	emitter := events.NewMemoryEmitter(64)
	engine := NewEngine()
	engine.SetState(state)
	engine.SetEmitter(emitter)
	env := &testEnv{
		engine:    engine,
		state:     state,
		emitter:   emitter,
		depositor: newTestAddress(0x01),
		recipient: newTestAddress(0x02),
	}
	state.fund(env.depositor, "USDV", 1_000_000)
	return env
}

func milestonesOf(amounts ...int64) []Milestone {
	out := make([]Milestone, len(amounts))
	for i, amount := range amounts {
		out[i] = Milestone{Amount: big.NewInt(amount), Description: fmt.Sprintf("phase %d", i+1)}
	}
	return out
}

func (env *testEnv) create(t *testing.T, id uint64, amounts ...int64) *Escrow {
	t.Helper()
	esc, err := env.engine.Create(authorize(env.depositor), id, env.depositor, env.recipient, milestonesOf(amounts...), "USDV")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return esc
}

func TestCreateComputesAggregateTotal(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t, 1, 3000, 3000, 4000)
	if esc.TotalAmount.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("unexpected total: %v", esc.TotalAmount)
	}
	if esc.TotalReleased.Sign() != 0 {
		t.Fatalf("expected zero released, got %v", esc.TotalReleased)
	}
	if esc.Status != EscrowActive {
		t.Fatalf("unexpected status: %v", esc.Status)
	}
	stored, err := env.engine.Get(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.TotalReleased.Sign() != 0 || stored.Status != EscrowActive {
		t.Fatalf("unexpected stored snapshot: %+v", stored)
	}
	vault, _ := env.state.EscrowVaultAddress("USDV")
	if env.state.balance(vault, "USDV").Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("vault custody mismatch: %v", env.state.balance(vault, "USDV"))
	}
	if env.state.balance(env.depositor, "USDV").Cmp(big.NewInt(990_000)) != 0 {
		t.Fatalf("depositor balance mismatch: %v", env.state.balance(env.depositor, "USDV"))
	}
}

func TestCreateForcesMilestoneStatusToPending(t *testing.T) {
	env := newTestEnv(t)
	input := []Milestone{{Amount: big.NewInt(100), Status: MilestoneReleased, Description: "pre-released"}}
	esc, err := env.engine.Create(authorize(env.depositor), 7, env.depositor, env.recipient, input, "USDV")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if esc.Milestones[0].Status != MilestonePending {
		t.Fatalf("caller-asserted status must be discarded")
	}
}

func TestCreateRejectsTooManyMilestones(t *testing.T) {
	env := newTestEnv(t)
	amounts := make([]int64, MaxMilestones+1)
	for i := range amounts {
		amounts[i] = 10
	}
	_, err := env.engine.Create(authorize(env.depositor), 2, env.depositor, env.recipient, milestonesOf(amounts...), "USDV")
	if !errors.Is(err, ErrTooManyMilestones) {
		t.Fatalf("expected ErrTooManyMilestones, got %v", err)
	}
	if exists, _ := env.state.EscrowHas(2); exists {
		t.Fatalf("no record should be persisted on validation failure")
	}
}

func TestCreateRejectsNonPositiveAmounts(t *testing.T) {
	env := newTestEnv(t)
	for _, amount := range []int64{0, -5} {
		_, err := env.engine.Create(authorize(env.depositor), 3, env.depositor, env.recipient, milestonesOf(1000, amount), "USDV")
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
	if exists, _ := env.state.EscrowHas(3); exists {
		t.Fatalf("no record should be persisted on validation failure")
	}
}

func TestCreateRejectsSelfDealing(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Create(authorize(env.depositor), 4, env.depositor, env.depositor, milestonesOf(1000), "USDV")
	if !errors.Is(err, ErrSelfDealing) {
		t.Fatalf("expected ErrSelfDealing, got %v", err)
	}
}

func TestCreateRejectsDuplicateIdentifier(t *testing.T) {
	env := newTestEnv(t)
	first := env.create(t, 5, 5000)
	_, err := env.engine.Create(authorize(env.depositor), 5, env.depositor, env.recipient, milestonesOf(1), "USDV")
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	stored, err := env.engine.Get(5)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.TotalAmount.Cmp(first.TotalAmount) != 0 || len(stored.Milestones) != 1 {
		t.Fatalf("first record must be unchanged: %+v", stored)
	}
}

func TestCreateRequiresDepositorAuthority(t *testing.T) {
	env := newTestEnv(t)
	stranger := newTestAddress(0x99)
	_, err := env.engine.Create(authorize(stranger), 6, env.depositor, env.recipient, milestonesOf(1000), "USDV")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if exists, _ := env.state.EscrowHas(6); exists {
		t.Fatalf("unauthorized create must not persist")
	}
}

func TestCreateFailsOnInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	env.state.fund(env.depositor, "USDV", 100)
	_, err := env.engine.Create(authorize(env.depositor), 8, env.depositor, env.recipient, milestonesOf(5000), "USDV")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if exists, _ := env.state.EscrowHas(8); exists {
		t.Fatalf("failed transfer must not leave a record behind")
	}
}

func TestCreateReversesDepositWhenStoreFails(t *testing.T) {
	env := newTestEnv(t)
	env.state.failPuts = true
	_, err := env.engine.Create(authorize(env.depositor), 9, env.depositor, env.recipient, milestonesOf(2500), "USDV")
	if err == nil {
		t.Fatalf("expected store failure")
	}
	if env.state.balance(env.depositor, "USDV").Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("deposit was not reversed: %v", env.state.balance(env.depositor, "USDV"))
	}
}

func TestReleaseScenarioTwoMilestones(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, 10, 5000, 5000)

	esc, err := env.engine.Release(authorize(env.depositor), 10, 0)
	if err != nil {
		t.Fatalf("release 0: %v", err)
	}
	if esc.TotalReleased.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("unexpected total released: %v", esc.TotalReleased)
	}
	if esc.Milestones[0].Status != MilestoneReleased || esc.Milestones[1].Status != MilestonePending {
		t.Fatalf("unexpected milestone statuses: %+v", esc.Milestones)
	}
	if env.state.balance(env.recipient, "USDV").Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("recipient should have been paid: %v", env.state.balance(env.recipient, "USDV"))
	}

	if _, err := env.engine.Release(authorize(env.depositor), 10, 1); err != nil {
		t.Fatalf("release 1: %v", err)
	}
	esc, err = env.engine.Complete(authorize(env.depositor), 10)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if esc.Status != EscrowCompleted {
		t.Fatalf("unexpected status after complete: %v", esc.Status)
	}
	if esc.TotalReleased.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("unexpected total released: %v", esc.TotalReleased)
	}
	vault, _ := env.state.EscrowVaultAddress("USDV")
	if env.state.balance(vault, "USDV").Sign() != 0 {
		t.Fatalf("vault should be empty after full release: %v", env.state.balance(vault, "USDV"))
	}
}

func TestReleaseSameMilestoneTwice(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, 11, 5000, 5000)
	if _, err := env.engine.Release(authorize(env.depositor), 11, 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	_, err := env.engine.Release(authorize(env.depositor), 11, 0)
	if !errors.Is(err, ErrMilestoneAlreadyReleased) {
		t.Fatalf("expected ErrMilestoneAlreadyReleased, got %v", err)
	}
	stored, _ := env.engine.Get(11)
	if stored.TotalReleased.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("total released must reflect exactly one release: %v", stored.TotalReleased)
	}
	if env.state.balance(env.recipient, "USDV").Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("double payout detected: %v", env.state.balance(env.recipient, "USDV"))
	}
}

func TestReleaseGuards(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, 12, 5000)

	if _, err := env.engine.Release(authorize(env.depositor), 404, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	stranger := newTestAddress(0x55)
	if _, err := env.engine.Release(authorize(stranger), 12, 0); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.engine.Release(authorize(env.depositor), 12, 3); !errors.Is(err, ErrMilestoneNotFound) {
		t.Fatalf("expected ErrMilestoneNotFound, got %v", err)
	}
	if _, err := env.engine.Release(authorize(env.depositor), 12, -1); !errors.Is(err, ErrMilestoneNotFound) {
		t.Fatalf("expected ErrMilestoneNotFound for negative index, got %v", err)
	}
}

func TestReleaseRejectedOnTerminalStatus(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, 13, 5000)
	if _, err := env.engine.Cancel(authorize(env.depositor), 13); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := env.engine.Release(authorize(env.depositor), 13, 0); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestConfirmDeliveryPaysRecipient(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, 14, 7000)
	esc, err := env.engine.Confirm(authorize(env.depositor), 14, 0, env.depositor)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if esc.Milestones[0].Status != MilestoneReleased {
		t.Fatalf("milestone should be released")
	}
	if env.state.balance(env.recipient, "USDV").Cmp(big.NewInt(7000)) != 0 {
		t.Fatalf("recipient payout mismatch: %v", env.state.balance(env.recipient, "USDV"))
	}
}

func TestConfirmRequiresBuyerToBeDepositor(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, 15, 7000)
	stranger := newTestAddress(0x77)
	// Signed by the stranger but the stranger is not the depositor.
	_, err := env.engine.Confirm(authorize(stranger), 15, 0, stranger)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	// Buyer claims to be the depositor but did not sign.
	_, err = env.engine.Confirm(authorize(stranger), 15, 0, env.depositor)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for missing signature, got %v", err)
	}
}

func TestCancelScenarioNoRelease(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, 16, 10_000)
	esc, err := env.engine.Cancel(authorize(env.depositor), 16)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if esc.Status != EscrowCancelled {
		t.Fatalf("unexpected status: %v", esc.Status)
	}
	// Custodied funds return to the depositor on cancellation.
	if env.state.balance(env.depositor, "USDV").Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("refund missing: %v", env.state.balance(env.depositor, "USDV"))
	}
	stored, _ := env.engine.Get(16)
	if stored.Status != EscrowCancelled {
		t.Fatalf("tombstone must remain readable: %+v", stored)
	}
}

func TestCancelAfterReleaseFails(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, 17, 5000, 5000)
	if _, err := env.engine.Release(authorize(env.depositor), 17, 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	_, err := env.engine.Cancel(authorize(env.depositor), 17)
	if !errors.Is(err, ErrMilestoneAlreadyReleased) {
		t.Fatalf("expected ErrMilestoneAlreadyReleased, got %v", err)
	}
}

func TestCompleteRequiresEveryMilestoneReleased(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, 18, 5000, 5000)
	if _, err := env.engine.Complete(authorize(env.depositor), 18); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive before full release, got %v", err)
	}
	if _, err := env.engine.Release(authorize(env.depositor), 18, 0); err != nil {
		t.Fatalf("release 0: %v", err)
	}
	if _, err := env.engine.Complete(authorize(env.depositor), 18); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive with one pending milestone, got %v", err)
	}
	if _, err := env.engine.Release(authorize(env.depositor), 18, 1); err != nil {
		t.Fatalf("release 1: %v", err)
	}
	if _, err := env.engine.Complete(authorize(env.depositor), 18); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestGetIsPureQuery(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, 19, 3000, 3000, 4000)
	esc, err := env.engine.Get(19)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if esc.TotalAmount.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("unexpected total: %v", esc.TotalAmount)
	}
	if esc.TotalReleased.Sign() != 0 || esc.Status != EscrowActive {
		t.Fatalf("unexpected snapshot: %+v", esc)
	}
	// Mutating the snapshot must not affect the stored record.
	esc.TotalReleased.SetInt64(999)
	esc.Milestones[0].Status = MilestoneReleased
	again, _ := env.engine.Get(19)
	if again.TotalReleased.Sign() != 0 || again.Milestones[0].Status != MilestonePending {
		t.Fatalf("snapshot mutation leaked into store")
	}
	if _, err := env.engine.Get(404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEngineEmitsLifecycleEvents(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, 20, 5000, 5000)
	if _, err := env.engine.Release(authorize(env.depositor), 20, 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := env.engine.Confirm(authorize(env.depositor), 20, 1, env.depositor); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := env.engine.Complete(authorize(env.depositor), 20); err != nil {
		t.Fatalf("complete: %v", err)
	}
	entries := env.emitter.Recent(0)
	got := make([]string, 0, len(entries))
	for _, entry := range entries {
		got = append(got, entry.Event.EventType())
	}
	want := []string{
		EventTypeEscrowCreated,
		EventTypeMilestoneReleased,
		EventTypeDeliveryConfirmed,
		EventTypeEscrowCompleted,
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected event count: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: want %s got %s", i, want[i], got[i])
		}
	}
}
