package escrow

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/wheval/Vaultix/core/events"
	"github.com/wheval/Vaultix/core/types"
)

var (
	errNilState      = errors.New("escrow engine: state not configured")
	errNilAuthorizer = errors.New("escrow engine: authorizer required")
)

// Authorizer proves that the current invocation was authorized by the signing
// key of a specific identity. Production callers build one per request from a
// verified signature; tests inject a static implementation.
type Authorizer interface {
	RequireSigned(identity [20]byte) error
}

type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id uint64) (*Escrow, bool)
	EscrowHas(id uint64) (bool, error)
	EscrowVaultAddress(token string) ([20]byte, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine wires the milestone escrow state machine with external state and
// event emitters. Every mutating operation runs its guards strictly before
// any persistence write or value transfer; a failing guard leaves the stored
// record unchanged.
type Engine struct {
	state   engineState
	emitter events.Emitter
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func requireSigned(auth Authorizer, identity [20]byte) error {
	if auth == nil {
		return errNilAuthorizer
	}
	if err := auth.RequireSigned(identity); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) loadEscrow(id uint64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(esc)
}

// transferToken moves value between two ledger accounts for the supplied
// token. A zero amount is a no-op; a shortfall fails before either account
// is written back.
func (e *Engine) transferToken(from, to [20]byte, token string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromBal := fromAcc.Balance(normalized)
	if fromBal.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	fromAcc.SetBalance(normalized, new(big.Int).Sub(fromBal, amt))
	toAcc.SetBalance(normalized, new(big.Int).Add(toAcc.Balance(normalized), amt))
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(to[:], toAcc); err != nil {
		return err
	}
	return nil
}

// Create validates and persists a new escrow, then locks the aggregate
// milestone amount in the token's custody vault. The record write and the
// deposit transfer form one all-or-nothing unit: a failing write reverses
// the transfer.
func (e *Engine) Create(auth Authorizer, id uint64, depositor, recipient [20]byte, milestones []Milestone, token string) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := requireSigned(auth, depositor); err != nil {
		return nil, err
	}
	exists, err := e.state.EscrowHas(id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAlreadyExists
	}
	if depositor == recipient {
		return nil, ErrSelfDealing
	}
	normalizedToken, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	total, normalized, err := ValidateMilestones(milestones)
	if err != nil {
		return nil, err
	}
	esc := &Escrow{
		ID:            id,
		Depositor:     depositor,
		Recipient:     recipient,
		Token:         normalizedToken,
		TotalAmount:   total,
		TotalReleased: big.NewInt(0),
		Milestones:    normalized,
		Status:        EscrowActive,
	}
	vault, err := e.state.EscrowVaultAddress(normalizedToken)
	if err != nil {
		return nil, err
	}
	if err := e.transferToken(depositor, vault, normalizedToken, total); err != nil {
		return nil, err
	}
	if err := e.storeEscrow(esc); err != nil {
		// Reverse the deposit so a failed write leaves no funds stranded.
		if undoErr := e.transferToken(vault, depositor, normalizedToken, total); undoErr != nil {
			return nil, fmt.Errorf("escrow: store failed (%v) and deposit reversal failed: %w", err, undoErr)
		}
		return nil, err
	}
	e.emit(NewCreatedEvent(esc))
	return esc.Clone(), nil
}

// Release flips the targeted milestone to Released on behalf of the
// depositor and pays its amount out of the custody vault to the recipient.
func (e *Engine) Release(auth Authorizer, id uint64, index int) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if err := requireSigned(auth, esc.Depositor); err != nil {
		return nil, err
	}
	return e.releaseMilestone(esc, index, EventTypeMilestoneReleased)
}

// Confirm is the delivery-confirmation release path. The buyer is supplied
// explicitly, must hold signing authority for the call, and must equal the
// stored depositor.
func (e *Engine) Confirm(auth Authorizer, id uint64, index int, buyer [20]byte) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if err := requireSigned(auth, buyer); err != nil {
		return nil, err
	}
	if buyer != esc.Depositor {
		return nil, ErrUnauthorized
	}
	return e.releaseMilestone(esc, index, EventTypeDeliveryConfirmed)
}

// releaseMilestone applies the shared milestone release transition. Both
// release paths pay out: the vault holds exactly the sum of pending
// milestone amounts at every observable point.
func (e *Engine) releaseMilestone(esc *Escrow, index int, eventType string) (*Escrow, error) {
	if esc.Status != EscrowActive {
		return nil, ErrNotActive
	}
	if index < 0 || index >= len(esc.Milestones) {
		return nil, ErrMilestoneNotFound
	}
	if esc.Milestones[index].Status == MilestoneReleased {
		return nil, ErrMilestoneAlreadyReleased
	}
	amount := cloneBigInt(esc.Milestones[index].Amount)
	released, err := addChecked(esc.TotalReleased, amount)
	if err != nil {
		return nil, err
	}
	esc.Milestones[index].Status = MilestoneReleased
	esc.TotalReleased = released
	vault, err := e.state.EscrowVaultAddress(esc.Token)
	if err != nil {
		return nil, err
	}
	if err := e.transferToken(vault, esc.Recipient, esc.Token, amount); err != nil {
		return nil, err
	}
	if err := e.storeEscrow(esc); err != nil {
		if undoErr := e.transferToken(esc.Recipient, vault, esc.Token, amount); undoErr != nil {
			return nil, fmt.Errorf("escrow: store failed (%v) and payout reversal failed: %w", err, undoErr)
		}
		return nil, err
	}
	switch eventType {
	case EventTypeDeliveryConfirmed:
		e.emit(NewDeliveryConfirmedEvent(esc, index, amount))
	default:
		e.emit(NewMilestoneReleasedEvent(esc, index, amount))
	}
	return esc.Clone(), nil
}

// Cancel tombstones an escrow before any milestone has been released and
// returns the custodied funds to the depositor.
func (e *Engine) Cancel(auth Authorizer, id uint64) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if err := requireSigned(auth, esc.Depositor); err != nil {
		return nil, err
	}
	if esc.Status == EscrowCancelled {
		return esc.Clone(), nil
	}
	if esc.TotalReleased != nil && esc.TotalReleased.Sign() > 0 {
		return nil, ErrMilestoneAlreadyReleased
	}
	if esc.Status != EscrowActive {
		return nil, ErrNotActive
	}
	vault, err := e.state.EscrowVaultAddress(esc.Token)
	if err != nil {
		return nil, err
	}
	refund := cloneBigInt(esc.TotalAmount)
	if err := e.transferToken(vault, esc.Depositor, esc.Token, refund); err != nil {
		return nil, err
	}
	esc.Status = EscrowCancelled
	if err := e.storeEscrow(esc); err != nil {
		if undoErr := e.transferToken(esc.Depositor, vault, esc.Token, refund); undoErr != nil {
			return nil, fmt.Errorf("escrow: store failed (%v) and refund reversal failed: %w", err, undoErr)
		}
		return nil, err
	}
	e.emit(NewCancelledEvent(esc))
	return esc.Clone(), nil
}

// Complete tombstones an escrow once every milestone has been released.
func (e *Engine) Complete(auth Authorizer, id uint64) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if err := requireSigned(auth, esc.Depositor); err != nil {
		return nil, err
	}
	if esc.Status == EscrowCompleted {
		return esc.Clone(), nil
	}
	if !esc.AllReleased() {
		return nil, ErrNotActive
	}
	esc.Status = EscrowCompleted
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	e.emit(NewCompletedEvent(esc))
	return esc.Clone(), nil
}

// Get returns a read-only snapshot of the record. No authorization is
// required; this is a pure query and remains valid after terminal statuses.
func (e *Engine) Get(id uint64) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}
