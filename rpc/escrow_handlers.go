package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/wheval/Vaultix/core/types"
	vaultixcrypto "github.com/wheval/Vaultix/crypto"
	"github.com/wheval/Vaultix/native/escrow"
)

type milestoneParam struct {
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
}

type escrowCreateParams struct {
	ID         uint64          `json:"id"`
	Depositor  string          `json:"depositor"`
	Recipient  string          `json:"recipient"`
	Token      string          `json:"token"`
	Milestones json.RawMessage `json:"milestones"`
	Signature  string          `json:"signature"`
}

type escrowReleaseParams struct {
	ID             uint64 `json:"id"`
	MilestoneIndex int    `json:"milestoneIndex"`
	Signature      string `json:"signature"`
}

type escrowConfirmParams struct {
	ID             uint64 `json:"id"`
	MilestoneIndex int    `json:"milestoneIndex"`
	Buyer          string `json:"buyer"`
	Signature      string `json:"signature"`
}

type escrowIDParams struct {
	ID        uint64 `json:"id"`
	Signature string `json:"signature,omitempty"`
}

type listEventsParams struct {
	Limit int `json:"limit,omitempty"`
}

type getBalanceParams struct {
	Address string `json:"address"`
	Token   string `json:"token"`
}

type milestoneJSON struct {
	Amount      string `json:"amount"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
}

type escrowJSON struct {
	ID            string          `json:"id"`
	Depositor     string          `json:"depositor"`
	Recipient     string          `json:"recipient"`
	Token         string          `json:"token"`
	TotalAmount   string          `json:"totalAmount"`
	TotalReleased string          `json:"totalReleased"`
	Status        string          `json:"status"`
	Milestones    []milestoneJSON `json:"milestones"`
}

type eventJSON struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type balanceJSON struct {
	Address string `json:"address"`
	Token   string `json:"token"`
	Balance string `json:"balance"`
}

func formatEscrow(esc *escrow.Escrow) *escrowJSON {
	if esc == nil {
		return nil
	}
	out := &escrowJSON{
		ID:            strconv.FormatUint(esc.ID, 10),
		Depositor:     vaultixcrypto.MustNewAddress(vaultixcrypto.VTXPrefix, esc.Depositor[:]).String(),
		Recipient:     vaultixcrypto.MustNewAddress(vaultixcrypto.VTXPrefix, esc.Recipient[:]).String(),
		Token:         esc.Token,
		TotalAmount:   esc.TotalAmount.String(),
		TotalReleased: esc.TotalReleased.String(),
		Status:        esc.Status.String(),
		Milestones:    make([]milestoneJSON, len(esc.Milestones)),
	}
	for i, milestone := range esc.Milestones {
		out.Milestones[i] = milestoneJSON{
			Amount:      milestone.Amount.String(),
			Status:      milestone.Status.String(),
			Description: milestone.Description,
		}
	}
	return out
}

func parseAddress(value string) ([20]byte, error) {
	var out [20]byte
	addr, err := vaultixcrypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return out, err
	}
	copy(out[:], addr.Bytes())
	return out, nil
}

func parseSignature(value string) ([]byte, error) {
	cleaned := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if cleaned == "" {
		return nil, fmt.Errorf("signature is required")
	}
	sig, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("signature must be hex encoded: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	return sig, nil
}

// sigAuthorizer proves signing authority for exactly the identity recovered
// from the request signature.
type sigAuthorizer struct {
	signer [20]byte
}

func (a sigAuthorizer) RequireSigned(identity [20]byte) error {
	if identity == a.signer {
		return nil
	}
	return fmt.Errorf("request was not signed by %x", identity)
}

func (s *Server) recoverAuthorizer(digest []byte, signature string) (escrow.Authorizer, *RPCError) {
	sig, err := parseSignature(signature)
	if err != nil {
		return nil, errInvalidParams(err.Error())
	}
	signer, err := vaultixcrypto.RecoverAddress(digest, sig)
	if err != nil {
		return nil, errInvalidParams(fmt.Sprintf("invalid signature: %v", err))
	}
	return sigAuthorizer{signer: signer}, nil
}

// Signature digests bind the network name, the method, and every parameter
// the engine acts on, so a signed request cannot be replayed for a different
// operation or deployment.

// CreateDigest returns the canonical digest a depositor signs to authorize
// escrow creation. The milestones argument is the exact JSON array sent in
// the request body.
func CreateDigest(network string, id uint64, depositor, recipient, token string, milestones []byte) []byte {
	milestonesHash := ethcrypto.Keccak256(milestones)
	payload := fmt.Sprintf("vaultix_escrow_create|%s|%d|%s|%s|%s|%s",
		network, id, depositor, recipient, token, hex.EncodeToString(milestonesHash))
	return ethcrypto.Keccak256([]byte(payload))
}

// ReleaseDigest returns the canonical digest for the depositor-initiated
// release path.
func ReleaseDigest(network string, id uint64, index int) []byte {
	payload := fmt.Sprintf("vaultix_escrow_release|%s|%d|%d", network, id, index)
	return ethcrypto.Keccak256([]byte(payload))
}

// ConfirmDigest returns the canonical digest for the delivery-confirmation
// release path.
func ConfirmDigest(network string, id uint64, index int, buyer string) []byte {
	payload := fmt.Sprintf("vaultix_escrow_confirm|%s|%d|%d|%s", network, id, index, buyer)
	return ethcrypto.Keccak256([]byte(payload))
}

// CancelDigest returns the canonical digest authorizing cancellation.
func CancelDigest(network string, id uint64) []byte {
	payload := fmt.Sprintf("vaultix_escrow_cancel|%s|%d", network, id)
	return ethcrypto.Keccak256([]byte(payload))
}

// CompleteDigest returns the canonical digest authorizing completion.
func CompleteDigest(network string, id uint64) []byte {
	payload := fmt.Sprintf("vaultix_escrow_complete|%s|%d", network, id)
	return ethcrypto.Keccak256([]byte(payload))
}

func singleParam(req *RPCRequest, out interface{}) *RPCError {
	if len(req.Params) != 1 {
		return errInvalidParams("exactly one parameter object expected")
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return errInvalidParams(err.Error())
	}
	return nil
}

func rpcErrorFor(err error) *RPCError {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		return &RPCError{Code: codeEscrowNotFound, Message: "escrow_not_found"}
	case errors.Is(err, escrow.ErrAlreadyExists):
		return &RPCError{Code: codeEscrowExists, Message: "escrow_already_exists"}
	case errors.Is(err, escrow.ErrUnauthorized):
		return &RPCError{Code: codeEscrowUnauthorized, Message: "unauthorized_access"}
	case errors.Is(err, escrow.ErrNotActive):
		return &RPCError{Code: codeEscrowNotActive, Message: "escrow_not_active"}
	case errors.Is(err, escrow.ErrMilestoneNotFound):
		return &RPCError{Code: codeMilestoneNotFound, Message: "milestone_not_found"}
	case errors.Is(err, escrow.ErrMilestoneAlreadyReleased):
		return &RPCError{Code: codeMilestoneReleased, Message: "milestone_already_released"}
	case errors.Is(err, escrow.ErrInvalidAmount):
		return &RPCError{Code: codeInvalidAmount, Message: "invalid_milestone_amount"}
	case errors.Is(err, escrow.ErrTooManyMilestones):
		return &RPCError{Code: codeTooManyMilestones, Message: "too_many_milestones"}
	case errors.Is(err, escrow.ErrSelfDealing):
		return &RPCError{Code: codeSelfDealing, Message: "self_dealing"}
	case errors.Is(err, escrow.ErrInsufficientBalance):
		return &RPCError{Code: codeInsufficientBalance, Message: "insufficient_balance"}
	default:
		return &RPCError{Code: codeServerError, Message: "internal_error", Data: err.Error()}
	}
}

func (s *Server) handleEscrowCreate(req *RPCRequest) (interface{}, *RPCError) {
	var params escrowCreateParams
	if rpcErr := singleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	depositor, err := parseAddress(params.Depositor)
	if err != nil {
		return nil, errInvalidParams(fmt.Sprintf("invalid depositor: %v", err))
	}
	recipient, err := parseAddress(params.Recipient)
	if err != nil {
		return nil, errInvalidParams(fmt.Sprintf("invalid recipient: %v", err))
	}
	if len(params.Milestones) == 0 {
		return nil, errInvalidParams("milestones are required")
	}
	var milestoneParams []milestoneParam
	if err := json.Unmarshal(params.Milestones, &milestoneParams); err != nil {
		return nil, errInvalidParams(fmt.Sprintf("invalid milestones: %v", err))
	}
	milestones := make([]escrow.Milestone, len(milestoneParams))
	for i, param := range milestoneParams {
		amount, ok := new(big.Int).SetString(strings.TrimSpace(param.Amount), 10)
		if !ok {
			return nil, errInvalidParams(fmt.Sprintf("milestone %d: invalid amount %q", i, param.Amount))
		}
		milestones[i] = escrow.Milestone{Amount: amount, Description: param.Description}
	}
	digest := CreateDigest(s.networkName, params.ID, params.Depositor, params.Recipient, params.Token, params.Milestones)
	auth, rpcErr := s.recoverAuthorizer(digest, params.Signature)
	if rpcErr != nil {
		return nil, rpcErr
	}
	esc, err := s.engine.Create(auth, params.ID, depositor, recipient, milestones, params.Token)
	if err != nil {
		return nil, rpcErrorFor(err)
	}
	return formatEscrow(esc), nil
}

func (s *Server) handleEscrowRelease(req *RPCRequest) (interface{}, *RPCError) {
	var params escrowReleaseParams
	if rpcErr := singleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	digest := ReleaseDigest(s.networkName, params.ID, params.MilestoneIndex)
	auth, rpcErr := s.recoverAuthorizer(digest, params.Signature)
	if rpcErr != nil {
		return nil, rpcErr
	}
	esc, err := s.engine.Release(auth, params.ID, params.MilestoneIndex)
	if err != nil {
		return nil, rpcErrorFor(err)
	}
	return formatEscrow(esc), nil
}

func (s *Server) handleEscrowConfirm(req *RPCRequest) (interface{}, *RPCError) {
	var params escrowConfirmParams
	if rpcErr := singleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	buyer, err := parseAddress(params.Buyer)
	if err != nil {
		return nil, errInvalidParams(fmt.Sprintf("invalid buyer: %v", err))
	}
	digest := ConfirmDigest(s.networkName, params.ID, params.MilestoneIndex, params.Buyer)
	auth, rpcErr := s.recoverAuthorizer(digest, params.Signature)
	if rpcErr != nil {
		return nil, rpcErr
	}
	esc, err := s.engine.Confirm(auth, params.ID, params.MilestoneIndex, buyer)
	if err != nil {
		return nil, rpcErrorFor(err)
	}
	return formatEscrow(esc), nil
}

func (s *Server) handleEscrowCancel(req *RPCRequest) (interface{}, *RPCError) {
	var params escrowIDParams
	if rpcErr := singleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	auth, rpcErr := s.recoverAuthorizer(CancelDigest(s.networkName, params.ID), params.Signature)
	if rpcErr != nil {
		return nil, rpcErr
	}
	esc, err := s.engine.Cancel(auth, params.ID)
	if err != nil {
		return nil, rpcErrorFor(err)
	}
	return formatEscrow(esc), nil
}

func (s *Server) handleEscrowComplete(req *RPCRequest) (interface{}, *RPCError) {
	var params escrowIDParams
	if rpcErr := singleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	auth, rpcErr := s.recoverAuthorizer(CompleteDigest(s.networkName, params.ID), params.Signature)
	if rpcErr != nil {
		return nil, rpcErr
	}
	esc, err := s.engine.Complete(auth, params.ID)
	if err != nil {
		return nil, rpcErrorFor(err)
	}
	return formatEscrow(esc), nil
}

func (s *Server) handleEscrowGet(req *RPCRequest) (interface{}, *RPCError) {
	var params escrowIDParams
	if rpcErr := singleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	esc, err := s.engine.Get(params.ID)
	if err != nil {
		return nil, rpcErrorFor(err)
	}
	return formatEscrow(esc), nil
}

func (s *Server) handleEscrowListEvents(req *RPCRequest) (interface{}, *RPCError) {
	var params listEventsParams
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			return nil, errInvalidParams(err.Error())
		}
	} else if len(req.Params) > 1 {
		return nil, errInvalidParams("at most one parameter object expected")
	}
	if s.emitter == nil {
		return []eventJSON{}, nil
	}
	entries := s.emitter.Recent(params.Limit)
	out := make([]eventJSON, 0, len(entries))
	for _, entry := range entries {
		item := eventJSON{Sequence: entry.Sequence, Type: entry.Event.EventType()}
		if payload, ok := entry.Event.(eventPayload); ok {
			if evt := payload.Event(); evt != nil {
				item.Attributes = evt.Attributes
			}
		}
		out = append(out, item)
	}
	return out, nil
}

// eventPayload is satisfied by engine events that carry a structured
// attribute map alongside their type.
type eventPayload interface {
	Event() *types.Event
}

func (s *Server) handleGetBalance(req *RPCRequest) (interface{}, *RPCError) {
	var params getBalanceParams
	if rpcErr := singleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		return nil, errInvalidParams(fmt.Sprintf("invalid address: %v", err))
	}
	token, err := escrow.NormalizeToken(params.Token)
	if err != nil {
		return nil, errInvalidParams(err.Error())
	}
	account, err := s.state.GetAccount(addr[:])
	if err != nil {
		return nil, &RPCError{Code: codeServerError, Message: "internal_error", Data: err.Error()}
	}
	return balanceJSON{
		Address: params.Address,
		Token:   token,
		Balance: account.Balance(token).String(),
	}, nil
}
