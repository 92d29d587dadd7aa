// Package governance gates privileged registry and staking operations behind a small
// multisig: an authority proposes an action, a quorum confirms it and any authority triggers it
// before the proposal window closes.
package governance

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"fundfeed/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

type Action string

const (
	ActionRegisterAsset    Action = "registerAsset"
	ActionUpdateAsset      Action = "updateAsset"
	ActionRemoveAsset      Action = "removeAsset"
	ActionRegisterExchange Action = "registerExchange"
	ActionUpdateExchange   Action = "updateExchange"
	ActionRemoveExchange   Action = "removeExchange"
	ActionBurnStake        Action = "burnStake"
	ActionCollectAndUpdate Action = "collectAndUpdate"
	ActionUpdatePrices     Action = "update"
)

// Authorizer is the only thing the core depends on.
type Authorizer interface {
	IsAuthorized(caller common.Address, action Action) bool
}

// OnlyGovernance authorizes the governance identity for every action.
type OnlyGovernance common.Address

func (g OnlyGovernance) IsAuthorized(caller common.Address, _ Action) bool {
	return caller == common.Address(g)
}

// Delegated authorizes the governance identity for everything and extra callers for the listed
// actions only.
type Delegated struct {
	Governance common.Address
	Extra      map[Action]map[common.Address]struct{}
}

func (d Delegated) IsAuthorized(caller common.Address, action Action) bool {
	if caller == d.Governance {
		return true
	}
	callers, ok := d.Extra[action]
	if !ok {
		return false
	}
	_, ok = callers[caller]
	return ok
}

var (
	ErrNotAuthority     = ledger.Reject(ledger.KindAuthorization, errors.New("caller is not a governance authority"))
	ErrUnknownProposal  = ledger.Reject(ledger.KindInvariant, errors.New("unknown proposal"))
	ErrAlreadyConfirmed = ledger.Reject(ledger.KindInvariant, errors.New("authority already confirmed proposal"))
	ErrNotConfirmed     = ledger.Reject(ledger.KindConsensus, errors.New("proposal lacks quorum"))
	ErrProposalExpired  = ledger.Reject(ledger.KindTiming, errors.New("proposal expired"))
	ErrProposalClosed   = ledger.Reject(ledger.KindInvariant, errors.New("proposal already triggered"))
	ErrNoHandler        = ledger.Reject(ledger.KindInvariant, errors.New("no handler for action"))
	ErrTriggerInFlight  = ledger.Reject(ledger.KindInvariant, errors.New("proposal trigger already running"))
)

// Handler executes a triggered action. caller is always the governance identity.
type Handler func(ctx context.Context, caller common.Address, payload []byte) error

type Proposal struct {
	ID            uint64
	Hash          common.Hash
	Action        Action
	Payload       []byte
	Proposer      common.Address
	CreatedAt     time.Time
	State         State
	Confirmations map[common.Address]struct{}
}

type Config struct {
	Address     common.Address
	Authorities []common.Address
	Quorum      int
	Window      time.Duration
}

type Governance struct {
	address     common.Address
	authorities map[common.Address]struct{}
	quorum      int
	window      time.Duration
	clock       ledger.Clock
	events      ledger.Emitter
	log         *zap.Logger

	mu         sync.Mutex
	proposals  []*Proposal
	handlers   map[Action]Handler
	triggering map[uint64]struct{}
}

func New(cfg Config, clock ledger.Clock, events ledger.Emitter, log *zap.Logger) (*Governance, error) {
	if len(cfg.Authorities) == 0 {
		return nil, errors.New("governance requires at least one authority")
	}
	if cfg.Quorum <= 0 || cfg.Quorum > len(cfg.Authorities) {
		return nil, fmt.Errorf("governance quorum %d out of range 1..%d", cfg.Quorum, len(cfg.Authorities))
	}
	if log == nil {
		log = zap.NewNop()
	}
	auths := make(map[common.Address]struct{}, len(cfg.Authorities))
	for _, a := range cfg.Authorities {
		auths[a] = struct{}{}
	}
	return &Governance{
		address:     cfg.Address,
		authorities: auths,
		quorum:      cfg.Quorum,
		window:      cfg.Window,
		clock:       clock,
		events:      events,
		log:         log,
		handlers:    make(map[Action]Handler),
		triggering:  make(map[uint64]struct{}),
	}, nil
}

func (g *Governance) Address() common.Address { return g.address }

// Authorizer returns the predicate privileged components should check.
func (g *Governance) Authorizer() Authorizer { return OnlyGovernance(g.address) }

func (g *Governance) Handle(action Action, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[action] = h
}

// Encode packs action arguments the way proposals carry them.
func Encode(args any) ([]byte, error) {
	return msgpack.Marshal(args)
}

// Decode unpacks a proposal payload inside a handler.
func Decode(payload []byte, out any) error {
	return msgpack.Unmarshal(payload, out)
}

func (g *Governance) Propose(caller common.Address, action Action, args any) (uint64, error) {
	if !g.isAuthority(caller) {
		return 0, ErrNotAuthority
	}
	payload, err := Encode(args)
	if err != nil {
		return 0, fmt.Errorf("encode %s args: %w", action, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	id := uint64(len(g.proposals) + 1)
	p := &Proposal{
		ID:            id,
		Hash:          proposalHash(id, action, payload),
		Action:        action,
		Payload:       payload,
		Proposer:      caller,
		CreatedAt:     g.clock.Now(),
		State:         StateProposed,
		Confirmations: make(map[common.Address]struct{}),
	}
	g.proposals = append(g.proposals, p)
	g.emit("governance-proposed", p)
	return id, nil
}

func (g *Governance) Confirm(caller common.Address, id uint64) error {
	if !g.isAuthority(caller) {
		return ErrNotAuthority
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	p, err := g.openLocked(id)
	if err != nil {
		return err
	}
	if _, ok := p.Confirmations[caller]; ok {
		return ErrAlreadyConfirmed
	}
	p.Confirmations[caller] = struct{}{}
	if len(p.Confirmations) >= g.quorum {
		p.State = nextState(p.State, EventQuorum)
	}
	g.emit("governance-confirmed", p)
	return nil
}

// Trigger runs a confirmed proposal. The handler runs at most once per proposal: a concurrent or
// re-entrant Trigger for the same id fails with ErrTriggerInFlight. A failing handler leaves the
// proposal confirmed so it can be retried within its window.
func (g *Governance) Trigger(ctx context.Context, caller common.Address, id uint64) error {
	if !g.isAuthority(caller) {
		return ErrNotAuthority
	}
	g.mu.Lock()
	p, err := g.openLocked(id)
	if err != nil {
		g.mu.Unlock()
		return err
	}
	if p.State != StateConfirmed {
		g.mu.Unlock()
		return ErrNotConfirmed
	}
	if _, busy := g.triggering[id]; busy {
		g.mu.Unlock()
		return fmt.Errorf("proposal %d: %w", id, ErrTriggerInFlight)
	}
	h, ok := g.handlers[p.Action]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%s: %w", p.Action, ErrNoHandler)
	}
	g.triggering[id] = struct{}{}
	g.mu.Unlock()

	if err := h(ctx, g.address, p.Payload); err != nil {
		g.mu.Lock()
		delete(g.triggering, id)
		g.mu.Unlock()
		return fmt.Errorf("trigger %s: %w", p.Action, err)
	}
	g.mu.Lock()
	delete(g.triggering, id)
	p.State = nextState(p.State, EventTrigger)
	g.emit("governance-triggered", p)
	g.mu.Unlock()
	g.log.Info("governance action triggered", zap.Uint64("proposal", p.ID), zap.String("action", string(p.Action)))
	return nil
}

func (g *Governance) Proposal(id uint64) (Proposal, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id == 0 || id > uint64(len(g.proposals)) {
		return Proposal{}, false
	}
	p := g.proposals[id-1]
	g.expireLocked(p)
	out := *p
	out.Confirmations = make(map[common.Address]struct{}, len(p.Confirmations))
	for k := range p.Confirmations {
		out.Confirmations[k] = struct{}{}
	}
	return out, true
}

func (g *Governance) ProposalCount() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return uint64(len(g.proposals))
}

func (g *Governance) openLocked(id uint64) (*Proposal, error) {
	if id == 0 || id > uint64(len(g.proposals)) {
		return nil, ErrUnknownProposal
	}
	p := g.proposals[id-1]
	g.expireLocked(p)
	switch p.State {
	case StateExpired:
		return nil, ErrProposalExpired
	case StateTriggered:
		return nil, ErrProposalClosed
	}
	return p, nil
}

func (g *Governance) expireLocked(p *Proposal) {
	if g.window <= 0 || p.State == StateTriggered {
		return
	}
	if g.clock.Now().After(p.CreatedAt.Add(g.window)) {
		p.State = nextState(p.State, EventExpire)
	}
}

func (g *Governance) isAuthority(caller common.Address) bool {
	_, ok := g.authorities[caller]
	return ok
}

func (g *Governance) emit(kind string, p *Proposal) {
	if g.events == nil {
		return
	}
	g.events.Emit(kind, map[string]string{
		"proposal":      strconv.FormatUint(p.ID, 10),
		"action":        string(p.Action),
		"hash":          p.Hash.Hex(),
		"state":         string(p.State),
		"confirmations": strconv.Itoa(len(p.Confirmations)),
	})
}

func proposalHash(id uint64, action Action, payload []byte) common.Hash {
	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], id)
	return crypto.Keccak256Hash(idBytes[:], []byte(action), payload)
}
