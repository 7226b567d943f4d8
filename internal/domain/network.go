package domain

import (
	"fmt"
	"time"
)

type NetworkKind string

const (
	NetworkBlockchain NetworkKind = "blockchain"
	NetworkChannel    NetworkKind = "channel"
	NetworkInternal   NetworkKind = "internal"
)

func (k NetworkKind) Valid() bool {
	switch k {
	case NetworkBlockchain, NetworkChannel, NetworkInternal:
		return true
	}
	return false
}

// Network describes one settlement rail the core accepts payments on.
type Network struct {
	ID                    string        `yaml:"id" json:"id"`
	Kind                  NetworkKind   `yaml:"kind" json:"kind"`
	RequiredConfirmations int64         `yaml:"required_confirmations" json:"required_confirmations"`
	GraceWindow           time.Duration `yaml:"grace_window" json:"grace_window"`
}

// Policy returns the finality rule for payments seen on this network.
func (n Network) Policy() ConfirmationPolicy {
	if n.Kind == NetworkBlockchain && n.RequiredConfirmations > 0 {
		return DepthPolicy{Required: n.RequiredConfirmations}
	}
	return ImmediatePolicy{}
}

func (n Network) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("network id is required")
	}
	if !n.Kind.Valid() {
		return fmt.Errorf("network %s: %w: kind %q", n.ID, ErrUnsupportedNetwork, n.Kind)
	}
	if n.RequiredConfirmations < 0 {
		return fmt.Errorf("network %s: negative required confirmations", n.ID)
	}
	return nil
}

// ConfirmationPolicy decides when a detected payment is final.
type ConfirmationPolicy interface {
	Satisfied(depth int64) bool
}

type DepthPolicy struct {
	Required int64
}

func (p DepthPolicy) Satisfied(depth int64) bool {
	return depth >= p.Required
}

// ImmediatePolicy confirms on receipt. Channel and internal payments are
// final as soon as they are reported.
type ImmediatePolicy struct{}

func (ImmediatePolicy) Satisfied(int64) bool { return true }

// Allocation is what a provisioning pool hands out for a new route.
type Allocation struct {
	Identifier string            `json:"identifier"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RouteDetails is the network-specific part of a route.
type RouteDetails interface {
	Kind() NetworkKind
	Identifier() string
}

type BlockchainRoute struct {
	Address string `json:"address"`
}

func (r BlockchainRoute) Kind() NetworkKind  { return NetworkBlockchain }
func (r BlockchainRoute) Identifier() string { return r.Address }

type ChannelRoute struct {
	PaymentID string `json:"payment_id"`
	Node      string `json:"node,omitempty"`
}

func (r ChannelRoute) Kind() NetworkKind  { return NetworkChannel }
func (r ChannelRoute) Identifier() string { return r.PaymentID }

type InternalRoute struct {
	Marker string `json:"marker"`
}

func (r InternalRoute) Kind() NetworkKind  { return NetworkInternal }
func (r InternalRoute) Identifier() string { return r.Marker }

// NewRouteDetails builds the route variant for kind out of a pool allocation.
func NewRouteDetails(kind NetworkKind, a Allocation) (RouteDetails, error) {
	if a.Identifier == "" {
		return nil, fmt.Errorf("empty %s route identifier", kind)
	}
	switch kind {
	case NetworkBlockchain:
		return BlockchainRoute{Address: a.Identifier}, nil
	case NetworkChannel:
		return ChannelRoute{PaymentID: a.Identifier, Node: a.Metadata["node"]}, nil
	case NetworkInternal:
		return InternalRoute{Marker: a.Identifier}, nil
	}
	return nil, fmt.Errorf("%w: kind %q", ErrUnsupportedNetwork, kind)
}
