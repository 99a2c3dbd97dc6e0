// Package wallet is the boundary to the wallet adapter: the rest of the
// service only ever reads whether a wallet is connected and its address.
package wallet

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// ErrInvalidAddress is returned for strings that are not Solana public keys
var ErrInvalidAddress = errors.New("invalid wallet address")

// Adapter exposes the connection state of a wallet
type Adapter interface {
	Connected() bool
	Address() string
}

// ValidateAddress checks that addr is a base58-encoded 32-byte public key
func ValidateAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if _, err := solana.PublicKeyFromBase58(addr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return nil
}

// Static is an Adapter whose state is set explicitly, e.g. from a request
// that names a wallet already connected in the browser.
type Static struct {
	mu      sync.RWMutex
	address string
}

// NewStatic returns a connected adapter for addr, or a disconnected one if addr is empty
func NewStatic(addr string) *Static {
	return &Static{address: strings.TrimSpace(addr)}
}

// Connected reports whether an address is set
func (s *Static) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address != ""
}

// Address returns the connected address, or "" when disconnected
func (s *Static) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

// Connect sets the connected address
func (s *Static) Connect(addr string) {
	s.mu.Lock()
	s.address = strings.TrimSpace(addr)
	s.mu.Unlock()
}

// Disconnect clears the address
func (s *Static) Disconnect() {
	s.mu.Lock()
	s.address = ""
	s.mu.Unlock()
}
